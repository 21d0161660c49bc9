package analytics

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"wisefido-medication/internal/models"
)

func TestGenerateAdherenceExport(t *testing.T) {
	report := &Report{
		PatientID:   "p1",
		WindowStart: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		WindowEnd:   time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
		Counts: Counts{
			Scheduled: 28,
			Taken:     24,
			Missed:    3,
			Skipped:   1,
		},
		AdherenceRate: 85.7,
		OnTimeRate:    91.7,
		Patterns:      Patterns{Trend: TrendStable},
		Risk:          Risk{Level: RiskLow, PredictedRate7Day: 86.0, Confidence: 80},
	}
	summaries := []*models.DailySummary{
		{
			Date: "2026-03-13",
			Stats: models.SummaryStats{
				Scheduled: 2, Taken: 2,
				AdherenceRate: 100.0, OnTimeRate: 100.0,
			},
		},
		{
			Date: "2026-03-14",
			Stats: models.SummaryStats{
				Scheduled: 2, Taken: 1, Missed: 1,
				AdherenceRate: 50.0, OnTimeRate: 100.0,
			},
		},
	}

	data, err := GenerateAdherenceExport(report, summaries)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	assert.ElementsMatch(t, []string{"Overview", "Daily"}, f.GetSheetList())

	patient, err := f.GetCellValue("Overview", "B1")
	require.NoError(t, err)
	assert.Equal(t, "p1", patient)

	rate, err := f.GetCellValue("Overview", "B8")
	require.NoError(t, err)
	assert.Equal(t, "85.7", rate)

	header, err := f.GetCellValue("Daily", "A1")
	require.NoError(t, err)
	assert.Equal(t, "Date", header)

	date, err := f.GetCellValue("Daily", "A3")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-14", date)
	missed, err := f.GetCellValue("Daily", "D3")
	require.NoError(t, err)
	assert.Equal(t, "1", missed)
}

func TestGenerateAdherenceExport_NoSummaries(t *testing.T) {
	report := &Report{
		PatientID:   "p2",
		WindowStart: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		WindowEnd:   time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC),
	}

	data, err := GenerateAdherenceExport(report, nil)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Daily")
	require.NoError(t, err)
	require.Len(t, rows, 1, "header only")
}
