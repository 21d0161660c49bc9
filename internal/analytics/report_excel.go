package analytics

import (
	"fmt"

	"wisefido-medication/internal/models"

	"github.com/xuri/excelize/v2"
)

// AdherenceReportHeader 每日汇总导出表头
var AdherenceReportHeader = []string{
	"Date",
	"Scheduled",
	"Taken",
	"Missed",
	"Skipped",
	"Snoozed",
	"Adherence Rate (%)",
	"On-Time Rate (%)",
	"Avg Delay (min)",
}

// GenerateAdherenceExport 生成依从性报告 Excel 文件
// 第一个工作表为窗口汇总，第二个为逐日明细（来自每日汇总）
func GenerateAdherenceExport(report *Report, summaries []*models.DailySummary) ([]byte, error) {
	f := excelize.NewFile()
	// Note: Don't defer Close() here, because WriteTo needs the file to be open

	overviewSheet := "Overview"
	index, err := f.NewSheet(overviewSheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	overview := [][]any{
		{"Patient", report.PatientID},
		{"Window Start", report.WindowStart.Format("2006-01-02")},
		{"Window End", report.WindowEnd.Format("2006-01-02")},
		{"Scheduled Doses", report.Counts.Scheduled},
		{"Taken Doses", report.Counts.Taken},
		{"Missed Doses", report.Counts.Missed},
		{"Skipped Doses", report.Counts.Skipped},
		{"Adherence Rate (%)", report.AdherenceRate},
		{"On-Time Rate (%)", report.OnTimeRate},
		{"Late Doses", report.Delay.LateCount},
		{"Very Late Doses", report.Delay.VeryLateCount},
		{"Trend", string(report.Patterns.Trend)},
		{"Risk Level", string(report.Risk.Level)},
		{"Predicted 7-Day Rate (%)", report.Risk.PredictedRate7Day},
		{"Confidence", report.Risk.Confidence},
	}
	for i, row := range overview {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to build cell name: %w", err)
		}
		if err := f.SetSheetRow(overviewSheet, cell, &row); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write overview row: %w", err)
		}
	}

	dailySheet := "Daily"
	if _, err := f.NewSheet(dailySheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	header := make([]any, len(AdherenceReportHeader))
	for i, h := range AdherenceReportHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(dailySheet, "A1", &header); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	for i, summary := range summaries {
		row := []any{
			summary.Date,
			summary.Stats.Scheduled,
			summary.Stats.Taken,
			summary.Stats.Missed,
			summary.Stats.Skipped,
			summary.Stats.Snoozed,
			summary.Stats.AdherenceRate,
			summary.Stats.OnTimeRate,
			summary.Stats.AvgDelayMinutes,
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to build cell name: %w", err)
		}
		if err := f.SetSheetRow(dailySheet, cell, &row); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write daily row: %w", err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to serialize workbook: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close workbook: %w", err)
	}
	return buf.Bytes(), nil
}
