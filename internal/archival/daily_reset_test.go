package archival

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wisefido-medication/internal/models"
	"wisefido-medication/internal/repository"
)

func setupArchival(t *testing.T, now time.Time) (*Service, *repository.MemoryEventsRepo, *repository.MemorySummariesRepo) {
	t.Helper()
	events := repository.NewMemoryEventsRepo()
	summaries := repository.NewMemorySummariesRepo()
	svc := NewService(events, summaries, 2, zap.NewNop()).
		WithClock(func() time.Time { return now })
	return svc, events, summaries
}

// seedYesterday 写入昨日（UTC）的一组剂次事件
func seedYesterday(t *testing.T, events *repository.MemoryEventsRepo, now time.Time) {
	t.Helper()
	ctx := context.Background()
	yesterday := now.AddDate(0, 0, -1)
	base := time.Date(yesterday.Year(), yesterday.Month(), yesterday.Day(), 8, 0, 0, 0, time.UTC)

	onTime := true
	late := 10
	for i, spec := range []struct {
		eventType models.EventType
		offset    time.Duration
	}{
		{models.EventDoseScheduled, 0},
		{models.EventDoseTaken, 10 * time.Minute},
		{models.EventDoseScheduled, 10 * time.Hour},
		{models.EventDoseMissed, 12 * time.Hour},
	} {
		at := base.Add(spec.offset)
		event := &models.MedicationEvent{
			EventID:   models.DeriveEventID("med_p1_aspirin", spec.eventType, at),
			CommandID: "med_p1_aspirin",
			PatientID: "p1",
			EventType: spec.eventType,
			Context:   models.EventContext{MedicationName: "Aspirin"},
			Timing:    models.EventTiming{EventTimestamp: at},
		}
		if spec.eventType == models.EventDoseTaken {
			event.Timing.IsOnTime = &onTime
			event.Timing.MinutesLate = &late
		}
		require.NoError(t, events.CreateEvent(ctx, event), "event %d", i)
	}
}

// ============================================
// 标准归档流程测试
// ============================================

func TestRunDailyReset_ArchivesYesterday(t *testing.T) {
	now := time.Date(2026, 3, 15, 2, 30, 0, 0, time.UTC)
	svc, events, summaries := setupArchival(t, now)
	seedYesterday(t, events, now)

	result, err := svc.RunDailyReset(context.Background(), "p1", "UTC", false)
	require.NoError(t, err)

	assert.Equal(t, "2026-03-14", result.Date)
	assert.False(t, result.AlreadyProcessed)
	assert.Equal(t, 4, result.EventsArchived)
	assert.Equal(t, 2, result.Stats.Scheduled)
	assert.Equal(t, 1, result.Stats.Taken)
	assert.Equal(t, 1, result.Stats.Missed)
	assert.Equal(t, 50.0, result.Stats.AdherenceRate)

	// 汇总落库且保持不可变结构
	summary, err := summaries.GetSummary(context.Background(), "p1", "2026-03-14")
	require.NoError(t, err)
	assert.Equal(t, result.SummaryID, summary.SummaryID)
	assert.Len(t, summary.EventIDs, 4)
	assert.Equal(t, "Aspirin", summary.Medications["med_p1_aspirin"].MedicationName)

	// 事件带上归档标记
	archived, err := events.QueryEvents(context.Background(), repository.EventFilters{
		Archived: repository.ArchivedOnly,
	})
	require.NoError(t, err)
	require.Len(t, archived, 4)
	for _, event := range archived {
		require.NotNil(t, event.BelongsToDate)
		assert.Equal(t, "2026-03-14", *event.BelongsToDate)
		require.NotNil(t, event.SummaryID)
		assert.Equal(t, result.SummaryID, *event.SummaryID)
	}
}

func TestRunDailyReset_SecondRunIsNoop(t *testing.T) {
	now := time.Date(2026, 3, 15, 2, 30, 0, 0, time.UTC)
	svc, events, _ := setupArchival(t, now)
	seedYesterday(t, events, now)

	first, err := svc.RunDailyReset(context.Background(), "p1", "UTC", false)
	require.NoError(t, err)
	assert.Equal(t, 4, first.EventsArchived)

	second, err := svc.RunDailyReset(context.Background(), "p1", "UTC", false)
	require.NoError(t, err)
	assert.True(t, second.AlreadyProcessed)
	assert.Equal(t, 0, second.EventsArchived)
}

func TestRunDailyReset_DryRunArchivesNothing(t *testing.T) {
	now := time.Date(2026, 3, 15, 2, 30, 0, 0, time.UTC)
	svc, events, summaries := setupArchival(t, now)
	seedYesterday(t, events, now)

	result, err := svc.RunDailyReset(context.Background(), "p1", "UTC", true)
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	assert.Equal(t, 4, result.EventsArchived)
	assert.Equal(t, 50.0, result.Stats.AdherenceRate)

	// 无汇总、无归档标记
	_, err = summaries.GetSummary(context.Background(), "p1", "2026-03-14")
	assert.True(t, repository.IsNotFound(err))
	archived, err := events.QueryEvents(context.Background(), repository.EventFilters{
		Archived: repository.ArchivedOnly,
	})
	require.NoError(t, err)
	assert.Empty(t, archived)
}

func TestRunDailyReset_StragglersAttachToExistingSummary(t *testing.T) {
	now := time.Date(2026, 3, 15, 2, 30, 0, 0, time.UTC)
	svc, events, summaries := setupArchival(t, now)
	seedYesterday(t, events, now)

	// 前一次运行建了汇总但没归档完
	existing := &models.DailySummary{
		SummaryID: models.DeriveSummaryID("p1", "2026-03-14"),
		PatientID: "p1",
		Date:      "2026-03-14",
		Timezone:  "UTC",
		CreatedAt: now.Add(-time.Hour),
		CreatedBy: "daily_reset",
	}
	require.NoError(t, summaries.CreateSummary(context.Background(), existing))

	result, err := svc.RunDailyReset(context.Background(), "p1", "UTC", false)
	require.NoError(t, err)

	assert.Equal(t, existing.SummaryID, result.SummaryID)
	assert.Equal(t, 4, result.EventsArchived)
}

func TestRunDailyReset_RespectsPatientTimezone(t *testing.T) {
	// UTC 2026-03-15 02:30 在 America/New_York 还是 03-14 晚上：
	// 当地"昨日"是 03-13
	now := time.Date(2026, 3, 15, 2, 30, 0, 0, time.UTC)
	svc, _, _ := setupArchival(t, now)

	result, err := svc.RunDailyReset(context.Background(), "p1", "America/New_York", false)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-13", result.Date)
	assert.True(t, result.AlreadyProcessed)
}

func TestRunDailyReset_InvalidTimezone(t *testing.T) {
	now := time.Date(2026, 3, 15, 2, 30, 0, 0, time.UTC)
	svc, _, _ := setupArchival(t, now)

	_, err := svc.RunDailyReset(context.Background(), "p1", "Not/AZone", false)
	assert.Error(t, err)
}

// ============================================
// 统计聚合测试
// ============================================

func TestComputeStats_PerMedicationBreakdown(t *testing.T) {
	onTime := true
	notOnTime := false
	late := 50
	events := []*models.MedicationEvent{
		{CommandID: "med_p1_a", EventType: models.EventDoseScheduled, Context: models.EventContext{MedicationName: "A"}},
		{CommandID: "med_p1_a", EventType: models.EventDoseTaken, Context: models.EventContext{MedicationName: "A"},
			Timing: models.EventTiming{IsOnTime: &onTime}},
		{CommandID: "med_p1_b", EventType: models.EventDoseScheduled, Context: models.EventContext{MedicationName: "B"}},
		{CommandID: "med_p1_b", EventType: models.EventDoseTaken, Context: models.EventContext{MedicationName: "B"},
			Timing: models.EventTiming{IsOnTime: &notOnTime, MinutesLate: &late}},
		{CommandID: "med_p1_b", EventType: models.EventDoseScheduled, Context: models.EventContext{MedicationName: "B"}},
		{CommandID: "med_p1_b", EventType: models.EventDoseMissed, Context: models.EventContext{MedicationName: "B"}},
	}

	stats, breakdown := computeStats(events)

	assert.Equal(t, 3, stats.Scheduled)
	assert.Equal(t, 2, stats.Taken)
	assert.Equal(t, 1, stats.Missed)
	assert.Equal(t, 66.7, stats.AdherenceRate)
	assert.Equal(t, 50.0, stats.OnTimeRate)
	assert.Equal(t, 50.0, stats.AvgDelayMinutes)

	assert.Equal(t, 100.0, breakdown["med_p1_a"].AdherenceRate)
	assert.Equal(t, 50.0, breakdown["med_p1_b"].AdherenceRate)
	assert.Equal(t, 1, breakdown["med_p1_b"].Missed)
}

// 创建药品时预生成的未来 dose_scheduled 写入时刻在昨天，
// 但按 scheduled_for 归属未来某天，归档不能收走它们
func TestRunDailyReset_FutureScheduledDosesStayLive(t *testing.T) {
	now := time.Date(2026, 3, 15, 2, 30, 0, 0, time.UTC)
	svc, events, _ := setupArchival(t, now)
	seedYesterday(t, events, now)

	createdAt := now.AddDate(0, 0, -1)
	futureDose := now.AddDate(0, 0, 10)
	graceEnd := futureDose.Add(time.Hour)
	future := &models.MedicationEvent{
		EventID:   models.DeriveEventID("med_p1_aspirin", models.EventDoseScheduled, futureDose),
		CommandID: "med_p1_aspirin",
		PatientID: "p1",
		EventType: models.EventDoseScheduled,
		Context:   models.EventContext{MedicationName: "Aspirin"},
		Timing: models.EventTiming{
			EventTimestamp: createdAt,
			ScheduledFor:   &futureDose,
			GracePeriodEnd: &graceEnd,
		},
	}
	require.NoError(t, events.CreateEvent(context.Background(), future))

	result, err := svc.RunDailyReset(context.Background(), "p1", "UTC", false)
	require.NoError(t, err)

	// 未来剂次既不进昨日统计也不被归档
	assert.Equal(t, 4, result.EventsArchived)
	assert.Equal(t, 2, result.Stats.Scheduled)

	live, err := events.QueryEvents(context.Background(), repository.EventFilters{
		Archived: repository.ArchivedExclude,
	})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, future.EventID, live[0].EventID)
	assert.False(t, live[0].IsArchived)

	// 该剂次过宽限期后仍能被漏服扫描看到
	overdue, err := events.GetMissedEventsInGracePeriod(context.Background(), "med_p1_aspirin", graceEnd.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, future.EventID, overdue[0].EventID)
}
