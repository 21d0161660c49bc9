package archival

import (
	"context"
	"fmt"
	"time"

	"wisefido-medication/internal/models"
	"wisefido-medication/internal/repository"

	"go.uber.org/zap"
)

const archivedReason = "daily_reset"

// ResetResult 一次每日归档的结果
type ResetResult struct {
	PatientID        string              `json:"patient_id"`
	Date             string              `json:"date"`
	DryRun           bool                `json:"dry_run"`
	AlreadyProcessed bool                `json:"already_processed"`
	SummaryID        string              `json:"summary_id,omitempty"`
	EventsArchived   int                 `json:"events_archived"`
	Stats            models.SummaryStats `json:"stats"`
}

// Service 每日归档：把前一天的事件折叠为不可变汇总并标记归档
type Service struct {
	events    repository.EventsRepository
	summaries repository.SummariesRepository
	batchSize int
	clock     func() time.Time
	logger    *zap.Logger
}

// NewService 创建每日归档服务
func NewService(events repository.EventsRepository, summaries repository.SummariesRepository, batchSize int, logger *zap.Logger) *Service {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Service{
		events:    events,
		summaries: summaries,
		batchSize: batchSize,
		clock:     func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

// WithClock 注入时钟（测试用）
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// RunDailyReset 对指定病人和 IANA 时区执行每日归档
// 计算昨日本地午夜到午夜的边界 → 查询未归档事件 → 统计 + 单药明细 →
// 写一条每日汇总 → 按批标记事件归档。
// 幂等：已处理日期再次执行找不到未归档事件，直接空操作；
// 汇总已存在但仍有漏网事件时补挂到既有汇总，不会重复建汇总
func (s *Service) RunDailyReset(ctx context.Context, patientID, timezone string, dryRun bool) (*ResetResult, error) {
	if patientID == "" {
		return nil, fmt.Errorf("patient_id is required")
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}

	now := s.clock().In(loc)
	todayMidnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	dayStart := todayMidnight.AddDate(0, 0, -1)
	dayEnd := todayMidnight
	date := dayStart.Format("2006-01-02")

	result := &ResetResult{
		PatientID: patientID,
		Date:      date,
		DryRun:    dryRun,
	}

	// 归档前再查一次未归档事件：重复调用天然幂等。
	// 按归属日（scheduled_for 优先）选事件：创建时预生成的未来 dose_scheduled
	// 写入时刻在昨天，但归属未来某天，不能被今天的归档收走
	events, err := s.events.QueryEvents(ctx, repository.EventFilters{
		PatientID:     &patientID,
		StartTime:     &dayStart,
		EndTime:       &dayEnd,
		EffectiveTime: true,
		Archived:      repository.ArchivedExclude,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query events for daily reset: %w", err)
	}
	if len(events) == 0 {
		result.AlreadyProcessed = true
		return result, nil
	}

	stats, breakdown := computeStats(events)
	result.Stats = stats

	if dryRun {
		result.EventsArchived = len(events)
		return result, nil
	}

	summaryID := models.DeriveSummaryID(patientID, date)
	existing, err := s.summaries.GetSummary(ctx, patientID, date)
	switch {
	case err == nil:
		// 前一次运行建了汇总但没归档完：补挂到既有汇总
		summaryID = existing.SummaryID
		s.logger.Warn("Daily summary already exists, archiving stragglers",
			zap.String("patient_id", patientID),
			zap.String("date", date),
		)
	case repository.IsNotFound(err):
		summary := &models.DailySummary{
			SummaryID:   summaryID,
			PatientID:   patientID,
			Date:        date,
			Timezone:    timezone,
			Stats:       stats,
			Medications: breakdown,
			EventIDs:    eventIDs(events),
			CreatedAt:   s.clock(),
			CreatedBy:   "daily_reset",
		}
		if err := s.summaries.CreateSummary(ctx, summary); err != nil {
			if repository.IsConflict(err) {
				// 与并发执行的归档撞车：对方已建汇总，本次只补归档
				s.logger.Warn("Concurrent daily reset created the summary first",
					zap.String("patient_id", patientID),
					zap.String("date", date),
				)
			} else {
				return nil, fmt.Errorf("failed to create daily summary: %w", err)
			}
		}
	default:
		return nil, fmt.Errorf("failed to check existing summary: %w", err)
	}
	result.SummaryID = summaryID

	// 按批标记归档；MarkArchived 跳过已归档事件
	ids := eventIDs(events)
	archivedAt := s.clock()
	for start := 0; start < len(ids); start += s.batchSize {
		end := start + s.batchSize
		if end > len(ids) {
			end = len(ids)
		}
		marked, err := s.events.MarkArchived(ctx, repository.ArchiveMark{
			EventIDs:      ids[start:end],
			ArchivedAt:    archivedAt,
			Reason:        archivedReason,
			BelongsToDate: date,
			SummaryID:     summaryID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to archive events batch: %w", err)
		}
		result.EventsArchived += marked
	}

	s.logger.Info("Daily reset completed",
		zap.String("patient_id", patientID),
		zap.String("date", date),
		zap.Int("events_archived", result.EventsArchived),
		zap.Float64("adherence_rate", stats.AdherenceRate),
	)
	return result, nil
}

// computeStats 当日聚合统计 + 单药明细
func computeStats(events []*models.MedicationEvent) (models.SummaryStats, map[string]models.MedicationBreakdown) {
	stats := models.SummaryStats{}
	breakdown := map[string]models.MedicationBreakdown{}

	onTime := 0
	delaySum, delayCount := 0, 0
	for _, event := range events {
		entry := breakdown[event.CommandID]
		entry.MedicationName = event.Context.MedicationName

		switch {
		case event.EventType == models.EventDoseScheduled:
			stats.Scheduled++
			entry.Scheduled++
		case event.EventType.IsTakenVariant():
			stats.Taken++
			entry.Taken++
			if event.Timing.IsOnTime != nil && *event.Timing.IsOnTime {
				onTime++
			} else if event.Timing.MinutesLate != nil {
				delaySum += *event.Timing.MinutesLate
				delayCount++
			}
		case event.EventType == models.EventDoseMissed:
			stats.Missed++
			entry.Missed++
		case event.EventType == models.EventDoseSkipped:
			stats.Skipped++
			entry.Skipped++
		case event.EventType == models.EventDoseSnoozed:
			stats.Snoozed++
		}

		breakdown[event.CommandID] = entry
	}

	if stats.Scheduled > 0 {
		stats.AdherenceRate = rate(stats.Taken, stats.Scheduled)
	}
	if stats.Taken > 0 {
		stats.OnTimeRate = rate(onTime, stats.Taken)
	}
	if delayCount > 0 {
		stats.AvgDelayMinutes = float64(delaySum) / float64(delayCount)
	}

	for commandID, entry := range breakdown {
		if entry.Scheduled > 0 {
			entry.AdherenceRate = rate(entry.Taken, entry.Scheduled)
		}
		breakdown[commandID] = entry
	}
	return stats, breakdown
}

func rate(part, whole int) float64 {
	return float64(int(float64(part)/float64(whole)*1000+0.5)) / 10
}

func eventIDs(events []*models.MedicationEvent) []string {
	ids := make([]string, len(events))
	for i, event := range events {
		ids[i] = event.EventID
	}
	return ids
}
