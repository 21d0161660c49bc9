package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"wisefido-medication/internal/models"
	"wisefido-medication/internal/repository"

	"go.uber.org/zap"
)

// 时效阈值（源系统中为硬编码常量，保留命名常量不做配置化）
const (
	// OnTimeThresholdMinutes 迟到不超过该分钟数视为按时
	OnTimeThresholdMinutes = 30
	// VeryLateThresholdMinutes 迟到超过该分钟数归类为"严重迟到"
	VeryLateThresholdMinutes = 120
)

// DefaultWindowDays 默认分析窗口
const DefaultWindowDays = 30

// Counts 窗口内事件计数
type Counts struct {
	Scheduled     int `json:"scheduled"`
	Taken         int `json:"taken"` // full + partial + adjusted
	TakenFull     int `json:"taken_full"`
	TakenPartial  int `json:"taken_partial"`
	TakenAdjusted int `json:"taken_adjusted"`
	Missed        int `json:"missed"`
	Skipped       int `json:"skipped"`
	Undone        int `json:"undone"`
}

// DelayStats 迟到剂次的延迟统计（只统计未按时的 taken 事件）
type DelayStats struct {
	MeanMinutes   float64 `json:"mean_minutes"`
	MedianMinutes float64 `json:"median_minutes"`
	MaxMinutes    int     `json:"max_minutes"`
	LateCount     int     `json:"late_count"`      // 迟到但 <= VeryLateThresholdMinutes
	VeryLateCount int     `json:"very_late_count"` // > VeryLateThresholdMinutes
}

// Patterns 行为模式
type Patterns struct {
	MostMissedBucket    string  `json:"most_missed_bucket,omitempty"`
	MostMissedDayOfWeek string  `json:"most_missed_day_of_week,omitempty"`
	WeekdayRate         float64 `json:"weekday_rate"`
	WeekendRate         float64 `json:"weekend_rate"`
	WeekendDelta        float64 `json:"weekend_delta"` // weekday - weekend
	ConsecutiveMisses   int     `json:"consecutive_misses"`
	CurrentTakeStreak   int     `json:"current_take_streak"`
	LongestTakeStreak   int     `json:"longest_take_streak"`
	Trend               Trend   `json:"trend"`
}

// Trend 趋势（窗口前后两半对比，阈值 ±5 个百分点）
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
)

// Report 依从性分析报告
type Report struct {
	PatientID    string     `json:"patient_id"`
	CommandID    string     `json:"command_id,omitempty"`
	WindowStart  time.Time  `json:"window_start"`
	WindowEnd    time.Time  `json:"window_end"`
	Counts       Counts     `json:"counts"`
	AdherenceRate float64   `json:"adherence_rate"` // taken/scheduled，百分比
	OnTimeRate   float64    `json:"on_time_rate"`   // 按时 taken/taken，百分比
	Delay        DelayStats `json:"delay"`
	Patterns     Patterns   `json:"patterns"`
	Risk         Risk       `json:"risk"`
}

// Calculator 依从性分析（事件存储上的只读投影）
type Calculator struct {
	events repository.EventsRepository
	logger *zap.Logger
}

// NewCalculator 创建分析器
func NewCalculator(events repository.EventsRepository, logger *zap.Logger) *Calculator {
	return &Calculator{
		events: events,
		logger: logger,
	}
}

// Calculate 计算窗口内依从性报告
// window <= 0 时取默认 30 天；commandID 为 nil 时覆盖病人全部药品
func (c *Calculator) Calculate(ctx context.Context, patientID string, commandID *string, window time.Duration) (*Report, error) {
	if patientID == "" {
		return nil, fmt.Errorf("patient_id is required")
	}
	if window <= 0 {
		window = DefaultWindowDays * 24 * time.Hour
	}
	end := time.Now().UTC()
	start := end.Add(-window)
	return c.CalculateRange(ctx, patientID, commandID, start, end)
}

// CalculateRange 按显式时间区间计算
func (c *Calculator) CalculateRange(ctx context.Context, patientID string, commandID *string, start, end time.Time) (*Report, error) {
	// 按剂次归属时间取窗：预生成的未来 dose_scheduled 不进当前窗口的分母
	filters := repository.EventFilters{
		PatientID:     &patientID,
		CommandID:     commandID,
		StartTime:     &start,
		EndTime:       &end,
		EffectiveTime: true,
		Archived:      repository.ArchivedInclude,
	}
	events, err := c.events.QueryEvents(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to query events for analytics: %w", err)
	}

	report := &Report{
		PatientID:   patientID,
		WindowStart: start,
		WindowEnd:   end,
	}
	if commandID != nil {
		report.CommandID = *commandID
	}

	events = netOutUndone(events)
	buildCounts(report, events)
	buildRates(report, events)
	buildDelayStats(report, events)
	buildPatterns(report, events)
	report.Risk = assessRisk(report)
	return report, nil
}

// netOutUndone 剔除已被 taken_undone 引用的 taken 事件：撤销后该剂次回到未服状态，
// 不能再计入依从率。taken_undone 本身保留，进 Undone 计数
func netOutUndone(events []*models.MedicationEvent) []*models.MedicationEvent {
	undone := map[string]bool{}
	for _, event := range events {
		if event.EventType == models.EventTakenUndone && event.EventData.Undo != nil {
			undone[event.EventData.Undo.OriginalEventID] = true
		}
	}
	if len(undone) == 0 {
		return events
	}
	out := make([]*models.MedicationEvent, 0, len(events))
	for _, event := range events {
		if event.EventType.IsTakenVariant() && undone[event.EventID] {
			continue
		}
		out = append(out, event)
	}
	return out
}

func buildCounts(report *Report, events []*models.MedicationEvent) {
	for _, event := range events {
		switch event.EventType {
		case models.EventDoseScheduled:
			report.Counts.Scheduled++
		case models.EventDoseTaken:
			report.Counts.TakenFull++
		case models.EventDoseTakenPartial:
			report.Counts.TakenPartial++
		case models.EventDoseTakenAdjusted:
			report.Counts.TakenAdjusted++
		case models.EventDoseMissed:
			report.Counts.Missed++
		case models.EventDoseSkipped:
			report.Counts.Skipped++
		case models.EventTakenUndone:
			report.Counts.Undone++
		}
	}
	report.Counts.Taken = report.Counts.TakenFull + report.Counts.TakenPartial + report.Counts.TakenAdjusted
}

func buildRates(report *Report, events []*models.MedicationEvent) {
	if report.Counts.Scheduled > 0 {
		report.AdherenceRate = roundRate(float64(report.Counts.Taken) / float64(report.Counts.Scheduled) * 100)
	}
	onTime := 0
	for _, event := range events {
		if event.EventType.IsTakenVariant() && event.Timing.IsOnTime != nil && *event.Timing.IsOnTime {
			onTime++
		}
	}
	if report.Counts.Taken > 0 {
		report.OnTimeRate = roundRate(float64(onTime) / float64(report.Counts.Taken) * 100)
	}
}

// buildDelayStats 只统计未按时的 taken 事件
func buildDelayStats(report *Report, events []*models.MedicationEvent) {
	var delays []int
	for _, event := range events {
		if !event.EventType.IsTakenVariant() {
			continue
		}
		if event.Timing.IsOnTime != nil && *event.Timing.IsOnTime {
			continue
		}
		if event.Timing.MinutesLate == nil {
			continue
		}
		delays = append(delays, *event.Timing.MinutesLate)
	}
	if len(delays) == 0 {
		return
	}

	sort.Ints(delays)
	sum := 0
	for _, d := range delays {
		sum += d
		if d > VeryLateThresholdMinutes {
			report.Delay.VeryLateCount++
		} else {
			report.Delay.LateCount++
		}
	}
	report.Delay.MeanMinutes = roundRate(float64(sum) / float64(len(delays)))
	report.Delay.MaxMinutes = delays[len(delays)-1]
	mid := len(delays) / 2
	if len(delays)%2 == 1 {
		report.Delay.MedianMinutes = float64(delays[mid])
	} else {
		report.Delay.MedianMinutes = float64(delays[mid-1]+delays[mid]) / 2
	}
}

func roundRate(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
