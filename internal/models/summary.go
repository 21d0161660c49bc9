package models

import (
	"fmt"
	"time"
)

// ============================================
// 每日汇总：每 (patient_id, 日期) 一条，创建后不可变
// 对应 daily_summaries 表，由每日归档写入
// ============================================

// DailySummary 每日用药汇总（对应 daily_summaries 表）
type DailySummary struct {
	SummaryID string    `json:"summary_id" db:"summary_id"`
	PatientID string    `json:"patient_id" db:"patient_id"`
	Date      string    `json:"date" db:"date"` // "YYYY-MM-DD"（病人本地日）
	Timezone  string    `json:"timezone" db:"timezone"`

	Stats       SummaryStats                  `json:"stats" db:"stats"`             // JSONB
	Medications map[string]MedicationBreakdown `json:"medications" db:"medications"` // JSONB: command_id -> 明细
	EventIDs    []string                      `json:"event_ids" db:"event_ids"`     // JSONB: 归档事件清单

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	CreatedBy string    `json:"created_by" db:"created_by"`
}

// SummaryStats 当日聚合统计（JSONB 结构）
type SummaryStats struct {
	Scheduled int `json:"scheduled"`
	Taken     int `json:"taken"`
	Missed    int `json:"missed"`
	Skipped   int `json:"skipped"`
	Snoozed   int `json:"snoozed"`

	AdherenceRate   float64 `json:"adherence_rate"`    // taken/scheduled，百分比
	OnTimeRate      float64 `json:"on_time_rate"`      // 按时/taken，百分比
	AvgDelayMinutes float64 `json:"avg_delay_minutes"` // 迟服剂次的平均延迟
}

// MedicationBreakdown 单药当日明细（JSONB 结构）
type MedicationBreakdown struct {
	MedicationName string  `json:"medication_name"`
	Scheduled      int     `json:"scheduled"`
	Taken          int     `json:"taken"`
	Missed         int     `json:"missed"`
	Skipped        int     `json:"skipped"`
	AdherenceRate  float64 `json:"adherence_rate"`
}

// DeriveSummaryID 每 (patient_id, date) 唯一
func DeriveSummaryID(patientID, date string) string {
	return fmt.Sprintf("sum_%s_%s", patientID, date)
}
