package service

import (
	"time"

	"wisefido-medication/internal/models"
)

// ============================================
// 工作流请求 / 结果对象
// 跨边界只传普通对象：失败以返回值表达，不抛异常
// ============================================

// CreateMedicationRequest 建药工作流请求
type CreateMedicationRequest struct {
	PatientID      string                     `json:"patient_id"`
	MedicationName string                     `json:"medication_name"`
	Frequency      models.MedicationFrequency `json:"frequency"`

	// 排程：显式时刻 / 病人偏好推导 / 灵活配置，三选一
	Times                     []string                        `json:"times,omitempty"`
	UsePatientTimePreferences bool                            `json:"use_patient_time_preferences,omitempty"`
	TimeOverrides             map[string]string               `json:"time_overrides,omitempty"` // bucket -> "HH:MM"
	Flexible                  *models.FlexibleScheduleConfig  `json:"flexible,omitempty"`

	DaysOfWeek  []int      `json:"days_of_week,omitempty"`
	DaysOfMonth []int      `json:"days_of_month,omitempty"`
	StartDate   *time.Time `json:"start_date,omitempty"`
	EndDate     *time.Time `json:"end_date,omitempty"`

	Medication models.MedicationDetails `json:"medication,omitempty"`
	Reminders  models.ReminderSettings  `json:"reminders,omitempty"`

	Actor        string `json:"actor"`
	NotifyFamily bool   `json:"notify_family,omitempty"`
}

// MarkTakenRequest 服药打卡工作流请求
type MarkTakenRequest struct {
	CommandID        string           `json:"command_id"`
	ScheduledEventID string           `json:"scheduled_event_id,omitempty"` // 二选一
	ScheduledTime    *time.Time       `json:"scheduled_time,omitempty"`
	TakenAt          time.Time        `json:"taken_at"`
	Variant          models.EventType `json:"variant,omitempty"` // 默认 dose_taken
	DosageAmount     string           `json:"dosage_amount,omitempty"`
	Actor            string           `json:"actor"`
	NotifyFamily     bool             `json:"notify_family,omitempty"`
}

// StatusChangeRequest 状态变更工作流请求
type StatusChangeRequest struct {
	CommandID         string               `json:"command_id"`
	NewStatus         models.CommandStatus `json:"new_status"`
	Reason            string               `json:"reason,omitempty"`
	PausedUntil       *time.Time           `json:"paused_until,omitempty"`
	DiscontinueDate   *time.Time           `json:"discontinue_date,omitempty"`
	Actor             string               `json:"actor"`
}

// UndoRequest 撤销工作流请求
type UndoRequest struct {
	EventID         string           `json:"event_id"`
	Reason          string           `json:"reason"`
	CorrectedAction models.EventType `json:"corrected_action,omitempty"`
	Actor           string           `json:"actor"`
	NotifyFamily    bool             `json:"notify_family,omitempty"`
}

// UpdateMedicationRequest 指令更新请求（部分变更，合并后整体重校验）
type UpdateMedicationRequest struct {
	CommandID  string                      `json:"command_id"`
	Frequency  *models.MedicationFrequency `json:"frequency,omitempty"`
	Times      []string                    `json:"times,omitempty"`
	Medication *models.MedicationDetails   `json:"medication,omitempty"`
	Reminders  *models.ReminderSettings    `json:"reminders,omitempty"`
	EndDate    *time.Time                  `json:"end_date,omitempty"`
	Actor      string                      `json:"actor"`
}

// WorkflowResult 所有工作流的统一返回
type WorkflowResult struct {
	Success       bool           `json:"success"`
	WorkflowID    string         `json:"workflow_id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CommandID     string         `json:"command_id,omitempty"`
	EventIDs      []string       `json:"event_ids,omitempty"`
	Counts        map[string]int `json:"counts,omitempty"`
	ExecutionMS   int64          `json:"execution_ms"`
	Warnings      []string       `json:"warnings,omitempty"`
	Error         string         `json:"error,omitempty"`
	ValidationErrors []string    `json:"validation_errors,omitempty"`
}

// SweepResult 漏服检测扫描结果
type SweepResult struct {
	CommandsScanned int      `json:"commands_scanned"`
	MissedDetected  int      `json:"missed_detected"`
	AlreadyFlagged  int      `json:"already_flagged"`
	Errors          []string `json:"errors,omitempty"`
}
