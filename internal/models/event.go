package models

import (
	"fmt"
	"time"
)

// ============================================
// 用药事件（Event）：关于指令的不可变事实
// 对应 medication_events 表，只追加不修改
// 唯一允许的事后写入是归档字段（由每日归档独占）
// ============================================

// EventType 事件类型
type EventType string

const (
	EventDoseScheduled   EventType = "dose_scheduled"
	EventDoseTaken       EventType = "dose_taken"
	EventDoseTakenPartial  EventType = "dose_taken_partial"
	EventDoseTakenAdjusted EventType = "dose_taken_adjusted"
	EventDoseMissed      EventType = "dose_missed"
	EventDoseSkipped     EventType = "dose_skipped"
	EventDoseSnoozed     EventType = "dose_snoozed"
	EventDoseRescheduled EventType = "dose_rescheduled"

	EventTakenUndone   EventType = "taken_undone"
	EventDoseCorrected EventType = "dose_corrected"

	EventMedicationCreated EventType = "medication_created"
	EventMedicationUpdated EventType = "medication_updated"
	EventScheduleCreated   EventType = "schedule_created"
	EventStatusChanged     EventType = "status_changed"
	EventReminderSent      EventType = "reminder_sent"
	EventSafetyAlert       EventType = "safety_alert"
)

// IsTakenVariant 是否为"已服用"类事件（可撤销 / 可更正的目标）
func (t EventType) IsTakenVariant() bool {
	switch t {
	case EventDoseTaken, EventDoseTakenPartial, EventDoseTakenAdjusted:
		return true
	}
	return false
}

// TriggerSource 事件触发来源
type TriggerSource string

const (
	TriggerUserAction      TriggerSource = "user_action"
	TriggerSystemDetection TriggerSource = "system_detection"
	TriggerScheduledTask   TriggerSource = "scheduled_task"
	TriggerAPICall         TriggerSource = "api_call"
)

// MedicationEvent 用药事件（对应 medication_events 表）
type MedicationEvent struct {
	EventID   string    `json:"event_id" db:"event_id"`
	CommandID string    `json:"command_id" db:"command_id"`
	PatientID string    `json:"patient_id" db:"patient_id"`
	EventType EventType `json:"event_type" db:"event_type"`

	EventData EventData    `json:"event_data" db:"event_data"` // JSONB
	Context   EventContext `json:"context" db:"context"`       // JSONB
	Timing    EventTiming  `json:"timing" db:"timing"`         // JSONB

	Version       int       `json:"version" db:"version"`
	CorrelationID string    `json:"correlation_id" db:"correlation_id"`
	SessionID     *string   `json:"session_id,omitempty" db:"session_id"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	CreatedBy     string    `json:"created_by" db:"created_by"`

	// 归档字段：只由每日归档写入一次
	IsArchived     bool       `json:"is_archived" db:"is_archived"`
	ArchivedAt     *time.Time `json:"archived_at,omitempty" db:"archived_at"`
	ArchivedReason *string    `json:"archived_reason,omitempty" db:"archived_reason"`
	BelongsToDate  *string    `json:"belongs_to_date,omitempty" db:"belongs_to_date"` // "YYYY-MM-DD"（病人本地日）
	SummaryID      *string    `json:"summary_id,omitempty" db:"summary_id"`
}

// EventData 类型相关载荷（JSONB 结构）
type EventData struct {
	ScheduledDateTime *time.Time `json:"scheduled_datetime,omitempty"`
	ActualDateTime    *time.Time `json:"actual_datetime,omitempty"`
	DosageAmount      string     `json:"dosage_amount,omitempty"`
	Actor             string     `json:"actor,omitempty"`
	ReasonCode        string     `json:"reason_code,omitempty"`
	Notes             string     `json:"notes,omitempty"`

	// 状态变更事件
	PreviousStatus CommandStatus `json:"previous_status,omitempty"`
	NewStatus      CommandStatus `json:"new_status,omitempty"`

	// 指令更新事件
	ChangedFields []string `json:"changed_fields,omitempty"`

	// 撤销 / 更正事件
	Undo *UndoPayload `json:"undo,omitempty"`
}

// UndoPayload 撤销载荷（JSONB 结构）
type UndoPayload struct {
	OriginalEventID string    `json:"original_event_id"`
	UndoReason      string    `json:"undo_reason"`
	UndoTimestamp   time.Time `json:"undo_timestamp"`
	CorrectedAction EventType `json:"corrected_action,omitempty"`
}

// EventContext 事件上下文（JSONB 结构）
type EventContext struct {
	MedicationName  string        `json:"medication_name"`
	TriggerSource   TriggerSource `json:"trigger_source"`
	RelatedEventIDs []string      `json:"related_event_ids,omitempty"`
}

// EventTiming 时序信息（JSONB 结构）
type EventTiming struct {
	EventTimestamp time.Time  `json:"event_timestamp"`
	ScheduledFor   *time.Time `json:"scheduled_for,omitempty"`
	GracePeriodEnd *time.Time `json:"grace_period_end,omitempty"`
	IsOnTime       *bool      `json:"is_on_time,omitempty"`
	MinutesLate    *int       `json:"minutes_late,omitempty"`
}

// DeriveEventID 由 (command_id, event_type, 时间) 推导事件 ID（确定性）
// 同一指令同一类型同一毫秒只允许一个事件，天然防重复写入
func DeriveEventID(commandID string, eventType EventType, at time.Time) string {
	return fmt.Sprintf("evt_%s_%s_%d", commandID, eventType, at.UnixMilli())
}
