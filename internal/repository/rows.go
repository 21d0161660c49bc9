package repository

import (
	"fmt"

	"wisefido-medication/internal/models"
)

// 表名常量：事务管理器的操作以 collection 寻址
const (
	CollectionCommands    = "medication_commands"
	CollectionEvents      = "medication_events"
	CollectionPreferences = "patient_time_preferences"
	CollectionSummaries   = "daily_summaries"
	CollectionTxLog       = "transaction_log"
)

// IDColumns collection -> 主键列名（事务执行器用）
var IDColumns = map[string]string{
	CollectionCommands:    "command_id",
	CollectionEvents:      "event_id",
	CollectionPreferences: "patient_id",
	CollectionSummaries:   "summary_id",
	CollectionTxLog:       "transaction_id",
}

// CommandRow 指令完整行（set 操作用），JSONB 字段预先序列化
func CommandRow(cmd *models.MedicationCommand) (map[string]any, error) {
	medication, err := marshalJSONB(cmd.Medication)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal medication: %w", err)
	}
	schedule, err := marshalJSONB(cmd.Schedule)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schedule: %w", err)
	}
	reminders, err := marshalJSONB(cmd.Reminders)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reminders: %w", err)
	}
	gracePeriod, err := marshalJSONB(cmd.GracePeriod)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal grace_period: %w", err)
	}
	statusDetail, err := marshalJSONB(cmd.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal status_detail: %w", err)
	}

	return map[string]any{
		"patient_id":      cmd.PatientID,
		"medication_name": cmd.MedicationName,
		"frequency":       string(cmd.Frequency),
		"medication":      medication,
		"schedule":        schedule,
		"reminders":       reminders,
		"grace_period":    gracePeriod,
		"status_detail":   statusDetail,
		"is_active":       cmd.IsActive,
		"is_prn":          cmd.IsPRN,
		"version":         cmd.Version,
		"checksum":        cmd.Checksum,
		"created_at":      cmd.CreatedAt,
		"created_by":      cmd.CreatedBy,
		"updated_at":      cmd.UpdatedAt,
		"updated_by":      cmd.UpdatedBy,
	}, nil
}

// CommandMetadataRow 指令元数据增量（update 操作用：版本提升 + 审计字段）
func CommandMetadataRow(cmd *models.MedicationCommand) map[string]any {
	return map[string]any{
		"version":    cmd.Version,
		"checksum":   cmd.Checksum,
		"updated_at": cmd.UpdatedAt,
		"updated_by": cmd.UpdatedBy,
	}
}

// CommandStatusRow 状态变更增量（update 操作用）
func CommandStatusRow(cmd *models.MedicationCommand) (map[string]any, error) {
	statusDetail, err := marshalJSONB(cmd.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal status_detail: %w", err)
	}
	return map[string]any{
		"status_detail": statusDetail,
		"is_active":     cmd.IsActive,
		"is_prn":        cmd.IsPRN,
		"version":       cmd.Version,
		"checksum":      cmd.Checksum,
		"updated_at":    cmd.UpdatedAt,
		"updated_by":    cmd.UpdatedBy,
	}, nil
}

// EventRow 事件完整行（set 操作用）
func EventRow(event *models.MedicationEvent) (map[string]any, error) {
	eventData, err := marshalJSONB(event.EventData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event_data: %w", err)
	}
	eventContext, err := marshalJSONB(event.Context)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal context: %w", err)
	}

	return map[string]any{
		"command_id":      event.CommandID,
		"patient_id":      event.PatientID,
		"event_type":      string(event.EventType),
		"event_data":      eventData,
		"context":         eventContext,
		"event_timestamp": event.Timing.EventTimestamp,
		"scheduled_for":   event.Timing.ScheduledFor,
		"grace_period_end": event.Timing.GracePeriodEnd,
		"is_on_time":      event.Timing.IsOnTime,
		"minutes_late":    event.Timing.MinutesLate,
		"version":         event.Version,
		"correlation_id":  event.CorrelationID,
		"session_id":      event.SessionID,
		"created_at":      event.CreatedAt,
		"created_by":      event.CreatedBy,
		"is_archived":     event.IsArchived,
		"archived_at":     event.ArchivedAt,
		"archived_reason": event.ArchivedReason,
		"belongs_to_date": event.BelongsToDate,
		"summary_id":      event.SummaryID,
	}, nil
}
