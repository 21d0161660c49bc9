package repository

import (
	"context"
	"time"

	"wisefido-medication/internal/models"
)

// ArchivedMode 归档事件的查询模式
type ArchivedMode int

const (
	// ArchivedExclude 默认：排除已归档事件
	ArchivedExclude ArchivedMode = iota
	// ArchivedInclude 包含已归档事件
	ArchivedInclude
	// ArchivedOnly 只返回已归档事件
	ArchivedOnly
)

// EventFilters 事件查询过滤条件
type EventFilters struct {
	PatientID     *string
	CommandID     *string
	EventTypes    []models.EventType
	StartTime     *time.Time // event_timestamp >= StartTime
	EndTime       *time.Time // event_timestamp < EndTime
	EffectiveTime bool       // 时间窗改比对剂次归属时间：有 scheduled_for 用 scheduled_for，否则 event_timestamp
	CorrelationID *string
	TriggerSource *models.TriggerSource
	Archived      ArchivedMode
	Limit         int
}

// DoseEvents 按剂次语义分组的事件集合
type DoseEvents struct {
	Scheduled []*models.MedicationEvent
	Taken     []*models.MedicationEvent
	Missed    []*models.MedicationEvent
	Skipped   []*models.MedicationEvent
	Snoozed   []*models.MedicationEvent
}

// BatchResult 批量写入结果：部分失败不回滚已写入的事件
type BatchResult struct {
	CorrelationID string
	CreatedIDs    []string
	Failed        []BatchFailure
}

// BatchFailure 批量写入中单条失败的记录
type BatchFailure struct {
	EventID string
	Err     error
}

// ArchiveMark 归档标记（唯一允许的事后写入，只触及归档字段）
type ArchiveMark struct {
	EventIDs      []string
	ArchivedAt    time.Time
	Reason        string
	BelongsToDate string
	SummaryID     string
}

// EventsRepository 用药事件仓库（只追加）
type EventsRepository interface {
	// GetEvent 按 event_id 获取单条事件
	GetEvent(ctx context.Context, eventID string) (*models.MedicationEvent, error)
	// CreateEvent 插入事件；event_id 已存在时返回 ErrConflict，绝不更新已有事件
	CreateEvent(ctx context.Context, event *models.MedicationEvent) error
	// CreateBatch 批量插入，整批共享一个 correlation_id；
	// 单条失败记录在返回值中，已写入的事件不回滚
	CreateBatch(ctx context.Context, events []*models.MedicationEvent) (*BatchResult, error)
	// QueryEvents 过滤查询；默认排除已归档事件
	QueryEvents(ctx context.Context, filters EventFilters) ([]*models.MedicationEvent, error)
	// GetDoseEvents 按 {scheduled, taken, missed, skipped, snoozed} 分组
	GetDoseEvents(ctx context.Context, patientID string, commandID *string, start, end time.Time) (*DoseEvents, error)
	// GetMissedEventsInGracePeriod 宽限期已过且无对应 taken 事件的 scheduled 事件
	GetMissedEventsInGracePeriod(ctx context.Context, commandID string, now time.Time) ([]*models.MedicationEvent, error)
	// FindUndoEventFor 是否已有撤销事件引用 originalEventID
	FindUndoEventFor(ctx context.Context, originalEventID string) (*models.MedicationEvent, error)
	// MarkArchived 归档标记；已归档的事件跳过，返回实际标记数
	MarkArchived(ctx context.Context, mark ArchiveMark) (int, error)
}
