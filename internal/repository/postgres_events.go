package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"wisefido-medication/internal/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresEventsRepository 用药事件仓库（PostgreSQL 实现）
// 只追加：除归档字段外，任何列在插入后都不会被更新
type PostgresEventsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresEventsRepository 创建用药事件仓库
func NewPostgresEventsRepository(db *sql.DB, logger *zap.Logger) *PostgresEventsRepository {
	return &PostgresEventsRepository{
		db:     db,
		logger: logger,
	}
}

const eventColumns = `
	event_id,
	command_id,
	patient_id,
	event_type,
	event_data,
	context,
	event_timestamp,
	scheduled_for,
	grace_period_end,
	is_on_time,
	minutes_late,
	version,
	correlation_id,
	session_id,
	created_at,
	created_by,
	is_archived,
	archived_at,
	archived_reason,
	belongs_to_date,
	summary_id
`

// GetEvent 根据 event_id 获取单条事件
func (r *PostgresEventsRepository) GetEvent(ctx context.Context, eventID string) (*models.MedicationEvent, error) {
	if eventID == "" {
		return nil, fmt.Errorf("event_id is required")
	}

	query := `SELECT ` + eventColumns + ` FROM medication_events WHERE event_id = $1`

	row := r.db.QueryRowContext(ctx, query, eventID)
	event, err := scanEvent(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("medication event %s: %w", eventID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get medication event: %w", err)
	}
	return event, nil
}

// CreateEvent 插入事件；主键冲突映射为 ErrConflict
// correlation_id 未提供时生成新值
func (r *PostgresEventsRepository) CreateEvent(ctx context.Context, event *models.MedicationEvent) error {
	if event.CorrelationID == "" {
		event.CorrelationID = uuid.New().String()
	}
	eventData, err := marshalJSONB(event.EventData)
	if err != nil {
		return fmt.Errorf("failed to marshal event_data: %w", err)
	}
	eventContext, err := marshalJSONB(event.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal context: %w", err)
	}

	query := `
		INSERT INTO medication_events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
		        $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`

	_, err = r.db.ExecContext(ctx, query,
		event.EventID,
		event.CommandID,
		event.PatientID,
		string(event.EventType),
		eventData,
		eventContext,
		event.Timing.EventTimestamp,
		event.Timing.ScheduledFor,
		event.Timing.GracePeriodEnd,
		event.Timing.IsOnTime,
		event.Timing.MinutesLate,
		event.Version,
		event.CorrelationID,
		event.SessionID,
		event.CreatedAt,
		event.CreatedBy,
		event.IsArchived,
		event.ArchivedAt,
		event.ArchivedReason,
		event.BelongsToDate,
		event.SummaryID,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("medication event %s already exists: %w", event.EventID, ErrConflict)
		}
		return fmt.Errorf("failed to create medication event: %w", err)
	}
	return nil
}

// CreateBatch 批量插入，整批共享一个 correlation_id
// 单条失败只记录在结果里，已写入的事件不回滚
func (r *PostgresEventsRepository) CreateBatch(ctx context.Context, events []*models.MedicationEvent) (*BatchResult, error) {
	if len(events) == 0 {
		return &BatchResult{}, nil
	}

	correlationID := events[0].CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	result := &BatchResult{CorrelationID: correlationID}

	for _, event := range events {
		event.CorrelationID = correlationID
		if err := r.CreateEvent(ctx, event); err != nil {
			r.logger.Warn("Batch event creation failed",
				zap.String("event_id", event.EventID),
				zap.String("correlation_id", correlationID),
				zap.Error(err),
			)
			result.Failed = append(result.Failed, BatchFailure{EventID: event.EventID, Err: err})
			continue
		}
		result.CreatedIDs = append(result.CreatedIDs, event.EventID)
	}
	return result, nil
}

// QueryEvents 过滤查询；默认排除已归档事件
func (r *PostgresEventsRepository) QueryEvents(ctx context.Context, filters EventFilters) ([]*models.MedicationEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM medication_events`
	conditions := []string{}
	args := []any{}
	argIdx := 1

	addCondition := func(cond string, value any) {
		conditions = append(conditions, fmt.Sprintf(cond, argIdx))
		args = append(args, value)
		argIdx++
	}

	if filters.PatientID != nil {
		addCondition("patient_id = $%d", *filters.PatientID)
	}
	if filters.CommandID != nil {
		addCondition("command_id = $%d", *filters.CommandID)
	}
	if len(filters.EventTypes) > 0 {
		types := make([]string, len(filters.EventTypes))
		for i, t := range filters.EventTypes {
			types[i] = string(t)
		}
		addCondition("event_type = ANY($%d)", pq.Array(types))
	}
	// 归档等按"归属日"取事件时，预生成的未来 dose_scheduled 按 scheduled_for 归日，
	// 不能按写入时刻 event_timestamp 归日
	timeColumn := "event_timestamp"
	if filters.EffectiveTime {
		timeColumn = "COALESCE(scheduled_for, event_timestamp)"
	}
	if filters.StartTime != nil {
		addCondition(timeColumn+" >= $%d", *filters.StartTime)
	}
	if filters.EndTime != nil {
		addCondition(timeColumn+" < $%d", *filters.EndTime)
	}
	if filters.CorrelationID != nil {
		addCondition("correlation_id = $%d", *filters.CorrelationID)
	}
	if filters.TriggerSource != nil {
		addCondition("context->>'trigger_source' = $%d", string(*filters.TriggerSource))
	}

	switch filters.Archived {
	case ArchivedExclude:
		conditions = append(conditions, "is_archived = FALSE")
	case ArchivedOnly:
		conditions = append(conditions, "is_archived = TRUE")
	case ArchivedInclude:
		// 不加条件
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY event_timestamp ASC"
	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filters.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query medication events: %w", err)
	}
	defer rows.Close()

	var events []*models.MedicationEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan medication event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate medication events: %w", err)
	}
	return events, nil
}

// GetDoseEvents 按剂次语义分组
func (r *PostgresEventsRepository) GetDoseEvents(ctx context.Context, patientID string, commandID *string, start, end time.Time) (*DoseEvents, error) {
	filters := EventFilters{
		PatientID: &patientID,
		CommandID: commandID,
		StartTime: &start,
		EndTime:   &end,
		EventTypes: []models.EventType{
			models.EventDoseScheduled,
			models.EventDoseTaken,
			models.EventDoseTakenPartial,
			models.EventDoseTakenAdjusted,
			models.EventDoseMissed,
			models.EventDoseSkipped,
			models.EventDoseSnoozed,
		},
	}
	events, err := r.QueryEvents(ctx, filters)
	if err != nil {
		return nil, err
	}
	return GroupDoseEvents(events), nil
}

// GetMissedEventsInGracePeriod 宽限期已过且无对应 taken 事件的 scheduled 事件
func (r *PostgresEventsRepository) GetMissedEventsInGracePeriod(ctx context.Context, commandID string, now time.Time) ([]*models.MedicationEvent, error) {
	if commandID == "" {
		return nil, fmt.Errorf("command_id is required")
	}

	// 取宽限期已过的 scheduled 事件
	query := `SELECT ` + eventColumns + `
		FROM medication_events
		WHERE command_id = $1
		  AND event_type = $2
		  AND is_archived = FALSE
		  AND grace_period_end IS NOT NULL
		  AND grace_period_end < $3
		ORDER BY event_timestamp ASC`

	rows, err := r.db.QueryContext(ctx, query, commandID, string(models.EventDoseScheduled), now)
	if err != nil {
		return nil, fmt.Errorf("failed to query overdue scheduled events: %w", err)
	}
	defer rows.Close()

	var scheduled []*models.MedicationEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan medication event: %w", err)
		}
		scheduled = append(scheduled, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate medication events: %w", err)
	}
	if len(scheduled) == 0 {
		return nil, nil
	}

	// 取该指令的 taken / missed 事件，剔除已被覆盖的 scheduled
	resolved, err := r.QueryEvents(ctx, EventFilters{
		CommandID: &commandID,
		EventTypes: []models.EventType{
			models.EventDoseTaken,
			models.EventDoseTakenPartial,
			models.EventDoseTakenAdjusted,
			models.EventDoseMissed,
			models.EventDoseSkipped,
		},
		Archived: ArchivedInclude,
	})
	if err != nil {
		return nil, err
	}

	return FilterUnresolvedScheduled(scheduled, resolved), nil
}

// FindUndoEventFor 是否已有撤销事件引用 originalEventID
func (r *PostgresEventsRepository) FindUndoEventFor(ctx context.Context, originalEventID string) (*models.MedicationEvent, error) {
	query := `SELECT ` + eventColumns + `
		FROM medication_events
		WHERE event_type = $1
		  AND event_data->'undo'->>'original_event_id' = $2
		LIMIT 1`

	row := r.db.QueryRowContext(ctx, query, string(models.EventTakenUndone), originalEventID)
	event, err := scanEvent(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find undo event: %w", err)
	}
	return event, nil
}

// MarkArchived 归档标记（唯一允许的事后写入）
// WHERE is_archived = FALSE 保证重复归档为幂等空操作
func (r *PostgresEventsRepository) MarkArchived(ctx context.Context, mark ArchiveMark) (int, error) {
	if len(mark.EventIDs) == 0 {
		return 0, nil
	}

	query := `
		UPDATE medication_events SET
			is_archived = TRUE,
			archived_at = $1,
			archived_reason = $2,
			belongs_to_date = $3,
			summary_id = $4
		WHERE event_id = ANY($5) AND is_archived = FALSE
	`

	result, err := r.db.ExecContext(ctx, query,
		mark.ArchivedAt,
		mark.Reason,
		mark.BelongsToDate,
		mark.SummaryID,
		pq.Array(mark.EventIDs),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark events archived: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(affected), nil
}

// scanEvent 从一行数据扫描出事件
func scanEvent(row rowScanner) (*models.MedicationEvent, error) {
	var event models.MedicationEvent
	var eventType string
	var eventData, eventContext []byte
	var scheduledFor, gracePeriodEnd, archivedAt sql.NullTime
	var isOnTime sql.NullBool
	var minutesLate sql.NullInt64
	var sessionID, archivedReason, belongsToDate, summaryID sql.NullString

	err := row.Scan(
		&event.EventID,
		&event.CommandID,
		&event.PatientID,
		&eventType,
		&eventData,
		&eventContext,
		&event.Timing.EventTimestamp,
		&scheduledFor,
		&gracePeriodEnd,
		&isOnTime,
		&minutesLate,
		&event.Version,
		&event.CorrelationID,
		&sessionID,
		&event.CreatedAt,
		&event.CreatedBy,
		&event.IsArchived,
		&archivedAt,
		&archivedReason,
		&belongsToDate,
		&summaryID,
	)
	if err != nil {
		return nil, err
	}

	event.EventType = models.EventType(eventType)
	if err := unmarshalJSONB(eventData, &event.EventData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event_data: %w", err)
	}
	if err := unmarshalJSONB(eventContext, &event.Context); err != nil {
		return nil, fmt.Errorf("failed to unmarshal context: %w", err)
	}

	// 可空字段
	if scheduledFor.Valid {
		event.Timing.ScheduledFor = &scheduledFor.Time
	}
	if gracePeriodEnd.Valid {
		event.Timing.GracePeriodEnd = &gracePeriodEnd.Time
	}
	if isOnTime.Valid {
		event.Timing.IsOnTime = &isOnTime.Bool
	}
	if minutesLate.Valid {
		v := int(minutesLate.Int64)
		event.Timing.MinutesLate = &v
	}
	if sessionID.Valid {
		event.SessionID = &sessionID.String
	}
	if archivedAt.Valid {
		event.ArchivedAt = &archivedAt.Time
	}
	if archivedReason.Valid {
		event.ArchivedReason = &archivedReason.String
	}
	if belongsToDate.Valid {
		event.BelongsToDate = &belongsToDate.String
	}
	if summaryID.Valid {
		event.SummaryID = &summaryID.String
	}
	return &event, nil
}

// GroupDoseEvents 按剂次语义分组（taken 包含 full/partial/adjusted 变体）
func GroupDoseEvents(events []*models.MedicationEvent) *DoseEvents {
	grouped := &DoseEvents{}
	for _, event := range events {
		switch {
		case event.EventType == models.EventDoseScheduled:
			grouped.Scheduled = append(grouped.Scheduled, event)
		case event.EventType.IsTakenVariant():
			grouped.Taken = append(grouped.Taken, event)
		case event.EventType == models.EventDoseMissed:
			grouped.Missed = append(grouped.Missed, event)
		case event.EventType == models.EventDoseSkipped:
			grouped.Skipped = append(grouped.Skipped, event)
		case event.EventType == models.EventDoseSnoozed:
			grouped.Snoozed = append(grouped.Snoozed, event)
		}
	}
	return grouped
}

// FilterUnresolvedScheduled 过滤出没有对应处置事件的 scheduled 事件
// 处置事件（taken/missed/skipped）通过 scheduled_for 时刻对齐到 scheduled 事件
func FilterUnresolvedScheduled(scheduled, resolved []*models.MedicationEvent) []*models.MedicationEvent {
	resolvedAt := make(map[int64]bool, len(resolved))
	for _, event := range resolved {
		if event.Timing.ScheduledFor != nil {
			resolvedAt[event.Timing.ScheduledFor.Unix()] = true
		}
	}

	var unresolved []*models.MedicationEvent
	for _, event := range scheduled {
		at := event.Timing.ScheduledFor
		if at == nil {
			at = &event.Timing.EventTimestamp
		}
		if !resolvedAt[at.Unix()] {
			unresolved = append(unresolved, event)
		}
	}
	return unresolved
}
