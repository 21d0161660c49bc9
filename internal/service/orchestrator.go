package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wisefido-medication/internal/analytics"
	"wisefido-medication/internal/models"
	"wisefido-medication/internal/notifier"
	"wisefido-medication/internal/repository"
	"wisefido-medication/internal/schedule"
	"wisefido-medication/internal/txn"
	"wisefido-medication/internal/undo"
)

// ============================================
// 工作流编排器
// 每个工作流：校验 → 组装 → 原子写入 → 通知
// 通知失败绝不回滚已提交的用药状态变更
// ============================================

// 未来排程事件的生成上限
const (
	maxScheduleDays  = 30
	maxFutureEvents  = 100
)

// Orchestrator 用药工作流编排器
type Orchestrator struct {
	commands repository.CommandsRepository
	events   repository.EventsRepository
	schedule *schedule.Service
	txnMgr   *txn.Manager
	undoSvc  *undo.Service
	notify   notifier.Dispatcher
	clock    func() time.Time
	logger   *zap.Logger
}

// NewOrchestrator 创建编排器
func NewOrchestrator(
	commands repository.CommandsRepository,
	events repository.EventsRepository,
	scheduleSvc *schedule.Service,
	txnMgr *txn.Manager,
	undoSvc *undo.Service,
	dispatcher notifier.Dispatcher,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		commands: commands,
		events:   events,
		schedule: scheduleSvc,
		txnMgr:   txnMgr,
		undoSvc:  undoSvc,
		notify:   dispatcher,
		clock:    time.Now,
		logger:   logger,
	}
}

// WithClock 注入时钟（测试用）
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// CreateMedication 建药工作流
// 校验全部通过才落任何写入；指令 + 种子事件一个原子单元，
// 未来 dose_scheduled 事件随后批量写入（共享 correlation）
func (o *Orchestrator) CreateMedication(ctx context.Context, req *CreateMedicationRequest) *WorkflowResult {
	start := o.clock()
	result := &WorkflowResult{
		WorkflowID: "wf_create_" + uuid.New().String(),
		Counts:     map[string]int{},
	}

	if errs := validateCreateRequest(req); len(errs) > 0 {
		result.ValidationErrors = errs
		result.Error = "validation failed"
		result.ExecutionMS = o.elapsedMS(start)
		return result
	}

	// 同名活跃指令：警告但不阻断（临床上换剂量换频率时常见）
	o.warnDuplicate(ctx, req, result)

	// 排程解析
	var resolved []schedule.ScheduledTime
	var prefs *models.PatientTimePreferences
	if len(req.Times) == 0 && req.Frequency != models.FrequencyAsNeeded {
		var err error
		prefs, err = o.schedule.GetTimePreferences(ctx, req.PatientID)
		if err != nil {
			return o.fail(result, start, fmt.Errorf("resolve time preferences: %w", err))
		}
		resolved, err = o.schedule.ComputeSchedule(req.Frequency, req.TimeOverrides, req.Flexible, prefs)
		if err != nil {
			return o.fail(result, start, fmt.Errorf("compute schedule: %w", err))
		}
	}

	now := o.clock()
	cmd := buildCommand(req, resolved, now)
	result.CommandID = cmd.CommandID

	// 种子事件：medication_created（+ 开启提醒时的 schedule_created）
	correlationID := uuid.New().String()
	result.CorrelationID = correlationID
	seeds := o.buildSeedEvents(cmd, req.Actor, correlationID, now)

	txnResult, err := o.txnMgr.MedicationCreationTransaction(ctx, cmd, seeds)
	if err != nil {
		if repository.IsConflict(err) {
			return o.fail(result, start, fmt.Errorf("medication already exists: %s", cmd.CommandID))
		}
		return o.fail(result, start, fmt.Errorf("create medication transaction: %w", err))
	}
	for _, e := range seeds {
		result.EventIDs = append(result.EventIDs, e.EventID)
	}
	result.Counts["seed_events"] = len(seeds)

	// 未来排程事件：最多 30 天 / 100 条，越界截断
	scheduled := o.generateScheduledEvents(cmd, prefs, correlationID, now)
	if len(scheduled) > 0 {
		batch, err := o.events.CreateBatch(ctx, scheduled)
		if err != nil {
			// 指令已提交；排程事件失败记录告警，漏服扫描不会看到这些剂次
			o.logger.Error("Failed to create scheduled dose events",
				zap.String("command_id", cmd.CommandID),
				zap.Error(err),
			)
			result.Warnings = append(result.Warnings, "scheduled dose events could not be created")
		} else {
			result.EventIDs = append(result.EventIDs, batch.CreatedIDs...)
			result.Counts["scheduled_events"] = len(batch.CreatedIDs)
			for _, f := range batch.Failed {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("scheduled event %s: %v", f.EventID, f.Err))
			}
		}
	}

	if req.NotifyFamily {
		o.dispatch(ctx, notifier.Request{
			Recipients:       []string{req.PatientID},
			MedicationName:   cmd.MedicationName,
			NotificationType: notifier.NotifyMedicationCreated,
			Urgency:          notifier.UrgencyNormal,
			Message:          fmt.Sprintf("Medication %s added (%s)", cmd.MedicationName, cmd.Frequency),
			Context:          map[string]string{"command_id": cmd.CommandID},
		})
	}

	o.logger.Info("Medication created",
		zap.String("command_id", cmd.CommandID),
		zap.String("patient_id", cmd.PatientID),
		zap.String("transaction_id", txnResult.TransactionID),
		zap.Int("scheduled_events", result.Counts["scheduled_events"]),
	)
	result.Success = true
	result.ExecutionMS = o.elapsedMS(start)
	return result
}

// MarkMedicationTaken 服药打卡工作流
// 迟到分钟数相对排程时刻计算；事件写入与指令元数据更新一个原子单元
func (o *Orchestrator) MarkMedicationTaken(ctx context.Context, req *MarkTakenRequest) *WorkflowResult {
	start := o.clock()
	result := &WorkflowResult{
		WorkflowID: "wf_taken_" + uuid.New().String(),
		CommandID:  req.CommandID,
		Counts:     map[string]int{},
	}

	cmd, err := o.commands.GetCommand(ctx, req.CommandID)
	if err != nil {
		return o.fail(result, start, fmt.Errorf("load command: %w", err))
	}
	if cmd.Status.Current == models.StatusDiscontinued {
		return o.fail(result, start, fmt.Errorf("medication %s is discontinued", cmd.CommandID))
	}

	scheduledFor, err := o.resolveScheduledTime(ctx, req)
	if err != nil {
		return o.fail(result, start, err)
	}

	takenAt := req.TakenAt
	if takenAt.IsZero() {
		takenAt = o.clock()
	}
	variant := req.Variant
	if variant == "" {
		variant = models.EventDoseTaken
	}
	if !variant.IsTakenVariant() {
		return o.fail(result, start, fmt.Errorf("invalid taken variant: %s", variant))
	}

	event := o.buildTakenEvent(cmd, req, variant, scheduledFor, takenAt)
	result.EventIDs = []string{event.EventID}
	result.CorrelationID = event.CorrelationID

	// 指令元数据：版本 + 校验和 + 更新痕迹
	cmd.Version++
	cmd.UpdatedAt = takenAt
	cmd.UpdatedBy = req.Actor
	cmd.Checksum = cmd.ComputeChecksum()

	txnResult, err := o.txnMgr.DoseTransaction(ctx, cmd, event)
	if err != nil {
		if repository.IsConflict(err) {
			return o.fail(result, start, fmt.Errorf("dose already recorded or command version conflict: %w", err))
		}
		return o.fail(result, start, fmt.Errorf("dose transaction: %w", err))
	}

	if req.NotifyFamily {
		o.dispatch(ctx, notifier.Request{
			Recipients:       []string{cmd.PatientID},
			MedicationName:   cmd.MedicationName,
			NotificationType: notifier.NotifyDoseTaken,
			Urgency:          notifier.UrgencyLow,
			Message:          fmt.Sprintf("%s taken", cmd.MedicationName),
			Context:          map[string]string{"event_id": event.EventID},
		})
	}

	o.logger.Info("Dose recorded",
		zap.String("command_id", cmd.CommandID),
		zap.String("event_id", event.EventID),
		zap.String("transaction_id", txnResult.TransactionID),
		zap.Boolp("is_on_time", event.Timing.IsOnTime),
	)
	result.Success = true
	result.ExecutionMS = o.elapsedMS(start)
	return result
}

// ChangeMedicationStatus 状态变更工作流
func (o *Orchestrator) ChangeMedicationStatus(ctx context.Context, req *StatusChangeRequest) *WorkflowResult {
	start := o.clock()
	result := &WorkflowResult{
		WorkflowID: "wf_status_" + uuid.New().String(),
		CommandID:  req.CommandID,
	}

	if !isValidStatus(req.NewStatus) {
		return o.fail(result, start, fmt.Errorf("invalid status: %s", req.NewStatus))
	}

	cmd, err := o.commands.GetCommand(ctx, req.CommandID)
	if err != nil {
		return o.fail(result, start, fmt.Errorf("load command: %w", err))
	}
	previous := cmd.Status.Current
	if previous == req.NewStatus {
		return o.fail(result, start, fmt.Errorf("command already in status %s", previous))
	}
	if previous == models.StatusDiscontinued {
		// 停药是终态
		return o.fail(result, start, fmt.Errorf("cannot change status of discontinued medication"))
	}

	now := o.clock()
	cmd.Status.Current = req.NewStatus
	cmd.Status.ChangedAt = now
	cmd.Status.ChangedBy = req.Actor
	cmd.Status.PausedUntil = nil
	cmd.Status.HoldReason = nil
	switch req.NewStatus {
	case models.StatusPaused:
		cmd.Status.PausedUntil = req.PausedUntil
	case models.StatusHeld:
		if req.Reason != "" {
			reason := req.Reason
			cmd.Status.HoldReason = &reason
		}
	case models.StatusDiscontinued:
		at := now
		if req.DiscontinueDate != nil {
			at = *req.DiscontinueDate
		}
		cmd.Status.DiscontinueDate = &at
		if req.Reason != "" {
			reason := req.Reason
			cmd.Status.DiscontinueReason = &reason
		}
	}
	cmd.SyncDerivedStatus()
	cmd.Version++
	cmd.UpdatedAt = now
	cmd.UpdatedBy = req.Actor
	cmd.Checksum = cmd.ComputeChecksum()

	event := &models.MedicationEvent{
		EventID:   models.DeriveEventID(cmd.CommandID, models.EventStatusChanged, now),
		CommandID: cmd.CommandID,
		PatientID: cmd.PatientID,
		EventType: models.EventStatusChanged,
		EventData: models.EventData{
			Actor:          req.Actor,
			ReasonCode:     req.Reason,
			PreviousStatus: previous,
			NewStatus:      req.NewStatus,
		},
		Context: models.EventContext{
			MedicationName: cmd.MedicationName,
			TriggerSource:  models.TriggerUserAction,
		},
		Timing:        models.EventTiming{EventTimestamp: now},
		Version:       1,
		CorrelationID: uuid.New().String(),
		CreatedAt:     now,
		CreatedBy:     req.Actor,
	}
	result.EventIDs = []string{event.EventID}

	txnResult, err := o.txnMgr.StatusChangeTransaction(ctx, cmd, event)
	if err != nil {
		return o.fail(result, start, fmt.Errorf("status change transaction: %w", err))
	}
	result.CorrelationID = event.CorrelationID

	o.dispatch(ctx, notifier.Request{
		Recipients:       []string{cmd.PatientID},
		MedicationName:   cmd.MedicationName,
		NotificationType: notifier.NotifyStatusChanged,
		Urgency:          notifier.UrgencyNormal,
		Message:          fmt.Sprintf("%s status: %s -> %s", cmd.MedicationName, previous, req.NewStatus),
		Context:          map[string]string{"command_id": cmd.CommandID},
	})

	o.logger.Info("Medication status changed",
		zap.String("command_id", cmd.CommandID),
		zap.String("from", string(previous)),
		zap.String("to", string(req.NewStatus)),
		zap.String("transaction_id", txnResult.TransactionID),
	)
	result.Success = true
	result.ExecutionMS = o.elapsedMS(start)
	return result
}

// UpdateMedication 指令更新工作流
// 部分变更合并到现有指令后整体重校验；频率变更连带重判宽限分级。
// 已生成的未来排程事件不回收：漏服扫描只看指令当前状态
func (o *Orchestrator) UpdateMedication(ctx context.Context, req *UpdateMedicationRequest) *WorkflowResult {
	start := o.clock()
	result := &WorkflowResult{
		WorkflowID: "wf_update_" + uuid.New().String(),
		CommandID:  req.CommandID,
	}

	cmd, err := o.commands.GetCommand(ctx, req.CommandID)
	if err != nil {
		return o.fail(result, start, fmt.Errorf("load command: %w", err))
	}
	if cmd.Status.Current == models.StatusDiscontinued {
		return o.fail(result, start, fmt.Errorf("medication %s is discontinued", cmd.CommandID))
	}

	var changed []string
	var errs []string
	frequencyChanged := false
	if req.Frequency != nil {
		if !req.Frequency.IsValid() {
			errs = append(errs, fmt.Sprintf("invalid frequency: %s", *req.Frequency))
		} else if *req.Frequency != cmd.Frequency {
			cmd.Frequency = *req.Frequency
			frequencyChanged = true
			changed = append(changed, "frequency")
		}
	}
	if len(req.Times) > 0 {
		valid := true
		for _, t := range req.Times {
			if !schedule.IsClockTime(t) {
				errs = append(errs, fmt.Sprintf("invalid time format: %q (expected HH:MM)", t))
				valid = false
			}
		}
		if expected := cmd.Frequency.DosesPerDay(); expected > 0 && len(req.Times) != expected {
			errs = append(errs, fmt.Sprintf("frequency %s expects %d times, got %d",
				cmd.Frequency, expected, len(req.Times)))
			valid = false
		}
		if valid {
			cmd.Schedule.Times = req.Times
			cmd.Schedule.TimeBuckets = nil
			cmd.Schedule.TimingType = models.TimingAbsolute
			changed = append(changed, "times")
		}
	}
	if req.EndDate != nil {
		if cmd.Schedule.StartDate != nil && req.EndDate.Before(*cmd.Schedule.StartDate) {
			errs = append(errs, "end_date must not be before start_date")
		} else {
			cmd.Schedule.EndDate = req.EndDate
			changed = append(changed, "end_date")
		}
	}
	if req.Medication != nil {
		cmd.Medication = *req.Medication
		changed = append(changed, "medication")
	}
	if req.Reminders != nil {
		cmd.Reminders = *req.Reminders
		changed = append(changed, "reminders")
	}
	if len(errs) > 0 {
		result.ValidationErrors = errs
		result.Error = "validation failed"
		result.ExecutionMS = o.elapsedMS(start)
		return result
	}
	if len(changed) == 0 {
		return o.fail(result, start, fmt.Errorf("update request contains no changes"))
	}

	if frequencyChanged {
		cmd.GracePeriod = ClassifyGracePeriod(cmd.MedicationName, cmd.Frequency)
	}
	now := o.clock()
	cmd.SyncDerivedStatus()
	cmd.Version++
	cmd.UpdatedAt = now
	cmd.UpdatedBy = req.Actor
	cmd.Checksum = cmd.ComputeChecksum()

	event := &models.MedicationEvent{
		EventID:   models.DeriveEventID(cmd.CommandID, models.EventMedicationUpdated, now),
		CommandID: cmd.CommandID,
		PatientID: cmd.PatientID,
		EventType: models.EventMedicationUpdated,
		EventData: models.EventData{
			Actor:         req.Actor,
			ChangedFields: changed,
		},
		Context: models.EventContext{
			MedicationName: cmd.MedicationName,
			TriggerSource:  models.TriggerUserAction,
		},
		Timing:        models.EventTiming{EventTimestamp: now},
		Version:       1,
		CorrelationID: uuid.New().String(),
		CreatedAt:     now,
		CreatedBy:     req.Actor,
	}
	result.EventIDs = []string{event.EventID}
	result.CorrelationID = event.CorrelationID

	txnResult, err := o.txnMgr.MedicationUpdateTransaction(ctx, cmd, event)
	if err != nil {
		return o.fail(result, start, fmt.Errorf("update medication transaction: %w", err))
	}

	o.logger.Info("Medication updated",
		zap.String("command_id", cmd.CommandID),
		zap.Strings("changed_fields", changed),
		zap.Int("version", cmd.Version),
		zap.String("transaction_id", txnResult.TransactionID),
	)
	result.Success = true
	result.ExecutionMS = o.elapsedMS(start)
	return result
}

// UndoMedicationEvent 撤销工作流（委托撤销服务，统一包装返回）
func (o *Orchestrator) UndoMedicationEvent(ctx context.Context, req *UndoRequest) *WorkflowResult {
	start := o.clock()
	result := &WorkflowResult{
		WorkflowID: "wf_undo_" + uuid.New().String(),
	}

	undoResult, err := o.undoSvc.Undo(ctx, req.EventID, req.Reason, req.Actor, req.CorrectedAction)
	if err != nil {
		return o.fail(result, start, err)
	}
	result.CorrelationID = undoResult.CorrelationID
	result.EventIDs = []string{undoResult.UndoEventID}
	if undoResult.CompensatingEventID != "" {
		result.EventIDs = append(result.EventIDs, undoResult.CompensatingEventID)
	}

	if req.NotifyFamily {
		original, err := o.events.GetEvent(ctx, req.EventID)
		if err == nil {
			o.dispatch(ctx, notifier.Request{
				Recipients:       []string{original.PatientID},
				MedicationName:   original.Context.MedicationName,
				NotificationType: notifier.NotifyDoseUndone,
				Urgency:          notifier.UrgencyNormal,
				Message:          fmt.Sprintf("%s dose record undone", original.Context.MedicationName),
				Context:          map[string]string{"event_id": undoResult.UndoEventID},
			})
		}
	}

	result.Success = true
	result.ExecutionMS = o.elapsedMS(start)
	return result
}

// ProcessMissedMedication 漏服工作流
// 事件 ID 由排程时刻推导：同一剂次重复处理撞 ErrConflict，天然幂等
func (o *Orchestrator) ProcessMissedMedication(ctx context.Context, cmd *models.MedicationCommand, scheduledEvent *models.MedicationEvent) *WorkflowResult {
	start := o.clock()
	result := &WorkflowResult{
		WorkflowID: "wf_missed_" + uuid.New().String(),
		CommandID:  cmd.CommandID,
	}

	scheduledFor := scheduledEvent.Timing.ScheduledFor
	if scheduledFor == nil {
		return o.fail(result, start, fmt.Errorf("scheduled event %s has no scheduled time", scheduledEvent.EventID))
	}

	now := o.clock()
	missed := &models.MedicationEvent{
		EventID:   models.DeriveEventID(cmd.CommandID, models.EventDoseMissed, *scheduledFor),
		CommandID: cmd.CommandID,
		PatientID: cmd.PatientID,
		EventType: models.EventDoseMissed,
		EventData: models.EventData{
			ScheduledDateTime: scheduledFor,
			Actor:             "system",
			ReasonCode:        "grace_period_expired",
		},
		Context: models.EventContext{
			MedicationName:  cmd.MedicationName,
			TriggerSource:   models.TriggerSystemDetection,
			RelatedEventIDs: []string{scheduledEvent.EventID},
		},
		Timing: models.EventTiming{
			EventTimestamp: now,
			ScheduledFor:   scheduledFor,
			GracePeriodEnd: scheduledEvent.Timing.GracePeriodEnd,
		},
		Version:       1,
		CorrelationID: scheduledEvent.CorrelationID,
		CreatedAt:     now,
		CreatedBy:     "system",
	}

	if err := o.events.CreateEvent(ctx, missed); err != nil {
		if repository.IsConflict(err) {
			// 已被先前一轮扫描标记过
			result.Success = true
			result.Warnings = []string{"missed dose already flagged"}
			result.ExecutionMS = o.elapsedMS(start)
			return result
		}
		return o.fail(result, start, fmt.Errorf("create missed event: %w", err))
	}
	result.EventIDs = []string{missed.EventID}
	result.CorrelationID = missed.CorrelationID

	// 通知强度按宽限分级：关键药物提升紧急度并扩大接收面
	urgency := notifier.UrgencyNormal
	recipients := []string{cmd.PatientID}
	if cmd.GracePeriod.Classification == models.GraceCritical {
		urgency = notifier.UrgencyCritical
		recipients = append(recipients, cmd.Reminders.EscalationContacts...)
	}
	o.dispatch(ctx, notifier.Request{
		Recipients:       recipients,
		MedicationName:   cmd.MedicationName,
		NotificationType: notifier.NotifyDoseMissed,
		Urgency:          urgency,
		Message: fmt.Sprintf("%s dose scheduled at %s was missed",
			cmd.MedicationName, scheduledFor.Format("15:04")),
		Context: map[string]string{
			"command_id":     cmd.CommandID,
			"event_id":       missed.EventID,
			"classification": string(cmd.GracePeriod.Classification),
		},
	})

	o.logger.Warn("Missed dose detected",
		zap.String("command_id", cmd.CommandID),
		zap.String("patient_id", cmd.PatientID),
		zap.Time("scheduled_for", *scheduledFor),
		zap.String("classification", string(cmd.GracePeriod.Classification)),
	)
	result.Success = true
	result.ExecutionMS = o.elapsedMS(start)
	return result
}

// ============================================
// 内部装配
// ============================================

func (o *Orchestrator) warnDuplicate(ctx context.Context, req *CreateMedicationRequest, result *WorkflowResult) {
	normalized := models.NormalizeMedicationName(req.MedicationName)
	active := true
	existing, err := o.commands.QueryCommands(ctx, repository.CommandFilters{
		PatientID:      &req.PatientID,
		IsActive:       &active,
		MedicationName: &normalized,
	}, repository.OrderByCreatedAt, false)
	if err != nil {
		o.logger.Warn("Duplicate check failed", zap.Error(err))
		return
	}
	if len(existing) > 0 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("patient already has an active medication named %q", req.MedicationName))
	}
}

func (o *Orchestrator) buildSeedEvents(cmd *models.MedicationCommand, actor, correlationID string, now time.Time) []*models.MedicationEvent {
	seeds := []*models.MedicationEvent{{
		EventID:   models.DeriveEventID(cmd.CommandID, models.EventMedicationCreated, now),
		CommandID: cmd.CommandID,
		PatientID: cmd.PatientID,
		EventType: models.EventMedicationCreated,
		EventData: models.EventData{Actor: actor},
		Context: models.EventContext{
			MedicationName: cmd.MedicationName,
			TriggerSource:  models.TriggerUserAction,
		},
		Timing:        models.EventTiming{EventTimestamp: now},
		Version:       1,
		CorrelationID: correlationID,
		CreatedAt:     now,
		CreatedBy:     actor,
	}}
	if cmd.Reminders.Enabled {
		seeds = append(seeds, &models.MedicationEvent{
			EventID:   models.DeriveEventID(cmd.CommandID, models.EventScheduleCreated, now),
			CommandID: cmd.CommandID,
			PatientID: cmd.PatientID,
			EventType: models.EventScheduleCreated,
			EventData: models.EventData{Actor: actor},
			Context: models.EventContext{
				MedicationName: cmd.MedicationName,
				TriggerSource:  models.TriggerUserAction,
			},
			Timing:        models.EventTiming{EventTimestamp: now},
			Version:       1,
			CorrelationID: correlationID,
			CreatedAt:     now,
			CreatedBy:     actor,
		})
	}
	return seeds
}

// generateScheduledEvents 生成未来 dose_scheduled 事件
// 宽限截止 = 排程时刻 + 分级默认分钟数；PRN 无排程
func (o *Orchestrator) generateScheduledEvents(cmd *models.MedicationCommand, prefs *models.PatientTimePreferences, correlationID string, now time.Time) []*models.MedicationEvent {
	if cmd.IsPRN || len(cmd.Schedule.Times) == 0 {
		return nil
	}

	loc := time.UTC
	if prefs != nil && prefs.Timezone != "" {
		if l, err := time.LoadLocation(prefs.Timezone); err == nil {
			loc = l
		}
	}
	localNow := now.In(loc)
	anchor := localNow
	if cmd.Schedule.StartDate != nil && cmd.Schedule.StartDate.After(now) {
		anchor = cmd.Schedule.StartDate.In(loc)
	}
	anchorDay := time.Date(anchor.Year(), anchor.Month(), anchor.Day(), 0, 0, 0, 0, loc)

	var events []*models.MedicationEvent
	grace := time.Duration(cmd.GracePeriod.DefaultMinutes) * time.Minute

	for dayOffset := 0; dayOffset < maxScheduleDays && len(events) < maxFutureEvents; dayOffset++ {
		day := anchorDay.AddDate(0, 0, dayOffset)
		if cmd.Schedule.EndDate != nil && day.After(cmd.Schedule.EndDate.In(loc)) {
			break
		}
		if !dayMatches(cmd, day, dayOffset) {
			continue
		}
		for _, clock := range cmd.Schedule.Times {
			if len(events) >= maxFutureEvents {
				break
			}
			scheduledAt, err := atClock(day, clock, loc)
			if err != nil {
				continue
			}
			if !scheduledAt.After(now) {
				continue // 当天已过去的时刻不补排
			}
			graceEnd := scheduledAt.Add(grace)
			events = append(events, &models.MedicationEvent{
				EventID:   models.DeriveEventID(cmd.CommandID, models.EventDoseScheduled, scheduledAt),
				CommandID: cmd.CommandID,
				PatientID: cmd.PatientID,
				EventType: models.EventDoseScheduled,
				EventData: models.EventData{
					ScheduledDateTime: &scheduledAt,
					Actor:             "system",
				},
				Context: models.EventContext{
					MedicationName: cmd.MedicationName,
					TriggerSource:  models.TriggerScheduledTask,
				},
				Timing: models.EventTiming{
					EventTimestamp: now,
					ScheduledFor:   &scheduledAt,
					GracePeriodEnd: &graceEnd,
				},
				Version:       1,
				CorrelationID: correlationID,
				CreatedAt:     now,
				CreatedBy:     "system",
			})
		}
	}
	return events
}

// dayMatches 频率 + 日历约束的联合判断；dayOffset 从排程锚点起算
func dayMatches(cmd *models.MedicationCommand, day time.Time, dayOffset int) bool {
	switch cmd.Frequency {
	case models.FrequencyEveryOtherDay:
		if dayOffset%2 != 0 {
			return false
		}
	case models.FrequencyWeekly:
		if dayOffset%7 != 0 {
			return false
		}
	case models.FrequencyMonthly:
		if len(cmd.Schedule.DaysOfMonth) == 0 && dayOffset != 0 {
			// 无指定日时只排锚点当天（30 天窗口内同日只出现一次）
			return false
		}
	}
	if len(cmd.Schedule.DaysOfWeek) > 0 {
		found := false
		for _, d := range cmd.Schedule.DaysOfWeek {
			if int(day.Weekday()) == d {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(cmd.Schedule.DaysOfMonth) > 0 {
		found := false
		for _, d := range cmd.Schedule.DaysOfMonth {
			if day.Day() == d {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func atClock(day time.Time, clock string, loc *time.Location) (time.Time, error) {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, loc), nil
}

func (o *Orchestrator) resolveScheduledTime(ctx context.Context, req *MarkTakenRequest) (*time.Time, error) {
	if req.ScheduledTime != nil {
		return req.ScheduledTime, nil
	}
	if req.ScheduledEventID != "" {
		ev, err := o.events.GetEvent(ctx, req.ScheduledEventID)
		if err != nil {
			return nil, fmt.Errorf("load scheduled event: %w", err)
		}
		if ev.Timing.ScheduledFor == nil {
			return nil, fmt.Errorf("event %s has no scheduled time", ev.EventID)
		}
		return ev.Timing.ScheduledFor, nil
	}
	return nil, nil // PRN 打卡：无排程基准，不计迟到
}

func (o *Orchestrator) buildTakenEvent(cmd *models.MedicationCommand, req *MarkTakenRequest, variant models.EventType, scheduledFor *time.Time, takenAt time.Time) *models.MedicationEvent {
	timing := models.EventTiming{
		EventTimestamp: takenAt,
		ScheduledFor:   scheduledFor,
	}
	if scheduledFor != nil {
		late := int(takenAt.Sub(*scheduledFor).Minutes())
		if late < 0 {
			late = 0
		}
		onTime := late <= analytics.OnTimeThresholdMinutes
		timing.MinutesLate = &late
		timing.IsOnTime = &onTime
	}
	return &models.MedicationEvent{
		EventID:   models.DeriveEventID(cmd.CommandID, variant, takenAt),
		CommandID: cmd.CommandID,
		PatientID: cmd.PatientID,
		EventType: variant,
		EventData: models.EventData{
			ScheduledDateTime: scheduledFor,
			ActualDateTime:    &takenAt,
			DosageAmount:      req.DosageAmount,
			Actor:             req.Actor,
		},
		Context: models.EventContext{
			MedicationName:  cmd.MedicationName,
			TriggerSource:   models.TriggerUserAction,
			RelatedEventIDs: relatedIDs(req.ScheduledEventID),
		},
		Timing:        timing,
		Version:       1,
		CorrelationID: uuid.New().String(),
		CreatedAt:     takenAt,
		CreatedBy:     req.Actor,
	}
}

func relatedIDs(ids ...string) []string {
	var out []string
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

func isValidStatus(s models.CommandStatus) bool {
	switch s {
	case models.StatusActive, models.StatusPaused, models.StatusHeld,
		models.StatusDiscontinued, models.StatusCompleted:
		return true
	}
	return false
}

func (o *Orchestrator) dispatch(ctx context.Context, req notifier.Request) {
	if _, err := o.notify.Dispatch(ctx, req); err != nil {
		o.logger.Warn("Notification dispatch failed",
			zap.String("type", string(req.NotificationType)),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) fail(result *WorkflowResult, start time.Time, err error) *WorkflowResult {
	result.Error = err.Error()
	result.ExecutionMS = o.elapsedMS(start)
	o.logger.Error("Workflow failed",
		zap.String("workflow_id", result.WorkflowID),
		zap.String("error", result.Error),
	)
	return result
}

func (o *Orchestrator) elapsedMS(start time.Time) int64 {
	return o.clock().Sub(start).Milliseconds()
}
