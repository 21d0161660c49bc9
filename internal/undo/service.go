package undo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wisefido-medication/internal/analytics"
	"wisefido-medication/internal/models"
	"wisefido-medication/internal/repository"

	"go.uber.org/zap"
)

// 撤销 / 更正时间窗
const (
	// UndoWindow 原事件后 30 秒内可直接撤销
	UndoWindow = 30 * time.Second
	// CorrectionWindow 30 秒到 24 小时之间可带理由更正
	CorrectionWindow = 24 * time.Hour
)

// 撤销影响计算用的短窗口
const impactWindow = 7 * 24 * time.Hour

// Window 事件当前所处的时间窗
type Window string

const (
	// WindowUndo 30 秒内：可撤销
	WindowUndo Window = "undo"
	// WindowCorrection 30 秒 - 24 小时：只可更正
	WindowCorrection Window = "correction"
	// WindowLocked 超过 24 小时：终态，不可再改
	WindowLocked Window = "locked"
)

var (
	// ErrNotUndoable 目标事件不是可撤销的 taken 变体
	ErrNotUndoable = errors.New("event is not an undoable taken event")
	// ErrAlreadyUndone 已有撤销事件引用该事件
	ErrAlreadyUndone = errors.New("event has already been undone")
	// ErrUndoWindowClosed 30 秒撤销窗已过（可改走更正）
	ErrUndoWindowClosed = errors.New("undo window closed, correction available")
	// ErrTooOld 超过 24 小时，终态错误
	ErrTooOld = errors.New("event is too old to undo or correct")
	// ErrInvalidCorrection 更正目标动作不在允许集合内
	ErrInvalidCorrection = errors.New("invalid correction action")
	// ErrReasonRequired 更正必须有人工填写的理由
	ErrReasonRequired = errors.New("correction requires a reason")
)

// 更正允许的目标动作
var correctableActions = map[models.EventType]bool{
	models.EventDoseTaken:       true,
	models.EventDoseMissed:      true,
	models.EventDoseSkipped:     true,
	models.EventDoseRescheduled: true,
}

// 撤销时允许链上的补偿动作
var undoCompensations = map[models.EventType]bool{
	models.EventDoseMissed:      true,
	models.EventDoseSkipped:     true,
	models.EventDoseRescheduled: true,
}

// WindowInfo validateUndo 的返回：事件所处的窗及剩余信息
type WindowInfo struct {
	Window         Window
	ElapsedSeconds int64
	Event          *models.MedicationEvent
}

// AdherenceImpact 撤销/更正前后的短窗口依从率变化
type AdherenceImpact struct {
	PreviousRate float64 `json:"previous_rate"`
	NewRate      float64 `json:"new_rate"`
	Delta        float64 `json:"delta"`
}

// Result 撤销/更正结果
type Result struct {
	UndoEventID         string          `json:"undo_event_id"`
	CompensatingEventID string          `json:"compensating_event_id,omitempty"`
	CorrelationID       string          `json:"correlation_id"`
	Window              Window          `json:"window"`
	Impact              AdherenceImpact `json:"impact"`
}

// Service 撤销 / 更正服务
// 状态机（按原 taken 事件）：
// Takeable（无撤销存在）→ UndoWindow（<=30s）→ CorrectionWindow（<=24h）→ Locked
// 原事件绝不被修改或删除：撤销/更正都以新事件追加表达
type Service struct {
	events repository.EventsRepository
	calc   *analytics.Calculator
	clock  func() time.Time
	logger *zap.Logger
}

// NewService 创建撤销服务
func NewService(events repository.EventsRepository, calc *analytics.Calculator, logger *zap.Logger) *Service {
	return &Service{
		events: events,
		calc:   calc,
		clock:  func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// WithClock 注入时钟（测试用）
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// ValidateUndo 校验 eventID 是否可撤销并返回所处的窗
// 拒绝条件：非 taken 变体；已存在撤销事件；超过 24 小时
func (s *Service) ValidateUndo(ctx context.Context, eventID string) (*WindowInfo, error) {
	event, err := s.events.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if !event.EventType.IsTakenVariant() {
		return nil, fmt.Errorf("event %s type %s: %w", eventID, event.EventType, ErrNotUndoable)
	}

	existing, err := s.events.FindUndoEventFor(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("event %s: %w", eventID, ErrAlreadyUndone)
	}

	elapsed := s.clock().Sub(event.Timing.EventTimestamp)
	info := &WindowInfo{
		ElapsedSeconds: int64(elapsed.Seconds()),
		Event:          event,
	}
	switch {
	case elapsed <= UndoWindow:
		info.Window = WindowUndo
	case elapsed <= CorrectionWindow:
		info.Window = WindowCorrection
	default:
		info.Window = WindowLocked
	}
	return info, nil
}

// Undo 撤销一次服药记录（仅 UndoWindow 内有效）
// 追加 taken_undone 事件（relatedEventIds 链接原事件）；
// 如给出 correctedAction，再链一个同 correlation_id 的补偿事件
func (s *Service) Undo(ctx context.Context, eventID, reason, actor string, correctedAction models.EventType) (*Result, error) {
	info, err := s.ValidateUndo(ctx, eventID)
	if err != nil {
		return nil, err
	}
	switch info.Window {
	case WindowUndo:
	case WindowCorrection:
		return nil, fmt.Errorf("event %s (%ds elapsed): %w", eventID, info.ElapsedSeconds, ErrUndoWindowClosed)
	default:
		return nil, fmt.Errorf("event %s (%ds elapsed): %w", eventID, info.ElapsedSeconds, ErrTooOld)
	}
	if correctedAction != "" && !undoCompensations[correctedAction] {
		return nil, fmt.Errorf("action %s: %w", correctedAction, ErrInvalidCorrection)
	}

	previous, err := s.shortWindowRate(ctx, info.Event.PatientID)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	original := info.Event
	undoEvent := s.buildChainEvent(original, models.EventTakenUndone, actor, now)
	undoEvent.EventData.Undo = &models.UndoPayload{
		OriginalEventID: original.EventID,
		UndoReason:      reason,
		UndoTimestamp:   now,
		CorrectedAction: correctedAction,
	}

	batch := []*models.MedicationEvent{undoEvent}
	var compensating *models.MedicationEvent
	if correctedAction != "" {
		compensating = s.buildChainEvent(original, correctedAction, actor, now.Add(time.Millisecond))
		compensating.EventData.ReasonCode = "undo_correction"
		compensating.Context.RelatedEventIDs = []string{original.EventID, undoEvent.EventID}
		batch = append(batch, compensating)
	}

	result, err := s.events.CreateBatch(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("failed to write undo events: %w", err)
	}
	if len(result.Failed) > 0 {
		return nil, fmt.Errorf("failed to write undo events: %w", result.Failed[0].Err)
	}

	impact, err := s.impactSince(ctx, original.PatientID, previous)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Dose taken event undone",
		zap.String("event_id", original.EventID),
		zap.String("undo_event_id", undoEvent.EventID),
		zap.String("patient_id", original.PatientID),
	)

	out := &Result{
		UndoEventID:   undoEvent.EventID,
		CorrelationID: undoEvent.CorrelationID,
		Window:        WindowUndo,
		Impact:        impact,
	}
	if compensating != nil {
		out.CompensatingEventID = compensating.EventID
	}
	return out, nil
}

// Correct 更正一次服药记录（CorrectionWindow 内有效）
// 允许目标动作 {taken, missed, skipped, rescheduled}；理由必填（审计）
func (s *Service) Correct(ctx context.Context, eventID string, correctedAction models.EventType, reason, actor string) (*Result, error) {
	if reason == "" {
		return nil, ErrReasonRequired
	}
	if !correctableActions[correctedAction] {
		return nil, fmt.Errorf("action %s: %w", correctedAction, ErrInvalidCorrection)
	}

	info, err := s.ValidateUndo(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if info.Window == WindowLocked {
		return nil, fmt.Errorf("event %s (%ds elapsed): %w", eventID, info.ElapsedSeconds, ErrTooOld)
	}

	previous, err := s.shortWindowRate(ctx, info.Event.PatientID)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	original := info.Event

	undoEvent := s.buildChainEvent(original, models.EventTakenUndone, actor, now)
	undoEvent.EventData.Undo = &models.UndoPayload{
		OriginalEventID: original.EventID,
		UndoReason:      reason,
		UndoTimestamp:   now,
		CorrectedAction: correctedAction,
	}

	correctionType := correctedAction
	if correctionType == models.EventDoseTaken {
		correctionType = models.EventDoseCorrected
	}
	correction := s.buildChainEvent(original, correctionType, actor, now.Add(time.Millisecond))
	correction.EventData.ReasonCode = "manual_correction"
	correction.EventData.Notes = reason
	correction.Context.RelatedEventIDs = []string{original.EventID, undoEvent.EventID}

	batch := []*models.MedicationEvent{undoEvent, correction}
	result, err := s.events.CreateBatch(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("failed to write correction events: %w", err)
	}
	if len(result.Failed) > 0 {
		return nil, fmt.Errorf("failed to write correction events: %w", result.Failed[0].Err)
	}

	impact, err := s.impactSince(ctx, original.PatientID, previous)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Dose event corrected",
		zap.String("event_id", original.EventID),
		zap.String("corrected_action", string(correctedAction)),
		zap.String("patient_id", original.PatientID),
	)

	return &Result{
		UndoEventID:         undoEvent.EventID,
		CompensatingEventID: correction.EventID,
		CorrelationID:       undoEvent.CorrelationID,
		Window:              WindowCorrection,
		Impact:              impact,
	}, nil
}

// buildChainEvent 以原事件为模板构造链式事件（同剂次、同病人、同 scheduled_for）
func (s *Service) buildChainEvent(original *models.MedicationEvent, eventType models.EventType, actor string, at time.Time) *models.MedicationEvent {
	return &models.MedicationEvent{
		EventID:   models.DeriveEventID(original.CommandID, eventType, at),
		CommandID: original.CommandID,
		PatientID: original.PatientID,
		EventType: eventType,
		EventData: models.EventData{
			ScheduledDateTime: original.Timing.ScheduledFor,
			Actor:             actor,
		},
		Context: models.EventContext{
			MedicationName:  original.Context.MedicationName,
			TriggerSource:   models.TriggerUserAction,
			RelatedEventIDs: []string{original.EventID},
		},
		Timing: models.EventTiming{
			EventTimestamp: at,
			ScheduledFor:   original.Timing.ScheduledFor,
		},
		Version:   1,
		CreatedAt: at,
		CreatedBy: actor,
	}
}

func (s *Service) shortWindowRate(ctx context.Context, patientID string) (float64, error) {
	report, err := s.calc.Calculate(ctx, patientID, nil, impactWindow)
	if err != nil {
		return 0, fmt.Errorf("failed to compute adherence impact baseline: %w", err)
	}
	return report.AdherenceRate, nil
}

func (s *Service) impactSince(ctx context.Context, patientID string, previous float64) (AdherenceImpact, error) {
	report, err := s.calc.Calculate(ctx, patientID, nil, impactWindow)
	if err != nil {
		return AdherenceImpact{}, fmt.Errorf("failed to compute adherence impact: %w", err)
	}
	return AdherenceImpact{
		PreviousRate: previous,
		NewRate:      report.AdherenceRate,
		Delta:        report.AdherenceRate - previous,
	}, nil
}
