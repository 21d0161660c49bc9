package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wisefido-medication/internal/analytics"
	"wisefido-medication/internal/models"
	"wisefido-medication/internal/notifier"
	"wisefido-medication/internal/repository"
	"wisefido-medication/internal/schedule"
	"wisefido-medication/internal/store"
	"wisefido-medication/internal/txn"
	"wisefido-medication/internal/undo"
)

type orchestratorHarness struct {
	orch     *Orchestrator
	commands *repository.MemoryCommandsRepo
	events   *repository.MemoryEventsRepo
	executor *txn.MemoryExecutor
	notify   *notifier.NopDispatcher
}

func setupOrchestrator(t *testing.T, now time.Time) *orchestratorHarness {
	t.Helper()
	commands := repository.NewMemoryCommandsRepo()
	events := repository.NewMemoryEventsRepo()
	prefs := repository.NewMemoryPreferencesRepo()
	scheduleSvc := schedule.NewService(prefs, store.NewMemoryKV(), "med:prefs:", time.Minute, zap.NewNop())
	executor := txn.NewMemoryExecutor()
	manager := txn.NewManager(executor, repository.NewMemoryTxLogRepo(), zap.NewNop())
	calc := analytics.NewCalculator(events, zap.NewNop())
	undoSvc := undo.NewService(events, calc, zap.NewNop())
	dispatcher := notifier.NewNopDispatcher()

	orch := NewOrchestrator(commands, events, scheduleSvc, manager, undoSvc, dispatcher, zap.NewNop()).
		WithClock(func() time.Time { return now })
	return &orchestratorHarness{
		orch:     orch,
		commands: commands,
		events:   events,
		executor: executor,
		notify:   dispatcher,
	}
}

func activeCommand(frequency models.MedicationFrequency, times ...string) *models.MedicationCommand {
	created := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	cmd := &models.MedicationCommand{
		CommandID:      "med_p1_aspirin",
		PatientID:      "p1",
		MedicationName: "Aspirin",
		Frequency:      frequency,
		Schedule: models.CommandSchedule{
			TimingType: models.TimingAbsolute,
			Times:      times,
		},
		GracePeriod: ClassifyGracePeriod("Aspirin", frequency),
		Status:      models.CommandStatusInfo{Current: models.StatusActive},
		Version:     1,
		CreatedAt:   created,
		CreatedBy:   "nurse1",
		UpdatedAt:   created,
		UpdatedBy:   "nurse1",
	}
	cmd.SyncDerivedStatus()
	cmd.Checksum = cmd.ComputeChecksum()
	return cmd
}

// seedCommand 同时写入查询仓库和事务执行器（更新操作要求行已存在）
func seedCommand(t *testing.T, h *orchestratorHarness, cmd *models.MedicationCommand) {
	t.Helper()
	require.NoError(t, h.commands.CreateCommand(context.Background(), cmd))
	row, err := repository.CommandRow(cmd)
	require.NoError(t, err)
	require.NoError(t, h.executor.Execute(context.Background(), []txn.Operation{{
		Collection: repository.CollectionCommands,
		DocumentID: cmd.CommandID,
		Op:         txn.OpSet,
		Data:       row,
	}}))
}

// ============================================
// 建药工作流
// ============================================

func TestCreateMedication_ValidationFailureWritesNothing(t *testing.T) {
	now := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	h := setupOrchestrator(t, now)

	result := h.orch.CreateMedication(context.Background(), &CreateMedicationRequest{
		PatientID:      "",
		MedicationName: "",
		Frequency:      "sometimes",
		Times:          []string{"25:99"},
		Actor:          "nurse1",
	})

	assert.False(t, result.Success)
	assert.Equal(t, "validation failed", result.Error)
	assert.Len(t, result.ValidationErrors, 4)

	scheduled, err := h.events.QueryEvents(context.Background(), repository.EventFilters{})
	require.NoError(t, err)
	assert.Empty(t, scheduled)
	assert.Empty(t, h.notify.Sent())
}

func TestCreateMedication_ExplicitTimes(t *testing.T) {
	now := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	h := setupOrchestrator(t, now)

	result := h.orch.CreateMedication(context.Background(), &CreateMedicationRequest{
		PatientID:      "p1",
		MedicationName: "Aspirin",
		Frequency:      models.FrequencyOnceDaily,
		Times:          []string{"09:00"},
		Reminders:      models.ReminderSettings{Enabled: true},
		Actor:          "nurse1",
		NotifyFamily:   true,
	})

	require.True(t, result.Success, result.Error)
	assert.Equal(t, "med_p1_aspirin", result.CommandID)
	assert.NotEmpty(t, result.CorrelationID)
	assert.Equal(t, 2, result.Counts["seed_events"]) // medication_created + schedule_created
	assert.Equal(t, 30, result.Counts["scheduled_events"])

	// 指令进入事务执行器
	row, ok := h.executor.GetRow(repository.CollectionCommands, "med_p1_aspirin")
	require.True(t, ok)
	assert.Equal(t, 1, row["version"])
	assert.Equal(t, true, row["is_active"])
	assert.Equal(t, false, row["is_prn"])

	// 建药即带状态归属：显式 times 不走偏好路径
	var sched models.CommandSchedule
	require.NoError(t, json.Unmarshal(row["schedule"].([]byte), &sched))
	assert.False(t, sched.UsePatientTimePreferences)
	var status models.CommandStatusInfo
	require.NoError(t, json.Unmarshal(row["status_detail"].([]byte), &status))
	assert.Equal(t, models.StatusActive, status.Current)
	assert.Equal(t, now, status.ChangedAt.UTC())
	assert.Equal(t, "nurse1", status.ChangedBy)

	// 未来剂次进入事件仓库，宽限截止 = 排程 + 60 分钟（standard）
	scheduled, err := h.events.QueryEvents(context.Background(), repository.EventFilters{
		EventTypes: []models.EventType{models.EventDoseScheduled},
	})
	require.NoError(t, err)
	require.Len(t, scheduled, 30)
	first := scheduled[0]
	for _, event := range scheduled[1:] {
		if event.Timing.ScheduledFor.Before(*first.Timing.ScheduledFor) {
			first = event
		}
	}
	require.NotNil(t, first.Timing.ScheduledFor)
	assert.Equal(t, time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC), first.Timing.ScheduledFor.UTC())
	require.NotNil(t, first.Timing.GracePeriodEnd)
	assert.Equal(t, first.Timing.ScheduledFor.Add(60*time.Minute), *first.Timing.GracePeriodEnd)
	for _, event := range scheduled {
		assert.Equal(t, result.CorrelationID, event.CorrelationID)
	}

	sent := h.notify.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, notifier.NotifyMedicationCreated, sent[0].NotificationType)
}

func TestCreateMedication_CapsFutureEvents(t *testing.T) {
	now := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	h := setupOrchestrator(t, now)

	result := h.orch.CreateMedication(context.Background(), &CreateMedicationRequest{
		PatientID:      "p1",
		MedicationName: "Metformin",
		Frequency:      models.FrequencyFourTimesDaily,
		Times:          []string{"06:00", "12:00", "18:00", "22:00"},
		Actor:          "nurse1",
	})

	require.True(t, result.Success, result.Error)
	assert.Equal(t, 100, result.Counts["scheduled_events"])
}

func TestCreateMedication_FromPatientTimePreferences(t *testing.T) {
	now := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	h := setupOrchestrator(t, now)

	result := h.orch.CreateMedication(context.Background(), &CreateMedicationRequest{
		PatientID:                 "p1",
		MedicationName:            "Lisinopril",
		Frequency:                 models.FrequencyTwiceDaily,
		UsePatientTimePreferences: true,
		Actor:                     "nurse1",
	})

	require.True(t, result.Success, result.Error)
	assert.Equal(t, 60, result.Counts["scheduled_events"]) // 30 天 x 2 剂次

	row, ok := h.executor.GetRow(repository.CollectionCommands, result.CommandID)
	require.True(t, ok)
	var sched models.CommandSchedule
	require.NoError(t, json.Unmarshal(row["schedule"].([]byte), &sched))
	assert.Equal(t, models.TimingBucket, sched.TimingType)
	assert.Equal(t, []string{"08:00", "18:00"}, sched.Times)
	assert.Equal(t, []string{models.BucketMorning, models.BucketEvening}, sched.TimeBuckets)
	assert.True(t, sched.UsePatientTimePreferences)
}

func TestCreateMedication_PRNHasNoSchedule(t *testing.T) {
	now := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	h := setupOrchestrator(t, now)

	result := h.orch.CreateMedication(context.Background(), &CreateMedicationRequest{
		PatientID:      "p1",
		MedicationName: "Ibuprofen",
		Frequency:      models.FrequencyAsNeeded,
		Actor:          "nurse1",
	})

	require.True(t, result.Success, result.Error)
	assert.Zero(t, result.Counts["scheduled_events"])

	row, ok := h.executor.GetRow(repository.CollectionCommands, result.CommandID)
	require.True(t, ok)
	assert.Equal(t, true, row["is_prn"])

	scheduled, err := h.events.QueryEvents(context.Background(), repository.EventFilters{
		EventTypes: []models.EventType{models.EventDoseScheduled},
	})
	require.NoError(t, err)
	assert.Empty(t, scheduled)
}

func TestCreateMedication_DuplicateNameWarns(t *testing.T) {
	now := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	h := setupOrchestrator(t, now)
	require.NoError(t, h.commands.CreateCommand(context.Background(), activeCommand(models.FrequencyOnceDaily, "08:00")))

	result := h.orch.CreateMedication(context.Background(), &CreateMedicationRequest{
		PatientID:      "p1",
		MedicationName: "aspirin", // 归一化后与已有指令同名
		Frequency:      models.FrequencyOnceDaily,
		Times:          []string{"09:00"},
		Actor:          "nurse1",
	})

	require.True(t, result.Success, result.Error)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "already has an active medication")
}

func TestCreateMedication_SecondCreateConflicts(t *testing.T) {
	now := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	h := setupOrchestrator(t, now)

	req := &CreateMedicationRequest{
		PatientID:      "p1",
		MedicationName: "Aspirin",
		Frequency:      models.FrequencyOnceDaily,
		Times:          []string{"09:00"},
		Actor:          "nurse1",
	}
	require.True(t, h.orch.CreateMedication(context.Background(), req).Success)

	second := h.orch.CreateMedication(context.Background(), req)
	assert.False(t, second.Success)
	assert.Contains(t, second.Error, "medication already exists")
}

// ============================================
// 服药打卡工作流
// ============================================

func TestMarkMedicationTaken_OnTime(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 20, 0, 0, time.UTC)
	h := setupOrchestrator(t, now)
	seedCommand(t, h, activeCommand(models.FrequencyOnceDaily, "09:00"))

	scheduledFor := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	takenAt := time.Date(2026, 3, 14, 9, 20, 0, 0, time.UTC)
	result := h.orch.MarkMedicationTaken(context.Background(), &MarkTakenRequest{
		CommandID:     "med_p1_aspirin",
		ScheduledTime: &scheduledFor,
		TakenAt:       takenAt,
		Actor:         "patient",
	})

	require.True(t, result.Success, result.Error)
	require.Len(t, result.EventIDs, 1)

	eventRow, ok := h.executor.GetRow(repository.CollectionEvents, result.EventIDs[0])
	require.True(t, ok)
	assert.Equal(t, "dose_taken", eventRow["event_type"])
	require.NotNil(t, eventRow["minutes_late"])
	assert.Equal(t, 20, *eventRow["minutes_late"].(*int))
	assert.True(t, *eventRow["is_on_time"].(*bool))

	cmdRow, ok := h.executor.GetRow(repository.CollectionCommands, "med_p1_aspirin")
	require.True(t, ok)
	assert.Equal(t, 2, cmdRow["version"])
	assert.Equal(t, "patient", cmdRow["updated_by"])
}

func TestMarkMedicationTaken_LateDose(t *testing.T) {
	now := time.Date(2026, 3, 14, 11, 30, 0, 0, time.UTC)
	h := setupOrchestrator(t, now)
	seedCommand(t, h, activeCommand(models.FrequencyOnceDaily, "09:00"))

	scheduledFor := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	result := h.orch.MarkMedicationTaken(context.Background(), &MarkTakenRequest{
		CommandID:     "med_p1_aspirin",
		ScheduledTime: &scheduledFor,
		TakenAt:       now,
		Actor:         "patient",
	})

	require.True(t, result.Success, result.Error)
	eventRow, ok := h.executor.GetRow(repository.CollectionEvents, result.EventIDs[0])
	require.True(t, ok)
	assert.Equal(t, 150, *eventRow["minutes_late"].(*int))
	assert.False(t, *eventRow["is_on_time"].(*bool))
}

func TestMarkMedicationTaken_EarlyDoseClampsToZero(t *testing.T) {
	now := time.Date(2026, 3, 14, 8, 40, 0, 0, time.UTC)
	h := setupOrchestrator(t, now)
	seedCommand(t, h, activeCommand(models.FrequencyOnceDaily, "09:00"))

	scheduledFor := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	result := h.orch.MarkMedicationTaken(context.Background(), &MarkTakenRequest{
		CommandID:     "med_p1_aspirin",
		ScheduledTime: &scheduledFor,
		TakenAt:       now,
		Actor:         "patient",
	})

	require.True(t, result.Success, result.Error)
	eventRow, ok := h.executor.GetRow(repository.CollectionEvents, result.EventIDs[0])
	require.True(t, ok)
	assert.Equal(t, 0, *eventRow["minutes_late"].(*int))
	assert.True(t, *eventRow["is_on_time"].(*bool))
}

func TestMarkMedicationTaken_PRNWithoutScheduleBaseline(t *testing.T) {
	now := time.Date(2026, 3, 14, 14, 0, 0, 0, time.UTC)
	h := setupOrchestrator(t, now)
	seedCommand(t, h, activeCommand(models.FrequencyAsNeeded))

	result := h.orch.MarkMedicationTaken(context.Background(), &MarkTakenRequest{
		CommandID: "med_p1_aspirin",
		TakenAt:   now,
		Actor:     "patient",
	})

	require.True(t, result.Success, result.Error)
	eventRow, ok := h.executor.GetRow(repository.CollectionEvents, result.EventIDs[0])
	require.True(t, ok)
	assert.Nil(t, eventRow["is_on_time"])
	assert.Nil(t, eventRow["minutes_late"])
}

func TestMarkMedicationTaken_DiscontinuedRejected(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	h := setupOrchestrator(t, now)
	cmd := activeCommand(models.FrequencyOnceDaily, "09:00")
	cmd.Status.Current = models.StatusDiscontinued
	cmd.SyncDerivedStatus()
	require.NoError(t, h.commands.CreateCommand(context.Background(), cmd))

	result := h.orch.MarkMedicationTaken(context.Background(), &MarkTakenRequest{
		CommandID: "med_p1_aspirin",
		TakenAt:   now,
		Actor:     "patient",
	})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "discontinued")
}

func TestMarkMedicationTaken_RejectsNonTakenVariant(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	h := setupOrchestrator(t, now)
	seedCommand(t, h, activeCommand(models.FrequencyOnceDaily, "09:00"))

	result := h.orch.MarkMedicationTaken(context.Background(), &MarkTakenRequest{
		CommandID: "med_p1_aspirin",
		TakenAt:   now,
		Variant:   models.EventDoseSkipped,
		Actor:     "patient",
	})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "invalid taken variant")
}

// ============================================
// 状态变更工作流
// ============================================

func TestChangeMedicationStatus_Pause(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	h := setupOrchestrator(t, now)
	seedCommand(t, h, activeCommand(models.FrequencyOnceDaily, "09:00"))

	until := now.AddDate(0, 0, 7)
	result := h.orch.ChangeMedicationStatus(context.Background(), &StatusChangeRequest{
		CommandID:   "med_p1_aspirin",
		NewStatus:   models.StatusPaused,
		PausedUntil: &until,
		Actor:       "nurse1",
	})

	require.True(t, result.Success, result.Error)

	cmdRow, ok := h.executor.GetRow(repository.CollectionCommands, "med_p1_aspirin")
	require.True(t, ok)
	assert.Equal(t, false, cmdRow["is_active"])
	assert.Equal(t, 2, cmdRow["version"])
	var status models.CommandStatusInfo
	require.NoError(t, json.Unmarshal(cmdRow["status_detail"].([]byte), &status))
	assert.Equal(t, models.StatusPaused, status.Current)
	require.NotNil(t, status.PausedUntil)
	assert.True(t, status.PausedUntil.Equal(until))

	require.Len(t, result.EventIDs, 1)
	eventRow, ok := h.executor.GetRow(repository.CollectionEvents, result.EventIDs[0])
	require.True(t, ok)
	assert.Equal(t, "status_changed", eventRow["event_type"])

	sent := h.notify.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, notifier.NotifyStatusChanged, sent[0].NotificationType)
}

func TestChangeMedicationStatus_DiscontinueRecordsReason(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	h := setupOrchestrator(t, now)
	seedCommand(t, h, activeCommand(models.FrequencyOnceDaily, "09:00"))

	result := h.orch.ChangeMedicationStatus(context.Background(), &StatusChangeRequest{
		CommandID: "med_p1_aspirin",
		NewStatus: models.StatusDiscontinued,
		Reason:    "allergic reaction",
		Actor:     "doctor1",
	})

	require.True(t, result.Success, result.Error)
	cmdRow, ok := h.executor.GetRow(repository.CollectionCommands, "med_p1_aspirin")
	require.True(t, ok)
	var status models.CommandStatusInfo
	require.NoError(t, json.Unmarshal(cmdRow["status_detail"].([]byte), &status))
	assert.Equal(t, models.StatusDiscontinued, status.Current)
	require.NotNil(t, status.DiscontinueReason)
	assert.Equal(t, "allergic reaction", *status.DiscontinueReason)
	require.NotNil(t, status.DiscontinueDate)
	assert.True(t, status.DiscontinueDate.Equal(now))
}

func TestChangeMedicationStatus_SameStatusRejected(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	h := setupOrchestrator(t, now)
	seedCommand(t, h, activeCommand(models.FrequencyOnceDaily, "09:00"))

	result := h.orch.ChangeMedicationStatus(context.Background(), &StatusChangeRequest{
		CommandID: "med_p1_aspirin",
		NewStatus: models.StatusActive,
		Actor:     "nurse1",
	})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "already in status")
}

func TestChangeMedicationStatus_DiscontinuedIsTerminal(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	h := setupOrchestrator(t, now)
	cmd := activeCommand(models.FrequencyOnceDaily, "09:00")
	cmd.Status.Current = models.StatusDiscontinued
	cmd.SyncDerivedStatus()
	require.NoError(t, h.commands.CreateCommand(context.Background(), cmd))

	result := h.orch.ChangeMedicationStatus(context.Background(), &StatusChangeRequest{
		CommandID: "med_p1_aspirin",
		NewStatus: models.StatusActive,
		Actor:     "nurse1",
	})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "discontinued")
}

func TestChangeMedicationStatus_InvalidStatusRejected(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	h := setupOrchestrator(t, now)

	result := h.orch.ChangeMedicationStatus(context.Background(), &StatusChangeRequest{
		CommandID: "med_p1_aspirin",
		NewStatus: "archived",
		Actor:     "nurse1",
	})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "invalid status")
}

// ============================================
// 指令更新工作流
// ============================================

func TestUpdateMedication_TimesAndDetails(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	h := setupOrchestrator(t, now)
	seedCommand(t, h, activeCommand(models.FrequencyOnceDaily, "08:00"))

	result := h.orch.UpdateMedication(context.Background(), &UpdateMedicationRequest{
		CommandID:  "med_p1_aspirin",
		Times:      []string{"09:00"},
		Medication: &models.MedicationDetails{Strength: "100mg", Form: "tablet"},
		Actor:      "doctor1",
	})

	require.True(t, result.Success, result.Error)

	cmdRow, ok := h.executor.GetRow(repository.CollectionCommands, "med_p1_aspirin")
	require.True(t, ok)
	assert.Equal(t, 2, cmdRow["version"])
	var sched models.CommandSchedule
	require.NoError(t, json.Unmarshal(cmdRow["schedule"].([]byte), &sched))
	assert.Equal(t, []string{"09:00"}, sched.Times)

	require.Len(t, result.EventIDs, 1)
	eventRow, ok := h.executor.GetRow(repository.CollectionEvents, result.EventIDs[0])
	require.True(t, ok)
	assert.Equal(t, "medication_updated", eventRow["event_type"])
	var data models.EventData
	require.NoError(t, json.Unmarshal(eventRow["event_data"].([]byte), &data))
	assert.Equal(t, []string{"times", "medication"}, data.ChangedFields)
}

func TestUpdateMedication_FrequencyChangeReclassifiesGrace(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	h := setupOrchestrator(t, now)
	seedCommand(t, h, activeCommand(models.FrequencyOnceDaily, "08:00"))

	freq := models.FrequencyAsNeeded
	result := h.orch.UpdateMedication(context.Background(), &UpdateMedicationRequest{
		CommandID: "med_p1_aspirin",
		Frequency: &freq,
		Actor:     "doctor1",
	})

	require.True(t, result.Success, result.Error)
	cmdRow, ok := h.executor.GetRow(repository.CollectionCommands, "med_p1_aspirin")
	require.True(t, ok)
	assert.Equal(t, true, cmdRow["is_prn"])
	var grace models.GracePeriodConfig
	require.NoError(t, json.Unmarshal(cmdRow["grace_period"].([]byte), &grace))
	assert.Equal(t, models.GracePRN, grace.Classification)
	assert.Equal(t, 0, grace.DefaultMinutes)
}

func TestUpdateMedication_TimeCountMustMatchFrequency(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	h := setupOrchestrator(t, now)
	seedCommand(t, h, activeCommand(models.FrequencyOnceDaily, "08:00"))

	result := h.orch.UpdateMedication(context.Background(), &UpdateMedicationRequest{
		CommandID: "med_p1_aspirin",
		Times:     []string{"08:00", "20:00"},
		Actor:     "doctor1",
	})

	assert.False(t, result.Success)
	require.Len(t, result.ValidationErrors, 1)
	assert.Contains(t, result.ValidationErrors[0], "expects 1 times, got 2")

	cmdRow, ok := h.executor.GetRow(repository.CollectionCommands, "med_p1_aspirin")
	require.True(t, ok)
	assert.Equal(t, 1, cmdRow["version"])
}

func TestUpdateMedication_NoChangesRejected(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	h := setupOrchestrator(t, now)
	seedCommand(t, h, activeCommand(models.FrequencyOnceDaily, "08:00"))

	result := h.orch.UpdateMedication(context.Background(), &UpdateMedicationRequest{
		CommandID: "med_p1_aspirin",
		Actor:     "doctor1",
	})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "no changes")
}

func TestUpdateMedication_DiscontinuedRejected(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	h := setupOrchestrator(t, now)
	cmd := activeCommand(models.FrequencyOnceDaily, "08:00")
	cmd.Status.Current = models.StatusDiscontinued
	cmd.SyncDerivedStatus()
	require.NoError(t, h.commands.CreateCommand(context.Background(), cmd))

	result := h.orch.UpdateMedication(context.Background(), &UpdateMedicationRequest{
		CommandID: "med_p1_aspirin",
		Times:     []string{"09:00"},
		Actor:     "doctor1",
	})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "discontinued")
}

// ============================================
// 漏服工作流与扫描
// ============================================

func scheduledDoseEvent(commandID string, scheduledFor time.Time, graceMinutes int) *models.MedicationEvent {
	graceEnd := scheduledFor.Add(time.Duration(graceMinutes) * time.Minute)
	return &models.MedicationEvent{
		EventID:   models.DeriveEventID(commandID, models.EventDoseScheduled, scheduledFor),
		CommandID: commandID,
		PatientID: "p1",
		EventType: models.EventDoseScheduled,
		EventData: models.EventData{ScheduledDateTime: &scheduledFor, Actor: "system"},
		Context: models.EventContext{
			MedicationName: "Aspirin",
			TriggerSource:  models.TriggerScheduledTask,
		},
		Timing: models.EventTiming{
			EventTimestamp: scheduledFor.Add(-24 * time.Hour),
			ScheduledFor:   &scheduledFor,
			GracePeriodEnd: &graceEnd,
		},
		Version:       1,
		CorrelationID: "corr-sched-1",
		CreatedAt:     scheduledFor.Add(-24 * time.Hour),
		CreatedBy:     "system",
	}
}

func TestProcessMissedMedication_CreatesEventOnce(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	h := setupOrchestrator(t, now)
	cmd := activeCommand(models.FrequencyOnceDaily, "08:00")
	scheduledFor := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	scheduledEvent := scheduledDoseEvent(cmd.CommandID, scheduledFor, 60)
	require.NoError(t, h.events.CreateEvent(context.Background(), scheduledEvent))

	result := h.orch.ProcessMissedMedication(context.Background(), cmd, scheduledEvent)
	require.True(t, result.Success, result.Error)
	require.Len(t, result.EventIDs, 1)

	missed, err := h.events.GetEvent(context.Background(), result.EventIDs[0])
	require.NoError(t, err)
	assert.Equal(t, models.EventDoseMissed, missed.EventType)
	assert.Equal(t, "grace_period_expired", missed.EventData.ReasonCode)
	assert.Equal(t, scheduledEvent.CorrelationID, missed.CorrelationID)
	assert.Equal(t, []string{scheduledEvent.EventID}, missed.Context.RelatedEventIDs)

	// 同一剂次重复处理：事件 ID 冲突 → 成功但带警告，不写第二条
	again := h.orch.ProcessMissedMedication(context.Background(), cmd, scheduledEvent)
	require.True(t, again.Success)
	require.Len(t, again.Warnings, 1)
	assert.Contains(t, again.Warnings[0], "already flagged")

	all, err := h.events.QueryEvents(context.Background(), repository.EventFilters{
		EventTypes: []models.EventType{models.EventDoseMissed},
	})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestProcessMissedMedication_CriticalEscalatesUrgency(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	h := setupOrchestrator(t, now)
	cmd := activeCommand(models.FrequencyTwiceDaily, "08:00", "20:00")
	cmd.MedicationName = "Insulin"
	cmd.GracePeriod = ClassifyGracePeriod("Insulin", cmd.Frequency)
	cmd.Reminders.EscalationContacts = []string{"caregiver1", "nurse2"}
	scheduledFor := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	scheduledEvent := scheduledDoseEvent(cmd.CommandID, scheduledFor, cmd.GracePeriod.DefaultMinutes)

	result := h.orch.ProcessMissedMedication(context.Background(), cmd, scheduledEvent)
	require.True(t, result.Success, result.Error)

	sent := h.notify.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, notifier.NotifyDoseMissed, sent[0].NotificationType)
	assert.Equal(t, notifier.UrgencyCritical, sent[0].Urgency)
	assert.Equal(t, "critical", sent[0].Context["classification"])
	// 关键药物漏服扩大接收面：病人 + 升级联系人
	assert.Equal(t, []string{"p1", "caregiver1", "nurse2"}, sent[0].Recipients)
}

func TestProcessMissedMedication_StandardNotifiesPatientOnly(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	h := setupOrchestrator(t, now)
	cmd := activeCommand(models.FrequencyOnceDaily, "08:00")
	cmd.Reminders.EscalationContacts = []string{"caregiver1"}
	scheduledFor := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	scheduledEvent := scheduledDoseEvent(cmd.CommandID, scheduledFor, 60)

	result := h.orch.ProcessMissedMedication(context.Background(), cmd, scheduledEvent)
	require.True(t, result.Success, result.Error)

	// 非关键药物不打扰升级联系人
	sent := h.notify.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, notifier.UrgencyNormal, sent[0].Urgency)
	assert.Equal(t, []string{"p1"}, sent[0].Recipients)
}

func TestRunMissedDetection_DetectsOverdueDose(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	h := setupOrchestrator(t, now)
	cmd := activeCommand(models.FrequencyOnceDaily, "08:00")
	require.NoError(t, h.commands.CreateCommand(context.Background(), cmd))
	scheduledFor := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	require.NoError(t, h.events.CreateEvent(context.Background(), scheduledDoseEvent(cmd.CommandID, scheduledFor, 60)))

	sweep, err := h.orch.RunMissedDetection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.CommandsScanned)
	assert.Equal(t, 1, sweep.MissedDetected)
	assert.Empty(t, sweep.Errors)

	// 第二轮：scheduled 事件已被 missed 事件对齐解决，无新增
	again, err := h.orch.RunMissedDetection(context.Background())
	require.NoError(t, err)
	assert.Zero(t, again.MissedDetected)
	assert.Zero(t, again.AlreadyFlagged)
}

func TestRunMissedDetection_BackfilledTakenSuppressesMissed(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	h := setupOrchestrator(t, now)
	cmd := activeCommand(models.FrequencyOnceDaily, "08:00")
	require.NoError(t, h.commands.CreateCommand(context.Background(), cmd))
	scheduledFor := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	require.NoError(t, h.events.CreateEvent(context.Background(), scheduledDoseEvent(cmd.CommandID, scheduledFor, 60)))

	// 手动补录的打卡没有挂 scheduled_for，靠 [-1h, +4h] 窗口兜底
	backfilled := &models.MedicationEvent{
		EventID:   models.DeriveEventID(cmd.CommandID, models.EventDoseTaken, scheduledFor.Add(30*time.Minute)),
		CommandID: cmd.CommandID,
		PatientID: "p1",
		EventType: models.EventDoseTaken,
		Context:   models.EventContext{MedicationName: "Aspirin", TriggerSource: models.TriggerUserAction},
		Timing:    models.EventTiming{EventTimestamp: scheduledFor.Add(30 * time.Minute)},
		Version:   1,
		CreatedAt: scheduledFor.Add(30 * time.Minute),
		CreatedBy: "patient",
	}
	require.NoError(t, h.events.CreateEvent(context.Background(), backfilled))

	sweep, err := h.orch.RunMissedDetection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.CommandsScanned)
	assert.Zero(t, sweep.MissedDetected)

	missed, err := h.events.QueryEvents(context.Background(), repository.EventFilters{
		EventTypes: []models.EventType{models.EventDoseMissed},
	})
	require.NoError(t, err)
	assert.Empty(t, missed)
}
