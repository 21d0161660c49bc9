package txn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wisefido-medication/internal/models"
	"wisefido-medication/internal/repository"
)

func setupManager(t *testing.T) (*Manager, *MemoryExecutor, *repository.MemoryTxLogRepo) {
	t.Helper()
	executor := NewMemoryExecutor()
	txLog := repository.NewMemoryTxLogRepo()
	manager := NewManager(executor, txLog, zap.NewNop())
	return manager, executor, txLog
}

func testCommand() *models.MedicationCommand {
	now := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	cmd := &models.MedicationCommand{
		CommandID:      "med_p1_aspirin",
		PatientID:      "p1",
		MedicationName: "Aspirin",
		Frequency:      models.FrequencyOnceDaily,
		Schedule: models.CommandSchedule{
			TimingType: models.TimingAbsolute,
			Times:      []string{"08:00"},
		},
		GracePeriod: models.GracePeriodConfig{
			Classification: models.GraceStandard,
			DefaultMinutes: 60,
		},
		Status:    models.CommandStatusInfo{Current: models.StatusActive},
		Version:   1,
		CreatedAt: now,
		CreatedBy: "nurse1",
		UpdatedAt: now,
		UpdatedBy: "nurse1",
	}
	cmd.SyncDerivedStatus()
	cmd.Checksum = cmd.ComputeChecksum()
	return cmd
}

func testEvent(eventID string) *models.MedicationEvent {
	now := time.Date(2026, 3, 14, 8, 5, 0, 0, time.UTC)
	return &models.MedicationEvent{
		EventID:       eventID,
		CommandID:     "med_p1_aspirin",
		PatientID:     "p1",
		EventType:     models.EventDoseTaken,
		Context:       models.EventContext{MedicationName: "Aspirin", TriggerSource: models.TriggerUserAction},
		Timing:        models.EventTiming{EventTimestamp: now},
		Version:       1,
		CorrelationID: "corr-1",
		CreatedAt:     now,
		CreatedBy:     "nurse1",
	}
}

// ============================================
// 原子执行测试
// ============================================

func TestMedicationCreationTransaction_AllOrNothing(t *testing.T) {
	manager, executor, txLog := setupManager(t)
	ctx := context.Background()

	cmd := testCommand()
	seed := testEvent("evt_seed")

	result, err := manager.MedicationCreationTransaction(ctx, cmd, []*models.MedicationEvent{seed})

	require.NoError(t, err)
	assert.Equal(t, 2, result.Operations)

	_, ok := executor.GetRow(repository.CollectionCommands, cmd.CommandID)
	assert.True(t, ok)
	_, ok = executor.GetRow(repository.CollectionEvents, seed.EventID)
	assert.True(t, ok)

	entry, err := txLog.GetEntry(ctx, result.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.TxCompleted, entry.Status)
}

func TestMedicationCreationTransaction_FailureLeavesNothing(t *testing.T) {
	manager, executor, txLog := setupManager(t)
	ctx := context.Background()

	cmd := testCommand()
	seed := testEvent("evt_seed")
	executor.FailOn = seed.EventID

	_, err := manager.MedicationCreationTransaction(ctx, cmd, []*models.MedicationEvent{seed})

	require.Error(t, err)
	// 执行器整体原子：指令也不应生效
	_, ok := executor.GetRow(repository.CollectionCommands, cmd.CommandID)
	assert.False(t, ok)

	entries := txLog.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.TxFailed, entries[0].Status)
	require.NotNil(t, entries[0].Rollback)
}

func TestDoseTransaction_UpdateRequiresExistingCommand(t *testing.T) {
	manager, executor, _ := setupManager(t)
	ctx := context.Background()

	cmd := testCommand()
	event := testEvent("evt_taken")

	// 指令不存在：update 操作失败，事件写入不生效
	_, err := manager.DoseTransaction(ctx, cmd, event)
	require.Error(t, err)
	assert.True(t, repository.IsNotFound(err))
	_, ok := executor.GetRow(repository.CollectionEvents, event.EventID)
	assert.False(t, ok)

	// 先建指令，再打卡成功
	_, err = manager.MedicationCreationTransaction(ctx, cmd, nil)
	require.NoError(t, err)

	cmd.Version = 2
	result, err := manager.DoseTransaction(ctx, cmd, event)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Operations)

	row, ok := executor.GetRow(repository.CollectionCommands, cmd.CommandID)
	require.True(t, ok)
	assert.Equal(t, 2, row["version"])
}

func TestStatusChangeTransaction_WritesEventAndStatus(t *testing.T) {
	manager, executor, _ := setupManager(t)
	ctx := context.Background()

	cmd := testCommand()
	_, err := manager.MedicationCreationTransaction(ctx, cmd, nil)
	require.NoError(t, err)

	cmd.Status.Current = models.StatusPaused
	cmd.SyncDerivedStatus()
	cmd.Version = 2
	statusEvent := testEvent("evt_status")
	statusEvent.EventType = models.EventStatusChanged

	_, err = manager.StatusChangeTransaction(ctx, cmd, statusEvent)
	require.NoError(t, err)

	row, ok := executor.GetRow(repository.CollectionCommands, cmd.CommandID)
	require.True(t, ok)
	assert.Equal(t, false, row["is_active"])
	_, ok = executor.GetRow(repository.CollectionEvents, statusEvent.EventID)
	assert.True(t, ok)
}

// ============================================
// saga 式多阶段补偿测试
// ============================================

func TestExecuteDistributed_CompensatesCompletedSets(t *testing.T) {
	manager, executor, txLog := setupManager(t)
	ctx := context.Background()

	event1 := testEvent("evt_phase1")
	row1, err := repository.EventRow(event1)
	require.NoError(t, err)
	event2 := testEvent("evt_phase2")
	row2, err := repository.EventRow(event2)
	require.NoError(t, err)

	executor.FailOn = event2.EventID

	phases := []Phase{
		{Name: "write_first", Ops: []Operation{{
			Collection: repository.CollectionEvents,
			DocumentID: event1.EventID,
			Op:         OpSet,
			Data:       row1,
		}}},
		{Name: "write_second", Ops: []Operation{{
			Collection: repository.CollectionEvents,
			DocumentID: event2.EventID,
			Op:         OpSet,
			Data:       row2,
		}}},
	}

	_, err = manager.ExecuteDistributed(ctx, phases)
	require.Error(t, err)

	// 第一阶段的 set 被反向删除补偿
	_, ok := executor.GetRow(repository.CollectionEvents, event1.EventID)
	assert.False(t, ok)

	entries := txLog.Entries()
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].Rollback)
	assert.Len(t, entries[0].Rollback.Compensated, 1)
	assert.Equal(t, event1.EventID, entries[0].Rollback.Compensated[0].DocumentID)
}

func TestExecuteDistributed_UpdateGoesToManualReview(t *testing.T) {
	manager, executor, txLog := setupManager(t)
	ctx := context.Background()

	cmd := testCommand()
	_, err := manager.MedicationCreationTransaction(ctx, cmd, nil)
	require.NoError(t, err)

	cmd.Version = 2
	event := testEvent("evt_fail")
	eventRow, err := repository.EventRow(event)
	require.NoError(t, err)
	executor.FailOn = event.EventID

	phases := []Phase{
		{Name: "bump_command", Ops: []Operation{{
			Collection: repository.CollectionCommands,
			DocumentID: cmd.CommandID,
			Op:         OpUpdate,
			Data:       repository.CommandMetadataRow(cmd),
		}}},
		{Name: "write_event", Ops: []Operation{{
			Collection: repository.CollectionEvents,
			DocumentID: event.EventID,
			Op:         OpSet,
			Data:       eventRow,
		}}},
	}

	_, err = manager.ExecuteDistributed(ctx, phases)
	require.Error(t, err)

	// update 无先前值快照，进入人工复核清单
	entries := txLog.Entries()
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].Rollback)
	require.Len(t, entries[0].Rollback.ManualReview, 1)
	assert.Equal(t, cmd.CommandID, entries[0].Rollback.ManualReview[0].DocumentID)
	assert.Empty(t, entries[0].Rollback.Compensated)
}

func TestExecuteTransaction_RejectsInvalidOps(t *testing.T) {
	manager, _, _ := setupManager(t)

	_, err := manager.ExecuteTransaction(context.Background(), []Operation{
		{Collection: "unknown_collection", DocumentID: "x", Op: OpSet, Data: map[string]any{}},
	}, RollbackAutomatic)

	assert.Error(t, err)
}
