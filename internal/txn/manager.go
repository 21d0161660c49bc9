package txn

import (
	"context"
	"fmt"
	"time"

	"wisefido-medication/internal/models"
	"wisefido-medication/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RollbackStrategy 回滚策略
type RollbackStrategy string

const (
	RollbackAutomatic RollbackStrategy = "automatic"
	RollbackManual    RollbackStrategy = "manual"
)

// Result 一次事务的执行结果
type Result struct {
	TransactionID string
	Operations    int
	ExecutionMS   int64
}

// Manager 事务管理器
// 将分组写入作为一个原子单元应用；失败时按策略补偿并记录事务日志
type Manager struct {
	executor Executor
	txLog    repository.TxLogRepository
	logger   *zap.Logger
}

// NewManager 创建事务管理器
func NewManager(executor Executor, txLog repository.TxLogRepository, logger *zap.Logger) *Manager {
	return &Manager{
		executor: executor,
		txLog:    txLog,
		logger:   logger,
	}
}

// ExecuteTransaction 原子应用操作列表
// 失败时：automatic 策略对已生效的 set 操作按逆序发出补偿删除；
// update/delete 无先前值快照，无法自动补偿，只能记录为需人工复核——
// 这是已知且有意保留的限制，不是缺陷
func (m *Manager) ExecuteTransaction(ctx context.Context, ops []Operation, strategy RollbackStrategy) (*Result, error) {
	if err := validateOps(ops); err != nil {
		return nil, err
	}

	entry := &models.TransactionLogEntry{
		TransactionID: uuid.New().String(),
		Status:        models.TxPending,
		Operations:    loggedOps(ops),
		StartedAt:     time.Now().UTC(),
	}
	if err := m.txLog.CreateEntry(ctx, entry); err != nil {
		// 事务日志不可用不阻断业务写入
		m.logger.Warn("Failed to create transaction log entry",
			zap.String("transaction_id", entry.TransactionID),
			zap.Error(err),
		)
	}

	start := time.Now()
	execErr := m.executor.Execute(ctx, ops)
	entry.ExecutionMS = time.Since(start).Milliseconds()
	finishedAt := time.Now().UTC()
	entry.FinishedAt = &finishedAt

	if execErr == nil {
		entry.Status = models.TxCompleted
		m.finalize(ctx, entry)
		return &Result{
			TransactionID: entry.TransactionID,
			Operations:    len(ops),
			ExecutionMS:   entry.ExecutionMS,
		}, nil
	}

	entry.Status = models.TxFailed
	errMsg := execErr.Error()
	entry.Error = &errMsg
	if strategy == RollbackAutomatic {
		entry.Rollback = m.buildRollbackInfo(ops)
	}
	m.finalize(ctx, entry)

	m.logger.Error("Transaction failed",
		zap.String("transaction_id", entry.TransactionID),
		zap.Int("operations", len(ops)),
		zap.Error(execErr),
	)
	return nil, fmt.Errorf("transaction %s failed: %w", entry.TransactionID, execErr)
}

// buildRollbackInfo 执行器整体原子，失败时没有已生效操作需要补偿；
// 仍按约定把 update/delete 操作标记为人工复核范围
func (m *Manager) buildRollbackInfo(ops []Operation) *models.RollbackInfo {
	info := &models.RollbackInfo{Strategy: string(RollbackAutomatic)}
	for _, op := range ops {
		if op.Op == OpUpdate || op.Op == OpDelete {
			m.logger.Warn("Operation cannot be auto-compensated, manual review required",
				zap.String("collection", op.Collection),
				zap.String("document_id", op.DocumentID),
				zap.String("operation", string(op.Op)),
			)
			info.ManualReview = append(info.ManualReview, models.LoggedOperation{
				Collection: op.Collection,
				DocumentID: op.DocumentID,
				Operation:  string(op.Op),
			})
		}
	}
	return info
}

// compensateSets 对已生效的 set 操作按逆序发出补偿删除（尽力而为）
// 只有 set 可补偿：update/delete 没有先前值快照
func (m *Manager) compensateSets(ctx context.Context, applied []Operation) ([]models.LoggedOperation, []models.LoggedOperation) {
	var compensated, manualReview []models.LoggedOperation
	for i := len(applied) - 1; i >= 0; i-- {
		op := applied[i]
		logged := models.LoggedOperation{
			Collection: op.Collection,
			DocumentID: op.DocumentID,
			Operation:  string(op.Op),
		}
		if op.Op != OpSet {
			m.logger.Warn("Operation cannot be auto-compensated, manual review required",
				zap.String("collection", op.Collection),
				zap.String("document_id", op.DocumentID),
				zap.String("operation", string(op.Op)),
			)
			manualReview = append(manualReview, logged)
			continue
		}
		deleteOp := Operation{Collection: op.Collection, DocumentID: op.DocumentID, Op: OpDelete}
		if err := m.executor.Execute(ctx, []Operation{deleteOp}); err != nil {
			m.logger.Error("Compensating delete failed",
				zap.String("collection", op.Collection),
				zap.String("document_id", op.DocumentID),
				zap.Error(err),
			)
			manualReview = append(manualReview, logged)
			continue
		}
		compensated = append(compensated, logged)
	}
	return compensated, manualReview
}

func (m *Manager) finalize(ctx context.Context, entry *models.TransactionLogEntry) {
	if err := m.txLog.FinalizeEntry(ctx, entry); err != nil {
		m.logger.Warn("Failed to finalize transaction log entry",
			zap.String("transaction_id", entry.TransactionID),
			zap.Error(err),
		)
	}
}

func loggedOps(ops []Operation) []models.LoggedOperation {
	out := make([]models.LoggedOperation, len(ops))
	for i, op := range ops {
		out[i] = models.LoggedOperation{
			Collection: op.Collection,
			DocumentID: op.DocumentID,
			Operation:  string(op.Op),
		}
	}
	return out
}

// ============================================
// 专用事务模式（命名助手）
// ============================================

// DoseTransaction 服药事务：创建 taken 事件 + 提升指令元数据，原子生效
// update 操作在事务内重新校验指令存在
func (m *Manager) DoseTransaction(ctx context.Context, cmd *models.MedicationCommand, takenEvent *models.MedicationEvent) (*Result, error) {
	eventRow, err := repository.EventRow(takenEvent)
	if err != nil {
		return nil, err
	}

	ops := []Operation{
		{
			Collection: repository.CollectionEvents,
			DocumentID: takenEvent.EventID,
			Op:         OpSet,
			Data:       eventRow,
		},
		{
			Collection: repository.CollectionCommands,
			DocumentID: cmd.CommandID,
			Op:         OpUpdate,
			Data:       repository.CommandMetadataRow(cmd),
		},
	}
	return m.ExecuteTransaction(ctx, ops, RollbackAutomatic)
}

// MedicationCreationTransaction 建药事务：创建指令 + 种子事件，原子生效
// 种子事件写入失败时指令整体回滚
func (m *Manager) MedicationCreationTransaction(ctx context.Context, cmd *models.MedicationCommand, seedEvents []*models.MedicationEvent) (*Result, error) {
	cmdRow, err := repository.CommandRow(cmd)
	if err != nil {
		return nil, err
	}

	ops := []Operation{
		{
			Collection: repository.CollectionCommands,
			DocumentID: cmd.CommandID,
			Op:         OpSet,
			Data:       cmdRow,
		},
	}
	for _, event := range seedEvents {
		eventRow, err := repository.EventRow(event)
		if err != nil {
			return nil, err
		}
		ops = append(ops, Operation{
			Collection: repository.CollectionEvents,
			DocumentID: event.EventID,
			Op:         OpSet,
			Data:       eventRow,
		})
	}
	return m.ExecuteTransaction(ctx, ops, RollbackAutomatic)
}

// MedicationUpdateTransaction 指令更新事务：整行更新指令 + 创建更新事件，原子生效
// update 操作在事务内重新校验指令存在
func (m *Manager) MedicationUpdateTransaction(ctx context.Context, cmd *models.MedicationCommand, updateEvent *models.MedicationEvent) (*Result, error) {
	cmdRow, err := repository.CommandRow(cmd)
	if err != nil {
		return nil, err
	}
	eventRow, err := repository.EventRow(updateEvent)
	if err != nil {
		return nil, err
	}

	ops := []Operation{
		{
			Collection: repository.CollectionCommands,
			DocumentID: cmd.CommandID,
			Op:         OpUpdate,
			Data:       cmdRow,
		},
		{
			Collection: repository.CollectionEvents,
			DocumentID: updateEvent.EventID,
			Op:         OpSet,
			Data:       eventRow,
		},
	}
	return m.ExecuteTransaction(ctx, ops, RollbackAutomatic)
}

// StatusChangeTransaction 状态变更事务：更新指令状态 + 创建状态变更事件，原子生效
func (m *Manager) StatusChangeTransaction(ctx context.Context, cmd *models.MedicationCommand, statusEvent *models.MedicationEvent) (*Result, error) {
	statusRow, err := repository.CommandStatusRow(cmd)
	if err != nil {
		return nil, err
	}
	eventRow, err := repository.EventRow(statusEvent)
	if err != nil {
		return nil, err
	}

	ops := []Operation{
		{
			Collection: repository.CollectionCommands,
			DocumentID: cmd.CommandID,
			Op:         OpUpdate,
			Data:       statusRow,
		},
		{
			Collection: repository.CollectionEvents,
			DocumentID: statusEvent.EventID,
			Op:         OpSet,
			Data:       eventRow,
		},
	}
	return m.ExecuteTransaction(ctx, ops, RollbackAutomatic)
}

// ============================================
// 多阶段事务（saga 式补偿，非两阶段提交）
// ============================================

// Phase 多阶段事务中的一个阶段
type Phase struct {
	Name string
	Ops  []Operation
}

// ExecuteDistributed 顺序执行各阶段；任一阶段失败时，
// 对所有已完成阶段按逆序做补偿（set → 反向删除；update/delete 记人工复核）。
// 这是尽力而为的 saga 补偿，不是真正的两阶段提交：
// 补偿本身可能失败，失败部分进入人工复核清单
func (m *Manager) ExecuteDistributed(ctx context.Context, phases []Phase) (*Result, error) {
	if len(phases) == 0 {
		return nil, fmt.Errorf("distributed transaction requires at least one phase")
	}

	var allOps []Operation
	for _, phase := range phases {
		allOps = append(allOps, phase.Ops...)
	}

	entry := &models.TransactionLogEntry{
		TransactionID: uuid.New().String(),
		Status:        models.TxPending,
		Operations:    loggedOps(allOps),
		StartedAt:     time.Now().UTC(),
	}
	if err := m.txLog.CreateEntry(ctx, entry); err != nil {
		m.logger.Warn("Failed to create transaction log entry",
			zap.String("transaction_id", entry.TransactionID),
			zap.Error(err),
		)
	}

	start := time.Now()
	var completed []Operation
	for _, phase := range phases {
		if err := m.executor.Execute(ctx, phase.Ops); err != nil {
			m.logger.Error("Distributed transaction phase failed, compensating",
				zap.String("transaction_id", entry.TransactionID),
				zap.String("phase", phase.Name),
				zap.Int("completed_operations", len(completed)),
				zap.Error(err),
			)
			compensated, manualReview := m.compensateSets(ctx, completed)
			compensatedAt := time.Now().UTC()
			entry.Rollback = &models.RollbackInfo{
				Strategy:      string(RollbackAutomatic),
				Compensated:   compensated,
				ManualReview:  manualReview,
				CompensatedAt: &compensatedAt,
			}
			entry.Status = models.TxFailed
			errMsg := fmt.Sprintf("phase %s: %v", phase.Name, err)
			entry.Error = &errMsg
			entry.ExecutionMS = time.Since(start).Milliseconds()
			finishedAt := time.Now().UTC()
			entry.FinishedAt = &finishedAt
			m.finalize(ctx, entry)
			return nil, fmt.Errorf("distributed transaction %s failed at phase %s: %w", entry.TransactionID, phase.Name, err)
		}
		completed = append(completed, phase.Ops...)
	}

	entry.Status = models.TxCompleted
	entry.ExecutionMS = time.Since(start).Milliseconds()
	finishedAt := time.Now().UTC()
	entry.FinishedAt = &finishedAt
	m.finalize(ctx, entry)

	return &Result{
		TransactionID: entry.TransactionID,
		Operations:    len(allOps),
		ExecutionMS:   entry.ExecutionMS,
	}, nil
}
