package repository

import (
	"context"
	"database/sql"
	"fmt"

	"wisefido-medication/internal/models"

	"go.uber.org/zap"
)

// PostgresTxLogRepository 事务日志仓库（PostgreSQL 实现）
type PostgresTxLogRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresTxLogRepository 创建事务日志仓库
func NewPostgresTxLogRepository(db *sql.DB, logger *zap.Logger) *PostgresTxLogRepository {
	return &PostgresTxLogRepository{
		db:     db,
		logger: logger,
	}
}

// CreateEntry 记录事务开始
func (r *PostgresTxLogRepository) CreateEntry(ctx context.Context, entry *models.TransactionLogEntry) error {
	operations, err := marshalJSONB(entry.Operations)
	if err != nil {
		return fmt.Errorf("failed to marshal operations: %w", err)
	}

	query := `
		INSERT INTO transaction_log
			(transaction_id, status, operations, execution_ms, started_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err = r.db.ExecContext(ctx, query,
		entry.TransactionID,
		string(entry.Status),
		operations,
		entry.ExecutionMS,
		entry.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create transaction log entry: %w", err)
	}
	return nil
}

// FinalizeEntry 终结事务（completed / failed + 补偿信息）
func (r *PostgresTxLogRepository) FinalizeEntry(ctx context.Context, entry *models.TransactionLogEntry) error {
	rollbackInfo, err := marshalJSONB(entry.Rollback)
	if err != nil {
		return fmt.Errorf("failed to marshal rollback_info: %w", err)
	}

	query := `
		UPDATE transaction_log SET
			status = $1,
			rollback_info = $2,
			execution_ms = $3,
			finished_at = $4,
			error = $5
		WHERE transaction_id = $6
	`
	_, err = r.db.ExecContext(ctx, query,
		string(entry.Status),
		rollbackInfo,
		entry.ExecutionMS,
		entry.FinishedAt,
		entry.Error,
		entry.TransactionID,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize transaction log entry: %w", err)
	}
	return nil
}

// GetEntry 按 transaction_id 获取
func (r *PostgresTxLogRepository) GetEntry(ctx context.Context, transactionID string) (*models.TransactionLogEntry, error) {
	query := `
		SELECT transaction_id, status, operations, rollback_info, execution_ms,
		       started_at, finished_at, error
		FROM transaction_log
		WHERE transaction_id = $1
	`

	var entry models.TransactionLogEntry
	var status string
	var operations, rollbackInfo []byte
	var finishedAt sql.NullTime
	var errMsg sql.NullString

	err := r.db.QueryRowContext(ctx, query, transactionID).Scan(
		&entry.TransactionID,
		&status,
		&operations,
		&rollbackInfo,
		&entry.ExecutionMS,
		&entry.StartedAt,
		&finishedAt,
		&errMsg,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("transaction log entry %s: %w", transactionID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get transaction log entry: %w", err)
	}

	entry.Status = models.TransactionStatus(status)
	if err := unmarshalJSONB(operations, &entry.Operations); err != nil {
		return nil, fmt.Errorf("failed to unmarshal operations: %w", err)
	}
	if err := unmarshalJSONB(rollbackInfo, &entry.Rollback); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rollback_info: %w", err)
	}
	if finishedAt.Valid {
		entry.FinishedAt = &finishedAt.Time
	}
	if errMsg.Valid {
		entry.Error = &errMsg.String
	}
	return &entry, nil
}
