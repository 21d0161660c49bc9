package txn

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"wisefido-medication/internal/repository"

	"go.uber.org/zap"
)

// PostgresExecutor 原子多写执行器（PostgreSQL 实现）
// 整个操作列表在一个数据库事务内应用，提交失败整体回滚
type PostgresExecutor struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresExecutor 创建执行器
func NewPostgresExecutor(db *sql.DB, logger *zap.Logger) *PostgresExecutor {
	return &PostgresExecutor{
		db:     db,
		logger: logger,
	}
}

// Execute 在一个事务内按序应用所有操作
func (e *PostgresExecutor) Execute(ctx context.Context, ops []Operation) error {
	if err := validateOps(ops); err != nil {
		return err
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i, op := range ops {
		idColumn := repository.IDColumns[op.Collection]
		switch op.Op {
		case OpSet:
			if err := applySet(ctx, tx, op, idColumn); err != nil {
				return fmt.Errorf("operation %d (set %s/%s): %w", i, op.Collection, op.DocumentID, err)
			}
		case OpUpdate:
			if err := applyUpdate(ctx, tx, op, idColumn); err != nil {
				return fmt.Errorf("operation %d (update %s/%s): %w", i, op.Collection, op.DocumentID, err)
			}
		case OpDelete:
			if err := applyDelete(ctx, tx, op, idColumn); err != nil {
				return fmt.Errorf("operation %d (delete %s/%s): %w", i, op.Collection, op.DocumentID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// sortedColumns Data 的列名按字典序（生成确定性 SQL，便于测试）
func sortedColumns(data map[string]any) []string {
	columns := make([]string, 0, len(data))
	for col := range data {
		columns = append(columns, col)
	}
	sort.Strings(columns)
	return columns
}

func applySet(ctx context.Context, tx *sql.Tx, op Operation, idColumn string) error {
	columns := sortedColumns(op.Data)
	names := make([]string, 0, len(columns)+1)
	placeholders := make([]string, 0, len(columns)+1)
	args := make([]any, 0, len(columns)+1)

	names = append(names, idColumn)
	placeholders = append(placeholders, "$1")
	args = append(args, op.DocumentID)
	for i, col := range columns {
		names = append(names, col)
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+2))
		args = append(args, op.Data[col])
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		op.Collection, strings.Join(names, ", "), strings.Join(placeholders, ", "))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return err
	}
	return nil
}

// applyUpdate 事务内先校验存在（带行锁），再应用更新
func applyUpdate(ctx context.Context, tx *sql.Tx, op Operation, idColumn string) error {
	if err := verifyExists(ctx, tx, op, idColumn); err != nil {
		return err
	}

	columns := sortedColumns(op.Data)
	assignments := make([]string, 0, len(columns))
	args := make([]any, 0, len(columns)+1)
	for i, col := range columns {
		assignments = append(assignments, fmt.Sprintf("%s = $%d", col, i+1))
		args = append(args, op.Data[col])
	}
	args = append(args, op.DocumentID)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d",
		op.Collection, strings.Join(assignments, ", "), idColumn, len(columns)+1)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return err
	}
	return nil
}

// applyDelete 事务内先校验存在，再删除
func applyDelete(ctx context.Context, tx *sql.Tx, op Operation, idColumn string) error {
	if err := verifyExists(ctx, tx, op, idColumn); err != nil {
		return err
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", op.Collection, idColumn)
	if _, err := tx.ExecContext(ctx, query, op.DocumentID); err != nil {
		return err
	}
	return nil
}

func verifyExists(ctx context.Context, tx *sql.Tx, op Operation, idColumn string) error {
	query := fmt.Sprintf("SELECT 1 FROM %s WHERE %s = $1 FOR UPDATE", op.Collection, idColumn)
	var one int
	if err := tx.QueryRowContext(ctx, query, op.DocumentID).Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("document does not exist: %w", repository.ErrNotFound)
		}
		return err
	}
	return nil
}
