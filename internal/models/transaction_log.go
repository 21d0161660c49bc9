package models

import "time"

// ============================================
// 事务日志：一次原子多操作写入的记录
// 对应 transaction_log 表，事务开始时创建，提交/失败时终结
// ============================================

// TransactionStatus 事务状态
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
)

// TransactionLogEntry 事务日志条目（对应 transaction_log 表）
type TransactionLogEntry struct {
	TransactionID string            `json:"transaction_id" db:"transaction_id"`
	Status        TransactionStatus `json:"status" db:"status"`
	Operations    []LoggedOperation `json:"operations" db:"operations"` // JSONB
	Rollback      *RollbackInfo     `json:"rollback,omitempty" db:"rollback_info"` // JSONB
	ExecutionMS   int64             `json:"execution_ms" db:"execution_ms"`
	StartedAt     time.Time         `json:"started_at" db:"started_at"`
	FinishedAt    *time.Time        `json:"finished_at,omitempty" db:"finished_at"`
	Error         *string           `json:"error,omitempty" db:"error"`
}

// LoggedOperation 事务内单个操作的记录（JSONB 结构）
type LoggedOperation struct {
	Collection string `json:"collection"`
	DocumentID string `json:"document_id"`
	Operation  string `json:"operation"` // set, update, delete
}

// RollbackInfo 补偿信息（JSONB 结构）
// 自动补偿只覆盖 set 操作（反向删除）；
// update/delete 无先前值快照，标记为需人工复核——已知限制
type RollbackInfo struct {
	Strategy        string            `json:"strategy"` // automatic, manual
	Compensated     []LoggedOperation `json:"compensated,omitempty"`
	ManualReview    []LoggedOperation `json:"manual_review,omitempty"`
	CompensatedAt   *time.Time        `json:"compensated_at,omitempty"`
}
