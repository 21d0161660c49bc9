package repository

import (
	"context"
	"sync"

	"wisefido-medication/internal/models"
)

// TxLogRepository 事务日志仓库
// 事务开始时创建条目，提交/失败时终结；驱动补偿与人工复核
type TxLogRepository interface {
	// CreateEntry 记录事务开始（status = pending）
	CreateEntry(ctx context.Context, entry *models.TransactionLogEntry) error
	// FinalizeEntry 终结事务（completed / failed + 补偿信息）
	FinalizeEntry(ctx context.Context, entry *models.TransactionLogEntry) error
	// GetEntry 按 transaction_id 获取
	GetEntry(ctx context.Context, transactionID string) (*models.TransactionLogEntry, error)
}

// MemoryTxLogRepo backs tests and database-less runs.
type MemoryTxLogRepo struct {
	mu      sync.RWMutex
	entries map[string]models.TransactionLogEntry
}

func NewMemoryTxLogRepo() *MemoryTxLogRepo {
	return &MemoryTxLogRepo{entries: map[string]models.TransactionLogEntry{}}
}

func (r *MemoryTxLogRepo) CreateEntry(_ context.Context, entry *models.TransactionLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.TransactionID] = *entry
	return nil
}

func (r *MemoryTxLogRepo) FinalizeEntry(_ context.Context, entry *models.TransactionLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.TransactionID] = *entry
	return nil
}

// Entries returns a copy of all logged entries for assertions in tests.
func (r *MemoryTxLogRepo) Entries() []*models.TransactionLogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.TransactionLogEntry, 0, len(r.entries))
	for id := range r.entries {
		entry := r.entries[id]
		out = append(out, &entry)
	}
	return out
}

func (r *MemoryTxLogRepo) GetEntry(_ context.Context, transactionID string) (*models.TransactionLogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[transactionID]
	if !ok {
		return nil, ErrNotFound
	}
	out := entry
	return &out, nil
}
