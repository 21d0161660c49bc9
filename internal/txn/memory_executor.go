package txn

import (
	"context"
	"fmt"
	"sync"

	"wisefido-medication/internal/repository"
)

// MemoryExecutor is the in-memory atomic multi-write implementation used by
// tests. Operations are staged against a copy and swapped in on success, so
// a failing operation leaves the store untouched.
type MemoryExecutor struct {
	mu          sync.Mutex
	collections map[string]map[string]map[string]any // collection -> id -> row

	// FailOn, when set, makes the operation targeting this document id fail.
	// Used by tests to exercise compensation paths.
	FailOn string
}

func NewMemoryExecutor() *MemoryExecutor {
	return &MemoryExecutor{collections: map[string]map[string]map[string]any{}}
}

func (e *MemoryExecutor) Execute(_ context.Context, ops []Operation) error {
	if err := validateOps(ops); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	staged := e.snapshot()
	for i, op := range ops {
		if e.FailOn != "" && op.DocumentID == e.FailOn {
			return fmt.Errorf("operation %d (%s %s/%s): injected failure", i, op.Op, op.Collection, op.DocumentID)
		}
		rows := staged[op.Collection]
		if rows == nil {
			rows = map[string]map[string]any{}
			staged[op.Collection] = rows
		}
		switch op.Op {
		case OpSet:
			if _, exists := rows[op.DocumentID]; exists {
				return fmt.Errorf("operation %d (set %s/%s): %w", i, op.Collection, op.DocumentID, repository.ErrConflict)
			}
			rows[op.DocumentID] = copyRow(op.Data)
		case OpUpdate:
			row, exists := rows[op.DocumentID]
			if !exists {
				return fmt.Errorf("operation %d (update %s/%s): %w", i, op.Collection, op.DocumentID, repository.ErrNotFound)
			}
			for col, val := range op.Data {
				row[col] = val
			}
		case OpDelete:
			if _, exists := rows[op.DocumentID]; !exists {
				return fmt.Errorf("operation %d (delete %s/%s): %w", i, op.Collection, op.DocumentID, repository.ErrNotFound)
			}
			delete(rows, op.DocumentID)
		}
	}

	e.collections = staged
	return nil
}

// GetRow returns a stored row for assertions in tests.
func (e *MemoryExecutor) GetRow(collection, documentID string) (map[string]any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rows, ok := e.collections[collection]
	if !ok {
		return nil, false
	}
	row, ok := rows[documentID]
	if !ok {
		return nil, false
	}
	return copyRow(row), true
}

func (e *MemoryExecutor) snapshot() map[string]map[string]map[string]any {
	out := make(map[string]map[string]map[string]any, len(e.collections))
	for collection, rows := range e.collections {
		copied := make(map[string]map[string]any, len(rows))
		for id, row := range rows {
			copied[id] = copyRow(row)
		}
		out[collection] = copied
	}
	return out
}

func copyRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for col, val := range row {
		out[col] = val
	}
	return out
}
