package txn

import (
	"context"
	"fmt"

	"wisefido-medication/internal/repository"
)

// OpType 操作类型
type OpType string

const (
	OpSet    OpType = "set"    // 新文档创建
	OpUpdate OpType = "update" // 部分更新（事务内先校验存在）
	OpDelete OpType = "delete" // 删除（事务内先校验存在）
)

// Operation 原子写入单元中的一个操作
// Data 的键为列名；JSONB 字段由调用方预先序列化为 []byte
type Operation struct {
	Collection string
	DocumentID string
	Op         OpType
	Data       map[string]any
}

// Executor 原子多写接口（操作列表 → 提交）
// 实现要求：要么全部生效要么全部不生效；update/delete 在同一事务内
// 重新校验文档存在后才应用
type Executor interface {
	Execute(ctx context.Context, ops []Operation) error
}

// validateOps 通用操作校验
func validateOps(ops []Operation) error {
	if len(ops) == 0 {
		return fmt.Errorf("transaction requires at least one operation")
	}
	for i, op := range ops {
		if op.DocumentID == "" {
			return fmt.Errorf("operation %d: document_id is required", i)
		}
		if _, ok := repository.IDColumns[op.Collection]; !ok {
			return fmt.Errorf("operation %d: unknown collection %q", i, op.Collection)
		}
		switch op.Op {
		case OpSet, OpUpdate:
			if len(op.Data) == 0 {
				return fmt.Errorf("operation %d: %s requires data", i, op.Op)
			}
		case OpDelete:
		default:
			return fmt.Errorf("operation %d: unknown operation %q", i, op.Op)
		}
	}
	return nil
}
