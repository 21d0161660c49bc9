package repository

import "errors"

// 仓库层哨兵错误：上层用 errors.Is 区分错误类别（见错误分级设计）
var (
	// ErrNotFound 实体不存在
	ErrNotFound = errors.New("not found")
	// ErrConflict 前置条件在事务内失效（已存在/已撤销/状态已变）
	ErrConflict = errors.New("conflict")
)

// IsNotFound 是否为"实体不存在"类错误
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict 是否为"前置条件失效"类错误
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
