package repository

import (
	"context"

	"wisefido-medication/internal/models"
)

// SummariesRepository 每日汇总仓库
// 汇总创建后不可变：接口刻意不提供更新操作
type SummariesRepository interface {
	// GetSummary 按 (patient_id, date) 获取汇总；不存在返回 ErrNotFound
	GetSummary(ctx context.Context, patientID, date string) (*models.DailySummary, error)
	// CreateSummary 插入汇总；同一 (patient_id, date) 已存在时返回 ErrConflict
	CreateSummary(ctx context.Context, summary *models.DailySummary) error
	// ListSummaries 按病人列出区间内汇总（date 为 "YYYY-MM-DD"，闭区间）
	ListSummaries(ctx context.Context, patientID, fromDate, toDate string) ([]*models.DailySummary, error)
}
