package repository

import (
	"context"

	"wisefido-medication/internal/models"
)

// CommandFilters 指令查询过滤条件
// 多条件组合时由实现内存过滤/排序，不依赖多字段复合索引（硬性运维约束）
type CommandFilters struct {
	PatientID      *string
	Status         *models.CommandStatus
	IsActive       *bool
	IsPRN          *bool
	MedicationName *string // 归一化后精确匹配
	Frequency      *models.MedicationFrequency
}

// CommandOrderBy 排序字段
type CommandOrderBy string

const (
	OrderByName      CommandOrderBy = "medication_name"
	OrderByCreatedAt CommandOrderBy = "created_at"
	OrderByUpdatedAt CommandOrderBy = "updated_at"
)

// CommandsRepository 用药指令仓库
type CommandsRepository interface {
	// GetCommand 按 command_id 获取单条指令
	GetCommand(ctx context.Context, commandID string) (*models.MedicationCommand, error)
	// CreateCommand 插入新指令；command_id 已存在时返回 ErrConflict
	CreateCommand(ctx context.Context, cmd *models.MedicationCommand) error
	// UpdateCommand 整条覆盖写入（乐观并发：expectedVersion 不匹配返回 ErrConflict）
	UpdateCommand(ctx context.Context, cmd *models.MedicationCommand, expectedVersion int) error
	// QueryCommands 过滤查询 + 排序
	QueryCommands(ctx context.Context, filters CommandFilters, orderBy CommandOrderBy, descending bool) ([]*models.MedicationCommand, error)
	// ListActiveNonPRN 漏服检测扫描入口：所有 active 且非 PRN 的指令
	ListActiveNonPRN(ctx context.Context) ([]*models.MedicationCommand, error)
	// ListPatients 去重后的全部病人 ID（日终归档的枚举入口）
	ListPatients(ctx context.Context) ([]string, error)
}
