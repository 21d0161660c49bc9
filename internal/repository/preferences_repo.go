package repository

import (
	"context"

	"wisefido-medication/internal/models"
)

// PreferencesRepository 病人时间偏好仓库
type PreferencesRepository interface {
	// GetPreferences 获取偏好；不存在返回 ErrNotFound（惰性默认由上层处理）
	GetPreferences(ctx context.Context, patientID string) (*models.PatientTimePreferences, error)
	// SavePreferences 插入或覆盖写入（UPSERT），版本由调用方递增
	SavePreferences(ctx context.Context, prefs *models.PatientTimePreferences) error
	// ListPatients 所有已有偏好记录的病人（每日归档扫描入口）
	ListPatients(ctx context.Context) ([]string, error)
}
