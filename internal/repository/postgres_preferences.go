package repository

import (
	"context"
	"database/sql"
	"fmt"

	"wisefido-medication/internal/models"

	"go.uber.org/zap"
)

// PostgresPreferencesRepository 病人时间偏好仓库（PostgreSQL 实现）
type PostgresPreferencesRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresPreferencesRepository 创建病人时间偏好仓库
func NewPostgresPreferencesRepository(db *sql.DB, logger *zap.Logger) *PostgresPreferencesRepository {
	return &PostgresPreferencesRepository{
		db:     db,
		logger: logger,
	}
}

// GetPreferences 根据 patient_id 获取时间偏好
func (r *PostgresPreferencesRepository) GetPreferences(ctx context.Context, patientID string) (*models.PatientTimePreferences, error) {
	if patientID == "" {
		return nil, fmt.Errorf("patient_id is required")
	}

	query := `
		SELECT patient_id, buckets, frequency_buckets, meal_times, lifestyle, timezone,
		       version, created_at, updated_at
		FROM patient_time_preferences
		WHERE patient_id = $1
	`

	var prefs models.PatientTimePreferences
	var buckets, frequencyBuckets, mealTimes []byte
	var lifestyle sql.NullString

	err := r.db.QueryRowContext(ctx, query, patientID).Scan(
		&prefs.PatientID,
		&buckets,
		&frequencyBuckets,
		&mealTimes,
		&lifestyle,
		&prefs.Timezone,
		&prefs.Version,
		&prefs.CreatedAt,
		&prefs.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("time preferences for patient %s: %w", patientID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get time preferences: %w", err)
	}

	if err := unmarshalJSONB(buckets, &prefs.Buckets); err != nil {
		return nil, fmt.Errorf("failed to unmarshal buckets: %w", err)
	}
	if err := unmarshalJSONB(frequencyBuckets, &prefs.FrequencyBuckets); err != nil {
		return nil, fmt.Errorf("failed to unmarshal frequency_buckets: %w", err)
	}
	if err := unmarshalJSONB(mealTimes, &prefs.MealTimes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal meal_times: %w", err)
	}
	if lifestyle.Valid {
		prefs.Lifestyle = lifestyle.String
	}
	return &prefs, nil
}

// SavePreferences 插入或覆盖写入（UPSERT）
func (r *PostgresPreferencesRepository) SavePreferences(ctx context.Context, prefs *models.PatientTimePreferences) error {
	buckets, err := marshalJSONB(prefs.Buckets)
	if err != nil {
		return fmt.Errorf("failed to marshal buckets: %w", err)
	}
	frequencyBuckets, err := marshalJSONB(prefs.FrequencyBuckets)
	if err != nil {
		return fmt.Errorf("failed to marshal frequency_buckets: %w", err)
	}
	mealTimes, err := marshalJSONB(prefs.MealTimes)
	if err != nil {
		return fmt.Errorf("failed to marshal meal_times: %w", err)
	}

	query := `
		INSERT INTO patient_time_preferences
			(patient_id, buckets, frequency_buckets, meal_times, lifestyle, timezone,
			 version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (patient_id) DO UPDATE SET
			buckets = EXCLUDED.buckets,
			frequency_buckets = EXCLUDED.frequency_buckets,
			meal_times = EXCLUDED.meal_times,
			lifestyle = EXCLUDED.lifestyle,
			timezone = EXCLUDED.timezone,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		prefs.PatientID,
		buckets,
		frequencyBuckets,
		mealTimes,
		nullableString(prefs.Lifestyle),
		prefs.Timezone,
		prefs.Version,
		prefs.CreatedAt,
		prefs.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save time preferences: %w", err)
	}
	return nil
}

// ListPatients 所有已有偏好记录的病人
func (r *PostgresPreferencesRepository) ListPatients(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT patient_id FROM patient_time_preferences ORDER BY patient_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list patients: %w", err)
	}
	defer rows.Close()

	var patients []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan patient_id: %w", err)
		}
		patients = append(patients, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate patients: %w", err)
	}
	return patients, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
