package repository

import (
	"context"
	"database/sql"
	"fmt"

	"wisefido-medication/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresSummariesRepository 每日汇总仓库（PostgreSQL 实现）
type PostgresSummariesRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresSummariesRepository 创建每日汇总仓库
func NewPostgresSummariesRepository(db *sql.DB, logger *zap.Logger) *PostgresSummariesRepository {
	return &PostgresSummariesRepository{
		db:     db,
		logger: logger,
	}
}

const summaryColumns = `
	summary_id,
	patient_id,
	date,
	timezone,
	stats,
	medications,
	event_ids,
	created_at,
	created_by
`

// GetSummary 按 (patient_id, date) 获取汇总
func (r *PostgresSummariesRepository) GetSummary(ctx context.Context, patientID, date string) (*models.DailySummary, error) {
	query := `SELECT ` + summaryColumns + ` FROM daily_summaries WHERE patient_id = $1 AND date = $2`

	row := r.db.QueryRowContext(ctx, query, patientID, date)
	summary, err := scanSummary(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("daily summary for patient %s on %s: %w", patientID, date, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get daily summary: %w", err)
	}
	return summary, nil
}

// CreateSummary 插入汇总；(patient_id, date) 唯一约束冲突映射为 ErrConflict
// 汇总创建后不可变，本仓库不提供更新操作
func (r *PostgresSummariesRepository) CreateSummary(ctx context.Context, summary *models.DailySummary) error {
	stats, err := marshalJSONB(summary.Stats)
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}
	medications, err := marshalJSONB(summary.Medications)
	if err != nil {
		return fmt.Errorf("failed to marshal medications: %w", err)
	}
	eventIDs, err := marshalJSONB(summary.EventIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal event_ids: %w", err)
	}

	query := `
		INSERT INTO daily_summaries (` + summaryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = r.db.ExecContext(ctx, query,
		summary.SummaryID,
		summary.PatientID,
		summary.Date,
		summary.Timezone,
		stats,
		medications,
		eventIDs,
		summary.CreatedAt,
		summary.CreatedBy,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("daily summary for patient %s on %s already exists: %w",
				summary.PatientID, summary.Date, ErrConflict)
		}
		return fmt.Errorf("failed to create daily summary: %w", err)
	}
	return nil
}

// ListSummaries 按病人列出区间内汇总
func (r *PostgresSummariesRepository) ListSummaries(ctx context.Context, patientID, fromDate, toDate string) ([]*models.DailySummary, error) {
	query := `SELECT ` + summaryColumns + `
		FROM daily_summaries
		WHERE patient_id = $1 AND date >= $2 AND date <= $3
		ORDER BY date ASC`

	rows, err := r.db.QueryContext(ctx, query, patientID, fromDate, toDate)
	if err != nil {
		return nil, fmt.Errorf("failed to list daily summaries: %w", err)
	}
	defer rows.Close()

	var summaries []*models.DailySummary
	for rows.Next() {
		summary, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan daily summary: %w", err)
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate daily summaries: %w", err)
	}
	return summaries, nil
}

// scanSummary 从一行数据扫描出汇总
func scanSummary(row rowScanner) (*models.DailySummary, error) {
	var summary models.DailySummary
	var stats, medications, eventIDs []byte

	err := row.Scan(
		&summary.SummaryID,
		&summary.PatientID,
		&summary.Date,
		&summary.Timezone,
		&stats,
		&medications,
		&eventIDs,
		&summary.CreatedAt,
		&summary.CreatedBy,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalJSONB(stats, &summary.Stats); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stats: %w", err)
	}
	if err := unmarshalJSONB(medications, &summary.Medications); err != nil {
		return nil, fmt.Errorf("failed to unmarshal medications: %w", err)
	}
	if err := unmarshalJSONB(eventIDs, &summary.EventIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event_ids: %w", err)
	}
	return &summary, nil
}
