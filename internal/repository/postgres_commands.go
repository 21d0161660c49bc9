package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"wisefido-medication/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresCommandsRepository 用药指令仓库（PostgreSQL 实现）
type PostgresCommandsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresCommandsRepository 创建用药指令仓库
func NewPostgresCommandsRepository(db *sql.DB, logger *zap.Logger) *PostgresCommandsRepository {
	return &PostgresCommandsRepository{
		db:     db,
		logger: logger,
	}
}

const commandColumns = `
	command_id,
	patient_id,
	medication_name,
	frequency,
	medication,
	schedule,
	reminders,
	grace_period,
	status_detail,
	is_active,
	is_prn,
	version,
	checksum,
	created_at,
	created_by,
	updated_at,
	updated_by
`

// GetCommand 根据 command_id 获取单条指令
func (r *PostgresCommandsRepository) GetCommand(ctx context.Context, commandID string) (*models.MedicationCommand, error) {
	if commandID == "" {
		return nil, fmt.Errorf("command_id is required")
	}

	query := `SELECT ` + commandColumns + ` FROM medication_commands WHERE command_id = $1`

	row := r.db.QueryRowContext(ctx, query, commandID)
	cmd, err := scanCommand(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("medication command %s: %w", commandID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get medication command: %w", err)
	}
	return cmd, nil
}

// CreateCommand 插入新指令
// 不变量：每个 medication id 只存在一条指令；主键冲突映射为 ErrConflict
func (r *PostgresCommandsRepository) CreateCommand(ctx context.Context, cmd *models.MedicationCommand) error {
	medication, err := marshalJSONB(cmd.Medication)
	if err != nil {
		return fmt.Errorf("failed to marshal medication: %w", err)
	}
	schedule, err := marshalJSONB(cmd.Schedule)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule: %w", err)
	}
	reminders, err := marshalJSONB(cmd.Reminders)
	if err != nil {
		return fmt.Errorf("failed to marshal reminders: %w", err)
	}
	gracePeriod, err := marshalJSONB(cmd.GracePeriod)
	if err != nil {
		return fmt.Errorf("failed to marshal grace_period: %w", err)
	}
	statusDetail, err := marshalJSONB(cmd.Status)
	if err != nil {
		return fmt.Errorf("failed to marshal status_detail: %w", err)
	}

	query := `
		INSERT INTO medication_commands (` + commandColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	_, err = r.db.ExecContext(ctx, query,
		cmd.CommandID,
		cmd.PatientID,
		cmd.MedicationName,
		string(cmd.Frequency),
		medication,
		schedule,
		reminders,
		gracePeriod,
		statusDetail,
		cmd.IsActive,
		cmd.IsPRN,
		cmd.Version,
		cmd.Checksum,
		cmd.CreatedAt,
		cmd.CreatedBy,
		cmd.UpdatedAt,
		cmd.UpdatedBy,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("medication command %s already exists: %w", cmd.CommandID, ErrConflict)
		}
		return fmt.Errorf("failed to create medication command: %w", err)
	}
	return nil
}

// UpdateCommand 整条覆盖写入（乐观并发控制）
// WHERE version = expectedVersion 保证并发更新只有一个成功
func (r *PostgresCommandsRepository) UpdateCommand(ctx context.Context, cmd *models.MedicationCommand, expectedVersion int) error {
	medication, err := marshalJSONB(cmd.Medication)
	if err != nil {
		return fmt.Errorf("failed to marshal medication: %w", err)
	}
	schedule, err := marshalJSONB(cmd.Schedule)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule: %w", err)
	}
	reminders, err := marshalJSONB(cmd.Reminders)
	if err != nil {
		return fmt.Errorf("failed to marshal reminders: %w", err)
	}
	gracePeriod, err := marshalJSONB(cmd.GracePeriod)
	if err != nil {
		return fmt.Errorf("failed to marshal grace_period: %w", err)
	}
	statusDetail, err := marshalJSONB(cmd.Status)
	if err != nil {
		return fmt.Errorf("failed to marshal status_detail: %w", err)
	}

	query := `
		UPDATE medication_commands SET
			medication_name = $1,
			frequency = $2,
			medication = $3,
			schedule = $4,
			reminders = $5,
			grace_period = $6,
			status_detail = $7,
			is_active = $8,
			is_prn = $9,
			version = $10,
			checksum = $11,
			updated_at = $12,
			updated_by = $13
		WHERE command_id = $14 AND version = $15
	`

	result, err := r.db.ExecContext(ctx, query,
		cmd.MedicationName,
		string(cmd.Frequency),
		medication,
		schedule,
		reminders,
		gracePeriod,
		statusDetail,
		cmd.IsActive,
		cmd.IsPRN,
		cmd.Version,
		cmd.Checksum,
		cmd.UpdatedAt,
		cmd.UpdatedBy,
		cmd.CommandID,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update medication command: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		// 指令不存在，或版本已被并发更新
		return fmt.Errorf("medication command %s version %d: %w", cmd.CommandID, expectedVersion, ErrConflict)
	}
	return nil
}

// QueryCommands 过滤查询 + 排序
// 多条件组合时只下推 patient_id 到 SQL，其余条件和排序在内存完成，
// 避免依赖多字段复合索引（硬性运维约束，非优化）
func (r *PostgresCommandsRepository) QueryCommands(ctx context.Context, filters CommandFilters, orderBy CommandOrderBy, descending bool) ([]*models.MedicationCommand, error) {
	query := `SELECT ` + commandColumns + ` FROM medication_commands`
	args := []any{}
	if filters.PatientID != nil {
		query += ` WHERE patient_id = $1`
		args = append(args, *filters.PatientID)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query medication commands: %w", err)
	}
	defer rows.Close()

	var commands []*models.MedicationCommand
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan medication command: %w", err)
		}
		commands = append(commands, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate medication commands: %w", err)
	}

	filtered := filterCommandsInMemory(commands, filters)
	sortCommands(filtered, orderBy, descending)
	return filtered, nil
}

// ListActiveNonPRN 漏服检测扫描入口
func (r *PostgresCommandsRepository) ListActiveNonPRN(ctx context.Context) ([]*models.MedicationCommand, error) {
	query := `SELECT ` + commandColumns + ` FROM medication_commands WHERE is_active = TRUE AND is_prn = FALSE`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active commands: %w", err)
	}
	defer rows.Close()

	var commands []*models.MedicationCommand
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan medication command: %w", err)
		}
		commands = append(commands, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate medication commands: %w", err)
	}
	return commands, nil
}

func (r *PostgresCommandsRepository) ListPatients(ctx context.Context) ([]string, error) {
	query := `SELECT DISTINCT patient_id FROM medication_commands ORDER BY patient_id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list patients: %w", err)
	}
	defer rows.Close()

	var patients []string
	for rows.Next() {
		var patientID string
		if err := rows.Scan(&patientID); err != nil {
			return nil, fmt.Errorf("failed to scan patient id: %w", err)
		}
		patients = append(patients, patientID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate patient ids: %w", err)
	}
	return patients, nil
}

// rowScanner 兼容 *sql.Row 和 *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// scanCommand 从一行数据扫描出指令
func scanCommand(row rowScanner) (*models.MedicationCommand, error) {
	var cmd models.MedicationCommand
	var frequency string
	var medication, schedule, reminders, gracePeriod, statusDetail []byte

	err := row.Scan(
		&cmd.CommandID,
		&cmd.PatientID,
		&cmd.MedicationName,
		&frequency,
		&medication,
		&schedule,
		&reminders,
		&gracePeriod,
		&statusDetail,
		&cmd.IsActive,
		&cmd.IsPRN,
		&cmd.Version,
		&cmd.Checksum,
		&cmd.CreatedAt,
		&cmd.CreatedBy,
		&cmd.UpdatedAt,
		&cmd.UpdatedBy,
	)
	if err != nil {
		return nil, err
	}

	cmd.Frequency = models.MedicationFrequency(frequency)
	if err := unmarshalJSONB(medication, &cmd.Medication); err != nil {
		return nil, fmt.Errorf("failed to unmarshal medication: %w", err)
	}
	if err := unmarshalJSONB(schedule, &cmd.Schedule); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schedule: %w", err)
	}
	if err := unmarshalJSONB(reminders, &cmd.Reminders); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reminders: %w", err)
	}
	if err := unmarshalJSONB(gracePeriod, &cmd.GracePeriod); err != nil {
		return nil, fmt.Errorf("failed to unmarshal grace_period: %w", err)
	}
	if err := unmarshalJSONB(statusDetail, &cmd.Status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status_detail: %w", err)
	}
	return &cmd, nil
}

// filterCommandsInMemory 内存侧过滤（patient_id 已在 SQL 侧处理）
func filterCommandsInMemory(commands []*models.MedicationCommand, filters CommandFilters) []*models.MedicationCommand {
	out := make([]*models.MedicationCommand, 0, len(commands))
	for _, cmd := range commands {
		if filters.Status != nil && cmd.Status.Current != *filters.Status {
			continue
		}
		if filters.IsActive != nil && cmd.IsActive != *filters.IsActive {
			continue
		}
		if filters.IsPRN != nil && cmd.IsPRN != *filters.IsPRN {
			continue
		}
		if filters.MedicationName != nil &&
			models.NormalizeMedicationName(cmd.MedicationName) != models.NormalizeMedicationName(*filters.MedicationName) {
			continue
		}
		if filters.Frequency != nil && cmd.Frequency != *filters.Frequency {
			continue
		}
		out = append(out, cmd)
	}
	return out
}

// sortCommands 内存排序
func sortCommands(commands []*models.MedicationCommand, orderBy CommandOrderBy, descending bool) {
	less := func(i, j int) bool {
		switch orderBy {
		case OrderByCreatedAt:
			return commands[i].CreatedAt.Before(commands[j].CreatedAt)
		case OrderByUpdatedAt:
			return commands[i].UpdatedAt.Before(commands[j].UpdatedAt)
		default:
			return strings.ToLower(commands[i].MedicationName) < strings.ToLower(commands[j].MedicationName)
		}
	}
	if descending {
		sort.SliceStable(commands, func(i, j int) bool { return less(j, i) })
	} else {
		sort.SliceStable(commands, less)
	}
}
