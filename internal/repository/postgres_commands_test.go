package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wisefido-medication/internal/models"
)

func setupMockCommandsDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresCommandsRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewPostgresCommandsRepository(db, logger)

	return db, mock, repo
}

func commandRowColumns() []string {
	return []string{
		"command_id", "patient_id", "medication_name", "frequency",
		"medication", "schedule", "reminders", "grace_period", "status_detail",
		"is_active", "is_prn", "version", "checksum",
		"created_at", "created_by", "updated_at", "updated_by",
	}
}

// ============================================
// 基础 CRUD 操作测试
// ============================================

func TestGetCommand_Success(t *testing.T) {
	db, mock, repo := setupMockCommandsDB(t)
	defer db.Close()

	ctx := context.Background()
	commandID := "med_p1_metformin"
	now := time.Now()

	rows := sqlmock.NewRows(commandRowColumns()).AddRow(
		commandID, "p1", "Metformin", "twice_daily",
		`{"dosage": "500mg"}`,
		`{"timing_type": "absolute", "times": ["08:00", "18:00"]}`,
		`{"enabled": true}`,
		`{"classification": "standard", "default_minutes": 60}`,
		`{"current": "active"}`,
		true, false, 3, "abc123",
		now, "nurse1", now, "nurse1",
	)

	mock.ExpectQuery(`SELECT`).
		WithArgs(commandID).
		WillReturnRows(rows)

	cmd, err := repo.GetCommand(ctx, commandID)

	require.NoError(t, err)
	assert.Equal(t, commandID, cmd.CommandID)
	assert.Equal(t, "p1", cmd.PatientID)
	assert.Equal(t, models.FrequencyTwiceDaily, cmd.Frequency)
	assert.Equal(t, []string{"08:00", "18:00"}, cmd.Schedule.Times)
	assert.Equal(t, models.GraceStandard, cmd.GracePeriod.Classification)
	assert.Equal(t, models.StatusActive, cmd.Status.Current)
	assert.Equal(t, 3, cmd.Version)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCommand_NotFound(t *testing.T) {
	db, mock, repo := setupMockCommandsDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT`).
		WithArgs("med_p1_missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetCommand(context.Background(), "med_p1_missing")

	assert.True(t, IsNotFound(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateCommand_DuplicateMapsToConflict(t *testing.T) {
	db, mock, repo := setupMockCommandsDB(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO medication_commands`).
		WillReturnError(&pq.Error{Code: "23505"})

	cmd := &models.MedicationCommand{
		CommandID:      "med_p1_aspirin",
		PatientID:      "p1",
		MedicationName: "Aspirin",
		Frequency:      models.FrequencyOnceDaily,
		Version:        1,
	}
	err := repo.CreateCommand(context.Background(), cmd)

	assert.True(t, IsConflict(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateCommand_VersionConflict(t *testing.T) {
	db, mock, repo := setupMockCommandsDB(t)
	defer db.Close()

	// 版本不匹配：0 行受影响
	mock.ExpectExec(`UPDATE medication_commands`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	cmd := &models.MedicationCommand{
		CommandID: "med_p1_aspirin",
		Version:   5,
	}
	err := repo.UpdateCommand(context.Background(), cmd, 4)

	assert.True(t, IsConflict(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

// ============================================
// 内存过滤 / 排序测试（SQL 只下推 patient_id）
// ============================================

func TestQueryCommands_FiltersInMemory(t *testing.T) {
	db, mock, repo := setupMockCommandsDB(t)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows(commandRowColumns()).
		AddRow("med_p1_aspirin", "p1", "Aspirin", "once_daily",
			`{}`, `{"times":["08:00"]}`, `{}`,
			`{"classification":"standard","default_minutes":60}`,
			`{"current":"active"}`,
			true, false, 1, "c1", now, "u", now, "u").
		AddRow("med_p1_vitamin_d", "p1", "Vitamin D", "once_daily",
			`{}`, `{"times":["08:00"]}`, `{}`,
			`{"classification":"vitamin","default_minutes":120}`,
			`{"current":"paused"}`,
			false, false, 1, "c2", now, "u", now, "u")

	mock.ExpectQuery(`SELECT`).
		WithArgs("p1").
		WillReturnRows(rows)

	patientID := "p1"
	active := true
	out, err := repo.QueryCommands(context.Background(), CommandFilters{
		PatientID: &patientID,
		IsActive:  &active,
	}, OrderByName, false)

	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "med_p1_aspirin", out[0].CommandID)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSortCommands_ByNameCaseInsensitive(t *testing.T) {
	commands := []*models.MedicationCommand{
		{MedicationName: "warfarin"},
		{MedicationName: "Aspirin"},
		{MedicationName: "metformin"},
	}
	sortCommands(commands, OrderByName, false)

	assert.Equal(t, "Aspirin", commands[0].MedicationName)
	assert.Equal(t, "metformin", commands[1].MedicationName)
	assert.Equal(t, "warfarin", commands[2].MedicationName)
}
