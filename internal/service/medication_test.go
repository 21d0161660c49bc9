package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wisefido-medication/internal/models"
	"wisefido-medication/internal/repository"
)

// 显式给 times 建药的病人走不到偏好懒建路径，没有偏好记录，
// 归档枚举必须同时覆盖指令表里的病人
func TestResetPatients_UnionOfCommandsAndPreferences(t *testing.T) {
	ctx := context.Background()
	commands := repository.NewMemoryCommandsRepo()
	prefs := repository.NewMemoryPreferencesRepo()

	// p1 只在指令表，p2 只在偏好表，p3 两边都有
	require.NoError(t, commands.CreateCommand(ctx, &models.MedicationCommand{
		CommandID: "med_p1_aspirin", PatientID: "p1", Version: 1,
	}))
	require.NoError(t, commands.CreateCommand(ctx, &models.MedicationCommand{
		CommandID: "med_p3_lisinopril", PatientID: "p3", Version: 1,
	}))
	require.NoError(t, prefs.SavePreferences(ctx, &models.PatientTimePreferences{PatientID: "p2"}))
	require.NoError(t, prefs.SavePreferences(ctx, &models.PatientTimePreferences{PatientID: "p3"}))

	svc := &MedicationService{
		commandsRepo: commands,
		prefsRepo:    prefs,
		logger:       zap.NewNop(),
	}

	patients, err := svc.resetPatients(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2", "p3"}, patients)
}
