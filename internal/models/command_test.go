package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// ============================================
// ID 推导 / 归一化测试
// ============================================

func TestNormalizeMedicationName(t *testing.T) {
	assert.Equal(t, "metformin", NormalizeMedicationName("Metformin"))
	assert.Equal(t, "metformin_500mg", NormalizeMedicationName("  Metformin 500mg "))
	assert.Equal(t, "vitamin_d3", NormalizeMedicationName("Vitamin D3"))
	assert.Equal(t, "aspirin", NormalizeMedicationName("ASPIRIN!!"))
}

func TestDeriveCommandID(t *testing.T) {
	id := DeriveCommandID("patient123", "Metformin 500mg")
	assert.Equal(t, "med_patient123_metformin_500mg", id)

	// 同病人同药名必须得到同一 ID（大小写 / 空白不敏感）
	assert.Equal(t, id, DeriveCommandID("patient123", "  METFORMIN 500MG "))
}

func TestDeriveEventID(t *testing.T) {
	at := time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC)
	id := DeriveEventID("med_p1_aspirin", EventDoseTaken, at)
	assert.Equal(t, "evt_med_p1_aspirin_dose_taken_1773561600000", id)

	// 同指令同类型同毫秒推导出同一 ID
	assert.Equal(t, id, DeriveEventID("med_p1_aspirin", EventDoseTaken, at))
	// 不同毫秒产生不同 ID
	assert.NotEqual(t, id, DeriveEventID("med_p1_aspirin", EventDoseTaken, at.Add(time.Millisecond)))
}

// ============================================
// 校验和 / 派生状态测试
// ============================================

func TestComputeChecksum_StableAndSensitive(t *testing.T) {
	cmd := &MedicationCommand{
		CommandID:      "med_p1_aspirin",
		PatientID:      "p1",
		MedicationName: "Aspirin",
		Frequency:      FrequencyOnceDaily,
		Schedule: CommandSchedule{
			TimingType: TimingAbsolute,
			Times:      []string{"08:00"},
		},
		Version: 1,
	}

	first := cmd.ComputeChecksum()
	assert.NotEmpty(t, first)
	// 业务字段不变时校验和稳定
	assert.Equal(t, first, cmd.ComputeChecksum())

	cmd.Schedule.Times = []string{"09:00"}
	assert.NotEqual(t, first, cmd.ComputeChecksum())
}

func TestSyncDerivedStatus(t *testing.T) {
	cmd := &MedicationCommand{
		Frequency: FrequencyAsNeeded,
		Status:    CommandStatusInfo{Current: StatusActive},
	}
	cmd.SyncDerivedStatus()
	assert.True(t, cmd.IsActive)
	assert.True(t, cmd.IsPRN)

	cmd.Status.Current = StatusPaused
	cmd.Frequency = FrequencyTwiceDaily
	cmd.SyncDerivedStatus()
	assert.False(t, cmd.IsActive)
	assert.False(t, cmd.IsPRN)
}

func TestFrequencyHelpers(t *testing.T) {
	assert.True(t, FrequencyTwiceDaily.IsValid())
	assert.True(t, FrequencyAsNeeded.IsValid())
	assert.False(t, MedicationFrequency("hourly").IsValid())

	assert.Equal(t, 1, FrequencyOnceDaily.DosesPerDay())
	assert.Equal(t, 3, FrequencyThreeTimesDaily.DosesPerDay())
	assert.Equal(t, 0, FrequencyAsNeeded.DosesPerDay())
}

func TestIsTakenVariant(t *testing.T) {
	assert.True(t, EventDoseTaken.IsTakenVariant())
	assert.True(t, EventDoseTakenPartial.IsTakenVariant())
	assert.True(t, EventDoseTakenAdjusted.IsTakenVariant())
	assert.False(t, EventDoseMissed.IsTakenVariant())
	assert.False(t, EventTakenUndone.IsTakenVariant())
}
