package service

import (
	"fmt"
	"strings"
	"time"

	"wisefido-medication/internal/models"
	"wisefido-medication/internal/schedule"
)

// ============================================
// 指令构建与校验
// 所有校验失败集中返回，不落任何写入
// ============================================

// 关键药物名单：命中即按 critical 分级（宽限期最短）
var criticalKeywords = []string{
	"insulin", "warfarin", "digoxin", "levothyroxine",
	"phenytoin", "lithium", "methotrexate", "clozapine",
	"nitroglycerin", "epinephrine",
}

// 维生素 / 保健品关键词：宽限期最宽松
var vitaminKeywords = []string{
	"vitamin", "multivitamin", "supplement", "fish oil", "omega",
	"calcium", "iron", "zinc", "magnesium", "probiotic",
}

// 各分级默认宽限期（分钟）
const (
	graceCriticalMinutes = 15
	graceStandardMinutes = 60
	graceVitaminMinutes  = 120
)

// ClassifyGracePeriod 按药名与频率推导宽限分级
func ClassifyGracePeriod(medicationName string, frequency models.MedicationFrequency) models.GracePeriodConfig {
	lower := strings.ToLower(medicationName)

	if frequency == models.FrequencyAsNeeded {
		return models.GracePeriodConfig{
			Classification: models.GracePRN,
			DefaultMinutes: 0,
		}
	}
	for _, kw := range criticalKeywords {
		if strings.Contains(lower, kw) {
			return models.GracePeriodConfig{
				Classification:    models.GraceCritical,
				DefaultMinutes:    graceCriticalMinutes,
				WeekendMultiplier: 1.0,
				HolidayMultiplier: 1.0,
			}
		}
	}
	for _, kw := range vitaminKeywords {
		if strings.Contains(lower, kw) {
			return models.GracePeriodConfig{
				Classification:    models.GraceVitamin,
				DefaultMinutes:    graceVitaminMinutes,
				WeekendMultiplier: 1.5,
				HolidayMultiplier: 2.0,
			}
		}
	}
	return models.GracePeriodConfig{
		Classification:    models.GraceStandard,
		DefaultMinutes:    graceStandardMinutes,
		WeekendMultiplier: 1.5,
		HolidayMultiplier: 2.0,
	}
}

// validateCreateRequest 集中收集所有校验错误
func validateCreateRequest(req *CreateMedicationRequest) []string {
	var errs []string

	if strings.TrimSpace(req.PatientID) == "" {
		errs = append(errs, "patient_id is required")
	}
	if strings.TrimSpace(req.MedicationName) == "" {
		errs = append(errs, "medication_name is required")
	}
	if !req.Frequency.IsValid() {
		errs = append(errs, fmt.Sprintf("invalid frequency: %s", req.Frequency))
	}

	// 显式时刻：逐个校验 HH:MM 且数量与频率匹配
	if len(req.Times) > 0 {
		for _, t := range req.Times {
			if !schedule.IsClockTime(t) {
				errs = append(errs, fmt.Sprintf("invalid time format: %q (expected HH:MM)", t))
			}
		}
		if expected := req.Frequency.DosesPerDay(); expected > 0 && len(req.Times) != expected {
			errs = append(errs, fmt.Sprintf("frequency %s expects %d times, got %d",
				req.Frequency, expected, len(req.Times)))
		}
	} else if req.Flexible == nil && !req.UsePatientTimePreferences &&
		req.Frequency != models.FrequencyAsNeeded {
		errs = append(errs, "schedule times are required: provide times, flexible config, or enable patient time preferences")
	}

	for bucket, t := range req.TimeOverrides {
		if !models.IsKnownBucket(bucket) {
			errs = append(errs, fmt.Sprintf("unknown time bucket in overrides: %q", bucket))
		}
		if !schedule.IsClockTime(t) {
			errs = append(errs, fmt.Sprintf("invalid override time for %s: %q", bucket, t))
		}
	}

	for _, d := range req.DaysOfWeek {
		if d < 0 || d > 6 {
			errs = append(errs, fmt.Sprintf("day_of_week out of range: %d", d))
		}
	}
	for _, d := range req.DaysOfMonth {
		if d < 1 || d > 31 {
			errs = append(errs, fmt.Sprintf("day_of_month out of range: %d", d))
		}
	}
	if req.StartDate != nil && req.EndDate != nil && req.EndDate.Before(*req.StartDate) {
		errs = append(errs, "end_date must not be before start_date")
	}
	if req.Flexible != nil && req.Flexible.Method == "" {
		errs = append(errs, "flexible config requires a method")
	}
	return errs
}

// buildCommand 将请求装配为一条完整指令（含派生字段与校验和）
func buildCommand(req *CreateMedicationRequest, resolved []schedule.ScheduledTime, now time.Time) *models.MedicationCommand {
	timingType := models.TimingAbsolute
	times := req.Times
	var buckets []string
	if len(times) == 0 && len(resolved) > 0 {
		timingType = models.TimingBucket
		for _, st := range resolved {
			times = append(times, st.Time)
			if st.Bucket != "" {
				buckets = append(buckets, st.Bucket)
			}
		}
	}

	cmd := &models.MedicationCommand{
		CommandID:      models.DeriveCommandID(req.PatientID, req.MedicationName),
		PatientID:      req.PatientID,
		MedicationName: req.MedicationName,
		Frequency:      req.Frequency,
		Medication:     req.Medication,
		Schedule: models.CommandSchedule{
			TimingType:                timingType,
			Times:                     times,
			TimeBuckets:               buckets,
			DaysOfWeek:                req.DaysOfWeek,
			DaysOfMonth:               req.DaysOfMonth,
			StartDate:                 req.StartDate,
			EndDate:                   req.EndDate,
			Flexible:                  req.Flexible,
			UsePatientTimePreferences: timingType == models.TimingBucket,
		},
		Reminders:   req.Reminders,
		GracePeriod: ClassifyGracePeriod(req.MedicationName, req.Frequency),
		Status: models.CommandStatusInfo{
			Current:   models.StatusActive,
			ChangedAt: now,
			ChangedBy: req.Actor,
		},
		Version:   1,
		CreatedAt: now,
		CreatedBy: req.Actor,
		UpdatedAt: now,
		UpdatedBy: req.Actor,
	}
	cmd.SyncDerivedStatus()
	cmd.Checksum = cmd.ComputeChecksum()
	return cmd
}
