package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ============================================
// 用药指令（Command）：一条处方药的权威可变状态
// 对应 medication_commands 表
// ============================================

// MedicationFrequency 用药频率
type MedicationFrequency string

const (
	FrequencyOnceDaily       MedicationFrequency = "once_daily"
	FrequencyTwiceDaily      MedicationFrequency = "twice_daily"
	FrequencyThreeTimesDaily MedicationFrequency = "three_times_daily"
	FrequencyFourTimesDaily  MedicationFrequency = "four_times_daily"
	FrequencyEveryOtherDay   MedicationFrequency = "every_other_day"
	FrequencyWeekly          MedicationFrequency = "weekly"
	FrequencyMonthly         MedicationFrequency = "monthly"
	FrequencyAsNeeded        MedicationFrequency = "as_needed" // PRN
)

// CommandStatus 指令状态
type CommandStatus string

const (
	StatusActive       CommandStatus = "active"
	StatusPaused       CommandStatus = "paused"
	StatusHeld         CommandStatus = "held"
	StatusDiscontinued CommandStatus = "discontinued"
	StatusCompleted    CommandStatus = "completed"
)

// GraceClassification 宽限期分类
type GraceClassification string

const (
	GraceCritical GraceClassification = "critical"
	GraceStandard GraceClassification = "standard"
	GraceVitamin  GraceClassification = "vitamin"
	GracePRN      GraceClassification = "prn"
)

// TimingType 给药时间类型
type TimingType string

const (
	TimingAbsolute TimingType = "absolute" // 绝对时钟时间
	TimingBucket   TimingType = "bucket"   // 从时间桶推导
)

// MedicationCommand 用药指令（对应 medication_commands 表）
// 每个 (patient_id, medication_name) 只存在一条指令，版本单调递增
type MedicationCommand struct {
	CommandID      string              `json:"command_id" db:"command_id"`
	PatientID      string              `json:"patient_id" db:"patient_id"`
	MedicationName string              `json:"medication_name" db:"medication_name"`
	Frequency      MedicationFrequency `json:"frequency" db:"frequency"`

	Medication  MedicationDetails `json:"medication" db:"medication"`    // JSONB
	Schedule    CommandSchedule   `json:"schedule" db:"schedule"`        // JSONB
	Reminders   ReminderSettings  `json:"reminders" db:"reminders"`      // JSONB
	GracePeriod GracePeriodConfig `json:"grace_period" db:"grace_period"` // JSONB
	Status      CommandStatusInfo `json:"status" db:"status_detail"`     // JSONB

	// 状态派生字段（与 Status.Current / Frequency 始终一致）
	IsActive bool `json:"is_active" db:"is_active"`
	IsPRN    bool `json:"is_prn" db:"is_prn"`

	Version   int       `json:"version" db:"version"`
	Checksum  string    `json:"checksum" db:"checksum"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	CreatedBy string    `json:"created_by" db:"created_by"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
	UpdatedBy string    `json:"updated_by" db:"updated_by"`
}

// MedicationDetails 药品事实（JSONB 结构）
type MedicationDetails struct {
	Strength     string `json:"strength,omitempty"`      // 如 "500mg"
	Form         string `json:"form,omitempty"`          // tablet, capsule, liquid...
	Route        string `json:"route,omitempty"`         // oral, topical...
	Prescriber   string `json:"prescriber,omitempty"`
	RxNumber     string `json:"rx_number,omitempty"`
	Pharmacy     string `json:"pharmacy,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// CommandSchedule 给药计划（JSONB 结构）
type CommandSchedule struct {
	Times       []string    `json:"times"`                  // 具体时刻 "HH:MM"，见 schedule 包
	TimeBuckets []string    `json:"time_buckets,omitempty"` // 每个时刻所属的时间桶
	TimingType  TimingType  `json:"timing_type"`
	DaysOfWeek  []int       `json:"days_of_week,omitempty"`  // 0=周日
	DaysOfMonth []int       `json:"days_of_month,omitempty"` // 1-31
	StartDate   *time.Time  `json:"start_date,omitempty"`
	EndDate     *time.Time  `json:"end_date,omitempty"`
	Flexible    *FlexibleScheduleConfig `json:"flexible,omitempty"`
	UsePatientTimePreferences bool `json:"use_patient_time_preferences,omitempty"`
}

// FlexibleScheduleMethod 灵活排程方式
type FlexibleScheduleMethod string

const (
	FlexibleTimeBuckets   FlexibleScheduleMethod = "time_buckets"
	FlexibleSpecificTimes FlexibleScheduleMethod = "specific_times"
	FlexibleIntervalBased FlexibleScheduleMethod = "interval_based"
	FlexibleMealRelative  FlexibleScheduleMethod = "meal_relative"
)

// FlexibleScheduleConfig 灵活排程配置（JSONB 结构）
type FlexibleScheduleConfig struct {
	Method FlexibleScheduleMethod `json:"method"`

	// method == time_buckets
	Buckets     []string          `json:"buckets,omitempty"`
	CustomTimes map[string]string `json:"custom_times,omitempty"` // bucket -> "HH:MM" 覆盖

	// method == specific_times
	SpecificTimes []string `json:"specific_times,omitempty"`

	// method == interval_based
	StartTime      string `json:"start_time,omitempty"` // "HH:MM"
	EndTime        string `json:"end_time,omitempty"`
	IntervalHours  int    `json:"interval_hours,omitempty"`
	MaxDosesPerDay int    `json:"max_doses_per_day,omitempty"`

	// method == meal_relative
	Meal          string `json:"meal,omitempty"`           // breakfast, lunch, dinner
	OffsetMinutes int    `json:"offset_minutes,omitempty"` // 负数 = 餐前
	FallbackTime  string `json:"fallback_time,omitempty"`  // 无用餐时间记录时使用
}

// ReminderSettings 提醒配置（JSONB 结构）
type ReminderSettings struct {
	Enabled          bool     `json:"enabled"`
	LeadTimesMinutes []int    `json:"lead_times_minutes,omitempty"`
	Methods          []string `json:"methods,omitempty"` // push, sms, email
	QuietHoursStart  string   `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd    string   `json:"quiet_hours_end,omitempty"`
	// EscalationContacts 关键药物漏服时额外通知的照护人 ID
	EscalationContacts []string `json:"escalation_contacts,omitempty"`
}

// GracePeriodConfig 宽限期配置（JSONB 结构）
type GracePeriodConfig struct {
	Classification     GraceClassification `json:"classification"`
	DefaultMinutes     int                 `json:"default_minutes"`
	WeekendMultiplier  float64             `json:"weekend_multiplier,omitempty"`
	HolidayMultiplier  float64             `json:"holiday_multiplier,omitempty"`
}

// CommandStatusInfo 状态明细（JSONB 结构）
type CommandStatusInfo struct {
	Current           CommandStatus `json:"current"`
	ChangedAt         time.Time     `json:"changed_at"`
	ChangedBy         string        `json:"changed_by"`
	PausedUntil       *time.Time    `json:"paused_until,omitempty"`
	HoldReason        *string       `json:"hold_reason,omitempty"`
	DiscontinueReason *string       `json:"discontinue_reason,omitempty"`
	DiscontinueDate   *time.Time    `json:"discontinue_date,omitempty"`
}

var nameSlugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeMedicationName 归一化药品名（用于去重告警和 ID 推导）
func NormalizeMedicationName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = nameSlugPattern.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}

// DeriveCommandID 由 patient_id + 药品名推导指令 ID（确定性）
func DeriveCommandID(patientID, medicationName string) string {
	return fmt.Sprintf("med_%s_%s", patientID, NormalizeMedicationName(medicationName))
}

// ComputeChecksum 计算完整性校验和（对业务字段整体做 SHA-256）
func (c *MedicationCommand) ComputeChecksum() string {
	payload := struct {
		CommandID      string              `json:"command_id"`
		PatientID      string              `json:"patient_id"`
		MedicationName string              `json:"medication_name"`
		Frequency      MedicationFrequency `json:"frequency"`
		Medication     MedicationDetails   `json:"medication"`
		Schedule       CommandSchedule     `json:"schedule"`
		GracePeriod    GracePeriodConfig   `json:"grace_period"`
		Status         CommandStatus       `json:"status"`
		Version        int                 `json:"version"`
	}{
		c.CommandID, c.PatientID, c.MedicationName, c.Frequency,
		c.Medication, c.Schedule, c.GracePeriod, c.Status.Current, c.Version,
	}
	raw, _ := json.Marshal(payload)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// SyncDerivedStatus 同步派生状态字段
// 不变量：IsActive / IsPRN 始终由 Status.Current 和 Frequency 推导
func (c *MedicationCommand) SyncDerivedStatus() {
	c.IsActive = c.Status.Current == StatusActive
	c.IsPRN = c.Frequency == FrequencyAsNeeded
}

// IsValid 判断频率取值是否合法
func (f MedicationFrequency) IsValid() bool {
	switch f {
	case FrequencyOnceDaily, FrequencyTwiceDaily, FrequencyThreeTimesDaily,
		FrequencyFourTimesDaily, FrequencyEveryOtherDay, FrequencyWeekly,
		FrequencyMonthly, FrequencyAsNeeded:
		return true
	}
	return false
}

// DosesPerDay 按频率返回每日剂次（PRN 返回 0）
func (f MedicationFrequency) DosesPerDay() int {
	switch f {
	case FrequencyOnceDaily, FrequencyEveryOtherDay, FrequencyWeekly, FrequencyMonthly:
		return 1
	case FrequencyTwiceDaily:
		return 2
	case FrequencyThreeTimesDaily:
		return 3
	case FrequencyFourTimesDaily:
		return 4
	default:
		return 0
	}
}
