package models

import "time"

// ============================================
// 病人时间偏好：四个时间桶 + 频率映射 + 用餐时间
// 对应 patient_time_preferences 表
// ============================================

// 时间桶名称
const (
	BucketMorning   = "morning"
	BucketLunch     = "lunch"
	BucketEvening   = "evening"
	BucketBeforeBed = "before_bed"
)

// BucketNames 固定的四个时间桶（按一天内顺序）
var BucketNames = []string{BucketMorning, BucketLunch, BucketEvening, BucketBeforeBed}

// IsKnownBucket 判断桶名是否为四个固定桶之一
func IsKnownBucket(name string) bool {
	for _, b := range BucketNames {
		if b == name {
			return true
		}
	}
	return false
}

// TimeBucket 单个时间桶配置
type TimeBucket struct {
	Default  string `json:"default"`  // "HH:MM"
	Earliest string `json:"earliest"` // "HH:MM"
	Latest   string `json:"latest"`   // "HH:MM"；Earliest > Latest 表示跨午夜
}

// PatientTimePreferences 病人时间偏好（对应 patient_time_preferences 表）
// 首次使用时按默认值惰性创建，由病人更新，版本递增
type PatientTimePreferences struct {
	PatientID string                `json:"patient_id" db:"patient_id"`
	Buckets   map[string]TimeBucket `json:"buckets" db:"buckets"`           // JSONB
	FrequencyBuckets map[MedicationFrequency][]string `json:"frequency_buckets" db:"frequency_buckets"` // JSONB
	MealTimes map[string]string     `json:"meal_times,omitempty" db:"meal_times"` // JSONB: breakfast/lunch/dinner -> "HH:MM"
	Lifestyle string                `json:"lifestyle,omitempty" db:"lifestyle"`   // 如 "night_shift"，可缺省由启发式推断
	Timezone  string                `json:"timezone" db:"timezone"`               // IANA 时区
	Version   int                   `json:"version" db:"version"`
	CreatedAt time.Time             `json:"created_at" db:"created_at"`
	UpdatedAt time.Time             `json:"updated_at" db:"updated_at"`
}

// DefaultTimePreferences 结构性默认偏好
func DefaultTimePreferences(patientID string) *PatientTimePreferences {
	now := time.Now().UTC()
	return &PatientTimePreferences{
		PatientID: patientID,
		Buckets: map[string]TimeBucket{
			BucketMorning:   {Default: "08:00", Earliest: "06:00", Latest: "10:00"},
			BucketLunch:     {Default: "12:00", Earliest: "11:00", Latest: "14:00"},
			BucketEvening:   {Default: "18:00", Earliest: "17:00", Latest: "20:00"},
			BucketBeforeBed: {Default: "22:00", Earliest: "21:00", Latest: "23:59"},
		},
		FrequencyBuckets: map[MedicationFrequency][]string{
			FrequencyOnceDaily:       {BucketMorning},
			FrequencyTwiceDaily:      {BucketMorning, BucketEvening},
			FrequencyThreeTimesDaily: {BucketMorning, BucketLunch, BucketEvening},
			FrequencyFourTimesDaily:  {BucketMorning, BucketLunch, BucketEvening, BucketBeforeBed},
			FrequencyEveryOtherDay:   {BucketMorning},
			FrequencyWeekly:          {BucketMorning},
			FrequencyMonthly:         {BucketMorning},
		},
		Timezone:  "America/New_York",
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
