package schedule

import (
	"fmt"

	"wisefido-medication/internal/models"
)

// IssueSeverity 校验问题级别
type IssueSeverity string

const (
	SeverityError   IssueSeverity = "error"
	SeverityWarning IssueSeverity = "warning"
)

// ValidationIssue 单条校验问题
type ValidationIssue struct {
	Bucket   string        `json:"bucket,omitempty"`
	Field    string        `json:"field,omitempty"`
	Severity IssueSeverity `json:"severity"`
	Message  string        `json:"message"`
}

// ValidationResult 校验结果（Valid = 无 error 级问题）
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Issues []ValidationIssue `json:"issues,omitempty"`
}

func (r *ValidationResult) add(bucket, field string, severity IssueSeverity, format string, args ...any) {
	r.Issues = append(r.Issues, ValidationIssue{
		Bucket:   bucket,
		Field:    field,
		Severity: severity,
		Message:  fmt.Sprintf(format, args...),
	})
	if severity == SeverityError {
		r.Valid = false
	}
}

// ValidateTimeBuckets 校验时间桶配置
// 规则：
//  1. 所有时间必须为格式正确的 HH:MM
//  2. 桶默认时间必须落在 [earliest, latest] 内；earliest > latest 视为跨午夜，
//     成员判定为 time >= earliest OR time <= latest
//  3. 夜班作息下晚间桶默认禁止 02:00：02:00 在跨午夜的 23:00–02:00 范围内有歧义，
//     该配置必须默认 00:00；夜班其他桶默认 02:00 至少给出警告
//
// 夜班启发式：晨桶默认落在 14:00–18:00，或晚间范围跨午夜
func ValidateTimeBuckets(prefs *models.PatientTimePreferences) *ValidationResult {
	result := &ValidationResult{Valid: true}
	nightShift := IsNightShift(prefs)

	for _, name := range models.BucketNames {
		bucket, ok := prefs.Buckets[name]
		if !ok {
			result.add(name, "", SeverityError, "bucket %s is missing", name)
			continue
		}

		wellFormed := true
		for field, value := range map[string]string{
			"default":  bucket.Default,
			"earliest": bucket.Earliest,
			"latest":   bucket.Latest,
		} {
			if !IsClockTime(value) {
				result.add(name, field, SeverityError, "invalid clock time %q", value)
				wellFormed = false
			}
		}
		if !wellFormed {
			continue
		}

		def, _ := clockToMinutes(bucket.Default)
		earliest, _ := clockToMinutes(bucket.Earliest)
		latest, _ := clockToMinutes(bucket.Latest)
		if !inRange(def, earliest, latest) {
			result.add(name, "default", SeverityError,
				"default %s outside range [%s, %s]", bucket.Default, bucket.Earliest, bucket.Latest)
		}

		if nightShift && bucket.Default == "02:00" {
			if name == models.BucketEvening {
				result.add(name, "default", SeverityError,
					"evening bucket must not default to 02:00 for a night-shift profile; use 00:00")
			} else {
				result.add(name, "default", SeverityWarning,
					"bucket defaults to 02:00 under a night-shift profile")
			}
		}
	}
	return result
}

// IsNightShift 夜班作息启发式判定
func IsNightShift(prefs *models.PatientTimePreferences) bool {
	if prefs.Lifestyle == "night_shift" {
		return true
	}
	if morning, ok := prefs.Buckets[models.BucketMorning]; ok && IsClockTime(morning.Default) {
		def, _ := clockToMinutes(morning.Default)
		if def >= 14*60 && def <= 18*60 {
			return true
		}
	}
	if evening, ok := prefs.Buckets[models.BucketEvening]; ok &&
		IsClockTime(evening.Earliest) && IsClockTime(evening.Latest) {
		earliest, _ := clockToMinutes(evening.Earliest)
		latest, _ := clockToMinutes(evening.Latest)
		if earliest > latest {
			return true
		}
	}
	return false
}
