package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"wisefido-medication/internal/models"
	"wisefido-medication/internal/repository"
	"wisefido-medication/internal/store"

	"go.uber.org/zap"
)

// ScheduledTime 一个具体给药时刻及其所属时间桶
type ScheduledTime struct {
	Time   string `json:"time"`             // "HH:MM"
	Bucket string `json:"bucket,omitempty"` // 空 = 非桶推导（verbatim / interval）
}

// Service 时间桶 / 排程服务
// 将频率 + 病人生活偏好解析为具体时钟时刻
type Service struct {
	prefsRepo repository.PreferencesRepository
	cache     store.KV
	keyPrefix string
	cacheTTL  time.Duration
	logger    *zap.Logger
}

// NewService 创建排程服务
func NewService(prefsRepo repository.PreferencesRepository, cache store.KV, keyPrefix string, cacheTTL time.Duration, logger *zap.Logger) *Service {
	return &Service{
		prefsRepo: prefsRepo,
		cache:     cache,
		keyPrefix: keyPrefix,
		cacheTTL:  cacheTTL,
		logger:    logger,
	}
}

// GetTimePreferences 获取病人时间偏好
// 缓存 → 仓库 → 结构性默认（首次使用惰性落库）
func (s *Service) GetTimePreferences(ctx context.Context, patientID string) (*models.PatientTimePreferences, error) {
	if patientID == "" {
		return nil, fmt.Errorf("patient_id is required")
	}

	cacheKey := s.keyPrefix + patientID
	if cached, err := s.cache.Get(ctx, cacheKey); err == nil {
		var prefs models.PatientTimePreferences
		if err := json.Unmarshal([]byte(cached), &prefs); err == nil {
			return &prefs, nil
		}
		// 缓存内容损坏则穿透到仓库
		s.logger.Warn("Corrupt preferences cache entry, falling through",
			zap.String("patient_id", patientID),
		)
	}

	prefs, err := s.prefsRepo.GetPreferences(ctx, patientID)
	if err != nil {
		if !repository.IsNotFound(err) {
			return nil, err
		}
		// 惰性创建默认偏好
		prefs = models.DefaultTimePreferences(patientID)
		if err := s.prefsRepo.SavePreferences(ctx, prefs); err != nil {
			return nil, fmt.Errorf("failed to save default preferences: %w", err)
		}
		s.logger.Info("Created default time preferences",
			zap.String("patient_id", patientID),
		)
	}

	s.cachePreferences(ctx, cacheKey, prefs)
	return prefs, nil
}

// UpdateTimePreferences 更新偏好：校验 → 版本递增 → 落库 → 缓存失效
func (s *Service) UpdateTimePreferences(ctx context.Context, prefs *models.PatientTimePreferences) (*ValidationResult, error) {
	if prefs.PatientID == "" {
		return nil, fmt.Errorf("patient_id is required")
	}

	validation := ValidateTimeBuckets(prefs)
	if !validation.Valid {
		return validation, nil
	}

	prefs.Version++
	prefs.UpdatedAt = time.Now().UTC()
	if err := s.prefsRepo.SavePreferences(ctx, prefs); err != nil {
		return nil, err
	}
	if err := s.cache.Delete(ctx, s.keyPrefix+prefs.PatientID); err != nil {
		s.logger.Warn("Failed to invalidate preferences cache",
			zap.String("patient_id", prefs.PatientID),
			zap.Error(err),
		)
	}
	return validation, nil
}

func (s *Service) cachePreferences(ctx context.Context, key string, prefs *models.PatientTimePreferences) {
	raw, err := json.Marshal(prefs)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, string(raw), s.cacheTTL); err != nil {
		s.logger.Warn("Failed to cache preferences", zap.Error(err))
	}
}

// ComputeSchedule 将频率 + 覆盖 + 灵活配置解析为具体给药时刻
// 解析顺序：有灵活配置按 method 分派；否则频率 → 桶列表 → 桶默认（或覆盖）
func (s *Service) ComputeSchedule(
	frequency models.MedicationFrequency,
	overrides map[string]string,
	flexible *models.FlexibleScheduleConfig,
	prefs *models.PatientTimePreferences,
) ([]ScheduledTime, error) {
	if flexible != nil {
		return computeFlexible(flexible, prefs)
	}

	buckets, ok := prefs.FrequencyBuckets[frequency]
	if !ok || len(buckets) == 0 {
		if frequency == models.FrequencyAsNeeded {
			// PRN 无固定排程
			return nil, nil
		}
		return nil, fmt.Errorf("no bucket mapping for frequency %q", frequency)
	}

	times := make([]ScheduledTime, 0, len(buckets))
	for _, bucket := range buckets {
		t := ""
		if override, ok := overrides[bucket]; ok {
			t = override
		} else if cfg, ok := prefs.Buckets[bucket]; ok {
			t = cfg.Default
		}
		if !IsClockTime(t) {
			return nil, fmt.Errorf("bucket %q resolves to invalid time %q", bucket, t)
		}
		times = append(times, ScheduledTime{Time: t, Bucket: bucket})
	}
	return times, nil
}

func computeFlexible(cfg *models.FlexibleScheduleConfig, prefs *models.PatientTimePreferences) ([]ScheduledTime, error) {
	switch cfg.Method {
	case models.FlexibleTimeBuckets:
		return computeBucketTimes(cfg, prefs)
	case models.FlexibleSpecificTimes:
		return computeSpecificTimes(cfg, prefs)
	case models.FlexibleIntervalBased:
		return computeIntervalTimes(cfg)
	case models.FlexibleMealRelative:
		return computeMealRelative(cfg, prefs)
	default:
		return nil, fmt.Errorf("unknown flexible scheduling method %q", cfg.Method)
	}
}

// computeBucketTimes 显式桶列表：优先自定义覆盖时间，其余取病人默认
func computeBucketTimes(cfg *models.FlexibleScheduleConfig, prefs *models.PatientTimePreferences) ([]ScheduledTime, error) {
	if len(cfg.Buckets) == 0 {
		return nil, fmt.Errorf("time_buckets method requires at least one bucket")
	}
	times := make([]ScheduledTime, 0, len(cfg.Buckets))
	for _, bucket := range cfg.Buckets {
		t := ""
		if custom, ok := cfg.CustomTimes[bucket]; ok {
			t = custom
		} else if bucketCfg, ok := prefs.Buckets[bucket]; ok {
			t = bucketCfg.Default
		} else {
			return nil, fmt.Errorf("unknown time bucket %q", bucket)
		}
		if !IsClockTime(t) {
			return nil, fmt.Errorf("bucket %q resolves to invalid time %q", bucket, t)
		}
		times = append(times, ScheduledTime{Time: t, Bucket: bucket})
	}
	return times, nil
}

// computeSpecificTimes 显式时刻照单全收，桶标签按偏好范围反推
func computeSpecificTimes(cfg *models.FlexibleScheduleConfig, prefs *models.PatientTimePreferences) ([]ScheduledTime, error) {
	if len(cfg.SpecificTimes) == 0 {
		return nil, fmt.Errorf("specific_times method requires at least one time")
	}
	times := make([]ScheduledTime, 0, len(cfg.SpecificTimes))
	for _, t := range cfg.SpecificTimes {
		if !IsClockTime(t) {
			return nil, fmt.Errorf("invalid clock time %q", t)
		}
		times = append(times, ScheduledTime{Time: t, Bucket: BucketForTime(t, prefs)})
	}
	return times, nil
}

// computeIntervalTimes 从 StartTime 起按 IntervalHours 递增，
// 到 EndTime 或 MaxDosesPerDay 为止
func computeIntervalTimes(cfg *models.FlexibleScheduleConfig) ([]ScheduledTime, error) {
	if cfg.IntervalHours <= 0 {
		return nil, fmt.Errorf("interval_based method requires interval_hours > 0")
	}
	start, err := clockToMinutes(cfg.StartTime)
	if err != nil {
		return nil, fmt.Errorf("interval_based start_time: %w", err)
	}
	end := 24 * 60
	if cfg.EndTime != "" {
		end, err = clockToMinutes(cfg.EndTime)
		if err != nil {
			return nil, fmt.Errorf("interval_based end_time: %w", err)
		}
	}
	maxDoses := cfg.MaxDosesPerDay
	if maxDoses <= 0 {
		maxDoses = 24 / cfg.IntervalHours
		if maxDoses == 0 {
			maxDoses = 1
		}
	}

	var times []ScheduledTime
	// t 不跨过 1440：午夜会回绕成 "00:00"，与当日首剂重复
	for t := start; t <= end && t < 24*60 && len(times) < maxDoses; t += cfg.IntervalHours * 60 {
		times = append(times, ScheduledTime{Time: minutesToClock(t)})
	}
	return times, nil
}

// computeMealRelative 用餐相对：取指定餐的时间加偏移；
// 无用餐记录时退回配置的 fallback 时间
func computeMealRelative(cfg *models.FlexibleScheduleConfig, prefs *models.PatientTimePreferences) ([]ScheduledTime, error) {
	if cfg.Meal == "" {
		return nil, fmt.Errorf("meal_relative method requires a meal name")
	}
	if mealTime, ok := prefs.MealTimes[cfg.Meal]; ok && IsClockTime(mealTime) {
		base, _ := clockToMinutes(mealTime)
		t := minutesToClock(base + cfg.OffsetMinutes)
		return []ScheduledTime{{Time: t, Bucket: BucketForTime(t, prefs)}}, nil
	}
	if IsClockTime(cfg.FallbackTime) {
		return []ScheduledTime{{Time: cfg.FallbackTime, Bucket: BucketForTime(cfg.FallbackTime, prefs)}}, nil
	}
	return nil, fmt.Errorf("no meal time on file for %q and no valid fallback time", cfg.Meal)
}

// BucketForTime 按偏好范围反推时刻所属的时间桶；不落在任何范围内返回空串
func BucketForTime(t string, prefs *models.PatientTimePreferences) string {
	minutes, err := clockToMinutes(t)
	if err != nil {
		return ""
	}
	for _, name := range models.BucketNames {
		cfg, ok := prefs.Buckets[name]
		if !ok {
			continue
		}
		earliest, err1 := clockToMinutes(cfg.Earliest)
		latest, err2 := clockToMinutes(cfg.Latest)
		if err1 != nil || err2 != nil {
			continue
		}
		if inRange(minutes, earliest, latest) {
			return name
		}
	}
	return ""
}
