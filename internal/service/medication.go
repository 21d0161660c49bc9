package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"wisefido-medication/internal/analytics"
	"wisefido-medication/internal/archival"
	"wisefido-medication/internal/config"
	"wisefido-medication/internal/database"
	"wisefido-medication/internal/notifier"
	"wisefido-medication/internal/repository"
	"wisefido-medication/internal/schedule"
	"wisefido-medication/internal/store"
	"wisefido-medication/internal/txn"
	"wisefido-medication/internal/undo"
)

// MedicationService 用药引擎服务（整合各层）
type MedicationService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger

	// 各层组件
	commandsRepo  repository.CommandsRepository
	eventsRepo    repository.EventsRepository
	prefsRepo     repository.PreferencesRepository
	summariesRepo repository.SummariesRepository
	txLogRepo     repository.TxLogRepository

	scheduleSvc  *schedule.Service
	txnManager   *txn.Manager
	undoSvc      *undo.Service
	calculator   *analytics.Calculator
	archivalSvc  *archival.Service
	orchestrator *Orchestrator
}

// NewMedicationService 创建用药引擎服务
func NewMedicationService(cfg *config.Config, logger *zap.Logger) (*MedicationService, error) {
	// 1. 连接数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 创建 Repository 层
	commandsRepo := repository.NewPostgresCommandsRepository(db, logger)
	eventsRepo := repository.NewPostgresEventsRepository(db, logger)
	prefsRepo := repository.NewPostgresPreferencesRepository(db, logger)
	summariesRepo := repository.NewPostgresSummariesRepository(db, logger)
	txLogRepo := repository.NewPostgresTxLogRepository(db, logger)

	// 4. 领域组件
	kv := store.NewRedisKV(redisClient)
	scheduleSvc := schedule.NewService(prefsRepo, kv,
		cfg.Cache.PreferencesKeyPrefix, cfg.Cache.PreferencesTTL, logger)

	executor := txn.NewPostgresExecutor(db, logger)
	txnManager := txn.NewManager(executor, txLogRepo, logger)

	calculator := analytics.NewCalculator(eventsRepo, logger)
	undoSvc := undo.NewService(eventsRepo, calculator, logger)
	archivalSvc := archival.NewService(eventsRepo, summariesRepo,
		cfg.Sweep.ArchiveBatchSize, logger)

	dispatcher := notifier.NewClient(
		cfg.Notifier.BaseURL,
		cfg.Notifier.Timeout,
		cfg.Notifier.MaxRetries,
		cfg.Notifier.RetryWait,
		cfg.Notifier.RetryMaxWait,
		logger,
	)

	// 5. 编排器
	orchestrator := NewOrchestrator(
		commandsRepo,
		eventsRepo,
		scheduleSvc,
		txnManager,
		undoSvc,
		dispatcher,
		logger,
	)

	return &MedicationService{
		config:        cfg,
		db:            db,
		redisClient:   redisClient,
		logger:        logger,
		commandsRepo:  commandsRepo,
		eventsRepo:    eventsRepo,
		prefsRepo:     prefsRepo,
		summariesRepo: summariesRepo,
		txLogRepo:     txLogRepo,
		scheduleSvc:   scheduleSvc,
		txnManager:    txnManager,
		undoSvc:       undoSvc,
		calculator:    calculator,
		archivalSvc:   archivalSvc,
		orchestrator:  orchestrator,
	}, nil
}

// Orchestrator 暴露编排器（API 层入口）
func (s *MedicationService) Orchestrator() *Orchestrator {
	return s.orchestrator
}

// Calculator 暴露依从性计算器
func (s *MedicationService) Calculator() *analytics.Calculator {
	return s.calculator
}

// Schedule 暴露排程服务
func (s *MedicationService) Schedule() *schedule.Service {
	return s.scheduleSvc
}

// ExportAdherenceReport 生成病人的依从性报告 Excel（窗口汇总 + 逐日明细）
func (s *MedicationService) ExportAdherenceReport(ctx context.Context, patientID string, windowDays int) ([]byte, error) {
	if windowDays <= 0 {
		windowDays = analytics.DefaultWindowDays
	}
	window := time.Duration(windowDays) * 24 * time.Hour
	report, err := s.calculator.Calculate(ctx, patientID, nil, window)
	if err != nil {
		return nil, fmt.Errorf("failed to build adherence report: %w", err)
	}

	fromDate := report.WindowStart.Format("2006-01-02")
	toDate := report.WindowEnd.Format("2006-01-02")
	summaries, err := s.summariesRepo.ListSummaries(ctx, patientID, fromDate, toDate)
	if err != nil {
		return nil, fmt.Errorf("failed to list daily summaries for export: %w", err)
	}

	data, err := analytics.GenerateAdherenceExport(report, summaries)
	if err != nil {
		return nil, fmt.Errorf("failed to generate adherence export: %w", err)
	}
	s.logger.Info("Generated adherence export",
		zap.String("patient_id", patientID),
		zap.Int("window_days", windowDays),
		zap.Int("summary_days", len(summaries)),
	)
	return data, nil
}

// Start 启动后台扫描（漏服检测 + 每日归档），阻塞到 ctx 取消
func (s *MedicationService) Start(ctx context.Context) error {
	s.logger.Info("Starting medication service",
		zap.Duration("missed_dose_interval", s.config.Sweep.MissedDoseInterval),
		zap.Duration("daily_reset_interval", s.config.Sweep.DailyResetInterval),
	)

	go s.runMissedDetectionLoop(ctx)
	s.runDailyResetLoop(ctx)
	return nil
}

func (s *MedicationService) runMissedDetectionLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.Sweep.MissedDoseInterval)
	defer ticker.Stop()

	// 立即执行一次
	if _, err := s.orchestrator.RunMissedDetection(ctx); err != nil {
		s.logger.Error("Failed to run missed dose sweep on startup", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Missed dose sweep stopped")
			return
		case <-ticker.C:
			if _, err := s.orchestrator.RunMissedDetection(ctx); err != nil {
				s.logger.Error("Failed to run missed dose sweep", zap.Error(err))
			}
		}
	}
}

func (s *MedicationService) runDailyResetLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.Sweep.DailyResetInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Daily reset loop stopped")
			return
		case <-ticker.C:
			s.runDailyResetForAll(ctx)
		}
	}
}

// runDailyResetForAll 按病人时区逐个滚动归档
// 归档内部幂等：同一天反复触发只在本地午夜跨过后真正落一次
func (s *MedicationService) runDailyResetForAll(ctx context.Context) {
	patients, err := s.resetPatients(ctx)
	if err != nil {
		s.logger.Error("Failed to list patients for daily reset", zap.Error(err))
		return
	}
	for _, patientID := range patients {
		timezone := "UTC"
		if prefs, err := s.scheduleSvc.GetTimePreferences(ctx, patientID); err == nil && prefs.Timezone != "" {
			timezone = prefs.Timezone
		}
		result, err := s.archivalSvc.RunDailyReset(ctx, patientID, timezone, false)
		if err != nil {
			s.logger.Error("Daily reset failed",
				zap.String("patient_id", patientID),
				zap.Error(err),
			)
			continue
		}
		if result.EventsArchived > 0 {
			s.logger.Info("Daily reset archived events",
				zap.String("patient_id", patientID),
				zap.String("summary_id", result.SummaryID),
				zap.Int("events_archived", result.EventsArchived),
			)
		}
	}
}

// resetPatients 归档的枚举口径取指令表和偏好表的并集：
// 显式给 times 建药的病人没有偏好记录，只靠偏好表会漏掉他们
func (s *MedicationService) resetPatients(ctx context.Context) ([]string, error) {
	fromCommands, err := s.commandsRepo.ListPatients(ctx)
	if err != nil {
		return nil, err
	}
	fromPrefs, err := s.prefsRepo.ListPatients(ctx)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var out []string
	for _, patientID := range append(fromCommands, fromPrefs...) {
		if seen[patientID] {
			continue
		}
		seen[patientID] = true
		out = append(out, patientID)
	}
	sort.Strings(out)
	return out, nil
}

// Stop 停止服务
func (s *MedicationService) Stop() error {
	s.logger.Info("Stopping medication service")

	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database", zap.Error(err))
	}
	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close redis", zap.Error(err))
	}
	return nil
}
