package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wisefido-medication/internal/models"
	"wisefido-medication/internal/repository"
)

// ============================================
// 漏服检测扫描
// 对每条 active 非 PRN 指令：找宽限期已过的 scheduled 事件，
// 再在排程时刻 [-1h, +4h] 窗口内复核无 taken 事件，才判定漏服。
// 幂等：漏服事件 ID 由排程时刻推导，重复扫描撞冲突即跳过
// ============================================

const (
	takenWindowBefore = time.Hour
	takenWindowAfter  = 4 * time.Hour
)

// RunMissedDetection 执行一轮全量漏服扫描
func (o *Orchestrator) RunMissedDetection(ctx context.Context) (*SweepResult, error) {
	now := o.clock()
	result := &SweepResult{}

	commands, err := o.commands.ListActiveNonPRN(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active commands: %w", err)
	}
	result.CommandsScanned = len(commands)

	for _, cmd := range commands {
		overdue, err := o.events.GetMissedEventsInGracePeriod(ctx, cmd.CommandID, now)
		if err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("command %s: %v", cmd.CommandID, err))
			continue
		}
		for _, scheduledEvent := range overdue {
			taken, err := o.takenWithinWindow(ctx, cmd.CommandID, scheduledEvent)
			if err != nil {
				result.Errors = append(result.Errors,
					fmt.Sprintf("event %s: %v", scheduledEvent.EventID, err))
				continue
			}
			if taken {
				continue
			}
			wf := o.ProcessMissedMedication(ctx, cmd, scheduledEvent)
			switch {
			case !wf.Success:
				result.Errors = append(result.Errors,
					fmt.Sprintf("event %s: %s", scheduledEvent.EventID, wf.Error))
			case len(wf.Warnings) > 0:
				result.AlreadyFlagged++
			default:
				result.MissedDetected++
			}
		}
	}

	o.logger.Info("Missed dose sweep completed",
		zap.Int("commands_scanned", result.CommandsScanned),
		zap.Int("missed_detected", result.MissedDetected),
		zap.Int("already_flagged", result.AlreadyFlagged),
		zap.Int("errors", len(result.Errors)),
	)
	return result, nil
}

// takenWithinWindow 排程时刻 [-1h, +4h] 窗口内是否存在 taken 类事件
// 宽限期匹配用精确排程时刻；这里再放宽窗口兜底，避免手动补录的打卡被误判漏服
func (o *Orchestrator) takenWithinWindow(ctx context.Context, commandID string, scheduledEvent *models.MedicationEvent) (bool, error) {
	scheduledFor := scheduledEvent.Timing.ScheduledFor
	if scheduledFor == nil {
		return false, fmt.Errorf("scheduled event %s has no scheduled time", scheduledEvent.EventID)
	}
	windowStart := scheduledFor.Add(-takenWindowBefore)
	windowEnd := scheduledFor.Add(takenWindowAfter)

	taken, err := o.events.QueryEvents(ctx, repository.EventFilters{
		CommandID: &commandID,
		EventTypes: []models.EventType{
			models.EventDoseTaken,
			models.EventDoseTakenPartial,
			models.EventDoseTakenAdjusted,
		},
		StartTime: &windowStart,
		EndTime:   &windowEnd,
		Archived:  repository.ArchivedInclude,
	})
	if err != nil {
		return false, err
	}
	return len(taken) > 0, nil
}
