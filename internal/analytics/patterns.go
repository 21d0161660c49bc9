package analytics

import (
	"sort"
	"time"

	"wisefido-medication/internal/models"
)

// buildPatterns 行为模式检测
// 漏服高发桶/星期按频次计数；工作日-周末差按各自依从率；
// 连漏/连服通过一次正向扫描得出（漏服清零、服药递增）；
// 趋势对比窗口前后两半依从率，阈值 ±5 个百分点
func buildPatterns(report *Report, events []*models.MedicationEvent) {
	missedByBucket := map[string]int{}
	missedByDay := map[time.Weekday]int{}

	// 工作日 / 周末分别计数
	var weekdayScheduled, weekdayTaken, weekendScheduled, weekendTaken int

	// 时间序的剂次结局（scheduled 不算结局）
	type outcome struct {
		at    time.Time
		taken bool
	}
	var outcomes []outcome

	for _, event := range events {
		at := event.Timing.EventTimestamp
		if event.Timing.ScheduledFor != nil {
			at = *event.Timing.ScheduledFor
		}
		weekend := at.Weekday() == time.Saturday || at.Weekday() == time.Sunday

		switch {
		case event.EventType == models.EventDoseScheduled:
			if weekend {
				weekendScheduled++
			} else {
				weekdayScheduled++
			}
		case event.EventType.IsTakenVariant():
			if weekend {
				weekendTaken++
			} else {
				weekdayTaken++
			}
			outcomes = append(outcomes, outcome{at: at, taken: true})
		case event.EventType == models.EventDoseMissed:
			missedByBucket[bucketForHour(at.Hour())]++
			missedByDay[at.Weekday()]++
			outcomes = append(outcomes, outcome{at: at, taken: false})
		}
	}

	report.Patterns.MostMissedBucket = maxKey(missedByBucket)
	report.Patterns.MostMissedDayOfWeek = maxWeekday(missedByDay)

	if weekdayScheduled > 0 {
		report.Patterns.WeekdayRate = roundRate(float64(weekdayTaken) / float64(weekdayScheduled) * 100)
	}
	if weekendScheduled > 0 {
		report.Patterns.WeekendRate = roundRate(float64(weekendTaken) / float64(weekendScheduled) * 100)
	}
	report.Patterns.WeekendDelta = roundRate(report.Patterns.WeekdayRate - report.Patterns.WeekendRate)

	// 单次正向扫描：连服计数在任何漏服处清零，在任何 taken 变体处递增
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].at.Before(outcomes[j].at) })
	takeStreak, longest, missStreak := 0, 0, 0
	for _, o := range outcomes {
		if o.taken {
			takeStreak++
			missStreak = 0
			if takeStreak > longest {
				longest = takeStreak
			}
		} else {
			takeStreak = 0
			missStreak++
		}
	}
	report.Patterns.CurrentTakeStreak = takeStreak
	report.Patterns.LongestTakeStreak = longest
	report.Patterns.ConsecutiveMisses = missStreak

	report.Patterns.Trend = computeTrend(events, report.WindowStart, report.WindowEnd)
}

// computeTrend 窗口前半 vs 后半依从率对比
func computeTrend(events []*models.MedicationEvent, start, end time.Time) Trend {
	mid := start.Add(end.Sub(start) / 2)

	var firstScheduled, firstTaken, secondScheduled, secondTaken int
	for _, event := range events {
		at := event.Timing.EventTimestamp
		first := at.Before(mid)
		switch {
		case event.EventType == models.EventDoseScheduled:
			if first {
				firstScheduled++
			} else {
				secondScheduled++
			}
		case event.EventType.IsTakenVariant():
			if first {
				firstTaken++
			} else {
				secondTaken++
			}
		}
	}
	if firstScheduled == 0 || secondScheduled == 0 {
		return TrendStable
	}

	firstRate := float64(firstTaken) / float64(firstScheduled) * 100
	secondRate := float64(secondTaken) / float64(secondScheduled) * 100
	switch {
	case secondRate-firstRate > 5:
		return TrendImproving
	case firstRate-secondRate > 5:
		return TrendDeclining
	default:
		return TrendStable
	}
}

// bucketForHour 按小时粗分时间桶（无病人偏好时的报表归类）
func bucketForHour(hour int) string {
	switch {
	case hour >= 5 && hour < 11:
		return models.BucketMorning
	case hour >= 11 && hour < 15:
		return models.BucketLunch
	case hour >= 15 && hour < 21:
		return models.BucketEvening
	default:
		return models.BucketBeforeBed
	}
}

func maxKey(counts map[string]int) string {
	best, bestCount := "", 0
	// 平手时取字典序最小，保证结果确定
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if counts[k] > bestCount {
			best, bestCount = k, counts[k]
		}
	}
	return best
}

func maxWeekday(counts map[time.Weekday]int) string {
	best := ""
	bestCount := 0
	for d := time.Sunday; d <= time.Saturday; d++ {
		if counts[d] > bestCount {
			best, bestCount = d.String(), counts[d]
		}
	}
	return best
}
