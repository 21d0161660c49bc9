package analytics

// RiskLevel 风险级别
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// 风险级别的依从率阈值
const (
	riskLowThreshold    = 90.0
	riskMediumThreshold = 80.0
	riskHighThreshold   = 60.0
)

// Risk 风险评估
type Risk struct {
	Level             RiskLevel `json:"level"`
	PredictedRate7Day float64   `json:"predicted_rate_7_day"`
	Confidence        int       `json:"confidence"` // 0-100
	Escalated         bool      `json:"escalated"`
	Reasons           []string  `json:"reasons,omitempty"`
}

// assessRisk 从报告推导风险
// 级别由依从率阈值决定；连漏 >= 3 或趋势下滑时升一级。
// 预测 7 天依从率 = 当前率按趋势 ±5、按连服 +3 / 连漏 -10 调整，截断到 [0,100]。
// 置信度从 50 起步：样本量（>=30 剂 +20，>=14 剂 +10）、趋势平稳 +15、
// 存在连服 +10，上限 100
func assessRisk(report *Report) Risk {
	risk := Risk{}

	rate := report.AdherenceRate
	switch {
	case rate >= riskLowThreshold:
		risk.Level = RiskLow
	case rate >= riskMediumThreshold:
		risk.Level = RiskMedium
	case rate >= riskHighThreshold:
		risk.Level = RiskHigh
	default:
		risk.Level = RiskCritical
	}

	if report.Patterns.ConsecutiveMisses >= 3 {
		risk.Level = escalate(risk.Level)
		risk.Escalated = true
		risk.Reasons = append(risk.Reasons, "3+ consecutive missed doses")
	}
	if report.Patterns.Trend == TrendDeclining {
		if !risk.Escalated {
			risk.Level = escalate(risk.Level)
			risk.Escalated = true
		}
		risk.Reasons = append(risk.Reasons, "declining adherence trend")
	}

	predicted := rate
	switch report.Patterns.Trend {
	case TrendImproving:
		predicted += 5
	case TrendDeclining:
		predicted -= 5
	}
	if report.Patterns.CurrentTakeStreak >= 3 {
		predicted += 3
	}
	if report.Patterns.ConsecutiveMisses >= 3 {
		predicted -= 10
	}
	risk.PredictedRate7Day = clampRate(predicted)

	confidence := 50
	switch {
	case report.Counts.Scheduled >= 30:
		confidence += 20
	case report.Counts.Scheduled >= 14:
		confidence += 10
	}
	if report.Patterns.Trend == TrendStable {
		confidence += 15
	}
	if report.Patterns.CurrentTakeStreak > 0 {
		confidence += 10
	}
	if confidence > 100 {
		confidence = 100
	}
	risk.Confidence = confidence

	return risk
}

func escalate(level RiskLevel) RiskLevel {
	switch level {
	case RiskLow:
		return RiskMedium
	case RiskMedium:
		return RiskHigh
	default:
		return RiskCritical
	}
}

func clampRate(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return roundRate(v)
}
