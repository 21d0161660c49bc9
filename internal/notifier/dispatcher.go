package notifier

import (
	"context"
	"sync"
)

// NotificationType 通知类型
type NotificationType string

const (
	NotifyMedicationCreated NotificationType = "medication_created"
	NotifyDoseTaken         NotificationType = "dose_taken"
	NotifyDoseMissed        NotificationType = "dose_missed"
	NotifyStatusChanged     NotificationType = "status_changed"
	NotifyDoseUndone        NotificationType = "dose_undone"
)

// Urgency 通知紧急程度
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Request 通知请求（传给外部分发器）
type Request struct {
	Recipients       []string          `json:"recipients"`
	MedicationName   string            `json:"medication_name"`
	NotificationType NotificationType  `json:"notification_type"`
	Urgency          Urgency           `json:"urgency"`
	Message          string            `json:"message"`
	Context          map[string]string `json:"context,omitempty"`
}

// DeliveryResult 单个接收者的投递结果
type DeliveryResult struct {
	Recipient string `json:"recipient"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// Response 分发器返回
type Response struct {
	Results []DeliveryResult `json:"results"`
}

// Dispatcher 通知分发器边界
// 实际投递（邮件/短信/推送）、重试尾部和死信都归分发器所有；
// 引擎只决定"要通知、通知谁"。投递失败绝不回滚触发它的用药状态变更
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) (*Response, error)
}

// NopDispatcher swallows notifications; used in tests and database-less runs.
type NopDispatcher struct {
	mu       sync.Mutex
	Requests []Request
}

func NewNopDispatcher() *NopDispatcher { return &NopDispatcher{} }

func (d *NopDispatcher) Dispatch(_ context.Context, req Request) (*Response, error) {
	d.mu.Lock()
	d.Requests = append(d.Requests, req)
	d.mu.Unlock()

	results := make([]DeliveryResult, len(req.Recipients))
	for i, recipient := range req.Recipients {
		results[i] = DeliveryResult{Recipient: recipient, Success: true}
	}
	return &Response{Results: results}, nil
}

// Sent returns a copy of recorded requests for test assertions.
func (d *NopDispatcher) Sent() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Request, len(d.Requests))
	copy(out, d.Requests)
	return out
}
