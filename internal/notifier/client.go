package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Client 通知分发器 HTTP 客户端
// 指数退避重试，超过上限记为永久失败；失败只记日志，不向上传播为业务错误
type Client struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewClient 创建分发器客户端
// maxRetries 次重试用尽后视为永久失败
func NewClient(baseURL string, timeout time.Duration, maxRetries int, retryWait, retryMaxWait time.Duration, logger *zap.Logger) *Client {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(maxRetries).
		SetRetryWaitTime(retryWait).
		SetRetryMaxWaitTime(retryMaxWait).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})

	return &Client{
		httpClient: client,
		logger:     logger,
	}
}

// Dispatch 调用外部分发器
func (c *Client) Dispatch(ctx context.Context, req Request) (*Response, error) {
	c.logger.Info("Dispatching notification",
		zap.String("notification_type", string(req.NotificationType)),
		zap.String("urgency", string(req.Urgency)),
		zap.Int("recipients", len(req.Recipients)),
	)

	var response Response
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&response).
		Post("/notifications/dispatch")

	if err != nil {
		// 重试已在客户端内用尽：记为永久失败
		c.logger.Error("Notification dispatch permanently failed",
			zap.String("notification_type", string(req.NotificationType)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("notification dispatch failed: %w", err)
	}
	if resp.StatusCode() >= 400 {
		c.logger.Error("Notification dispatcher returned error",
			zap.Int("status", resp.StatusCode()),
			zap.String("body", resp.String()),
		)
		return nil, fmt.Errorf("notification dispatcher returned status %d", resp.StatusCode())
	}

	for _, result := range response.Results {
		if !result.Success {
			c.logger.Warn("Notification delivery failed for recipient",
				zap.String("recipient", result.Recipient),
				zap.String("error", result.Error),
			)
		}
	}
	return &response, nil
}
