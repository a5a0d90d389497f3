package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// HTTPSink 通过 HTTP 网关（SMS/WhatsApp）发送通知
type HTTPSink struct {
	client *resty.Client
	logger *zap.Logger
}

type gatewayRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// NewHTTPSink posts {to, text} to url. token, when set, is sent as a bearer token.
func NewHTTPSink(url, token string, timeout time.Duration, logger *zap.Logger) *HTTPSink {
	client := resty.New().
		SetBaseURL(url).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}
	// 重试由 Dispatcher 负责
	client.SetRetryCount(0)

	return &HTTPSink{client: client, logger: logger}
}

// Send classifies 4xx as permanent; 5xx and transport errors as transient.
func (s *HTTPSink) Send(ctx context.Context, recipient, text string) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(gatewayRequest{To: recipient, Text: text}).
		Post("")
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}

	switch code := resp.StatusCode(); {
	case code >= 200 && code < 300:
		return nil
	case code >= 400 && code < 500:
		s.logger.Warn("Gateway rejected notification",
			zap.String("recipient", recipient),
			zap.Int("status", code),
			zap.String("body", resp.String()))
		return Permanent(fmt.Errorf("gateway returned %d", code))
	default:
		return fmt.Errorf("gateway returned %d", code)
	}
}
