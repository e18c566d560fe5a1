package payment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"storefront/internal/logger"

	"go.uber.org/zap"
)

const maxResponseBody = 1 << 20

func newHTTPClient(client *http.Client, timeout time.Duration) *http.Client {
	if client != nil {
		return client
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// 送信してボディを読む。通信エラーと5xxはErrProviderUnavailable、4xxはErrProviderRejected。
func doRequest(ctx context.Context, client *http.Client, req *http.Request, provider Tag) ([]byte, error) {
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		logger.FromContext(ctx).Warn("payment provider request failed",
			zap.String("provider", string(provider)),
			zap.String("path", req.URL.Path),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrProviderUnavailable, err)
	}

	logger.FromContext(ctx).Debug("payment provider response",
		zap.String("provider", string(provider)),
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)

	switch {
	case resp.StatusCode >= 500:
		return body, fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return body, fmt.Errorf("%w: status %d: %s", ErrProviderRejected, resp.StatusCode, truncate(body, 200))
	}
	return body, nil
}

// タイムアウトかどうか（呼び出し側のエラーメッセージ用）
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
