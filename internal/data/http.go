package data

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	xerrors "VCMilei/internal/errors"
	"VCMilei/pkg/logger"
)

const (
	defaultTimeout    = 20 * time.Second
	defaultMaxRetries = 2
	defaultBackoff    = 300 * time.Millisecond
)

// getter 是各数据源共享的 GET 请求封装，对 429 与 5xx 做指数退避重试。
type getter struct {
	source     string
	httpClient *http.Client
	maxRetries uint64
	backoff    time.Duration
}

func newGetter(source string, timeout time.Duration) getter {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return getter{
		source:     source,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: defaultMaxRetries,
		backoff:    defaultBackoff,
	}
}

func (g getter) getBytes(ctx context.Context, endpoint string) ([]byte, error) {
	backoff := retry.WithMaxRetries(g.maxRetries, retry.NewExponential(g.backoff))

	var body []byte
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构建请求失败", xerrors.WithMetadata("source", g.source))
		}
		req.Header.Set("Accept", "application/json")

		resp, err := g.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return retry.RetryableError(xerrors.Wrap(xerrors.CodeTransport, err, fmt.Sprintf("请求 %s 失败", g.source)))
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			logger.L().Warn("数据源返回可重试状态",
				slog.String("source", g.source),
				slog.Int("status", resp.StatusCode),
			)
			return retry.RetryableError(xerrors.New(xerrors.CodeTransport,
				fmt.Sprintf("%s 返回错误状态 %d", g.source, resp.StatusCode)))
		}
		if resp.StatusCode >= http.StatusBadRequest {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			code := xerrors.CodeTransport
			if resp.StatusCode == http.StatusNotFound {
				code = xerrors.CodeNotFound
			}
			return xerrors.New(code,
				fmt.Sprintf("%s 返回错误状态 %d: %s", g.source, resp.StatusCode, strings.TrimSpace(string(snippet))),
				xerrors.WithRetryable(false))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(xerrors.Wrap(xerrors.CodeTransport, err, fmt.Sprintf("读取 %s 响应失败", g.source)))
		}
		return nil
	})
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, fmt.Sprintf("%s 请求超时", g.source))
		}
		return nil, err
	}
	return body, nil
}

func (g getter) getJSON(ctx context.Context, endpoint string, out any) error {
	body, err := g.getBytes(ctx, endpoint)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return xerrors.Wrap(xerrors.CodeTransport, err, fmt.Sprintf("解析 %s 响应失败", g.source), xerrors.WithRetryable(false))
	}
	return nil
}
