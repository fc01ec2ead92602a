package processors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/apiforge/internal/engine"
	otelPkg "github.com/basket/apiforge/internal/otel"
	"github.com/basket/apiforge/internal/persistence"
	"github.com/basket/apiforge/internal/shared"
)

const (
	maxResultBytes = 1 << 20
	maxErrorBytes  = 1024
)

// HTTP posts each task payload to a generation service. 429 and 5xx
// responses and network errors are transient (honouring Retry-After);
// any other non-2xx response is permanent.
type HTTP struct {
	url     string
	headers map[string]string
	client  *http.Client
	tracer  trace.Tracer
	logger  *slog.Logger
}

func NewHTTP(o Options) (*HTTP, error) {
	if strings.TrimSpace(o.URL) == "" {
		return nil, errors.New("http processor requires a url")
	}
	client := o.Client
	if client == nil {
		timeout := o.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	tracer := o.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTP{url: o.URL, headers: o.Headers, client: client, tracer: tracer, logger: logger}, nil
}

func (h *HTTP) Process(ctx context.Context, task persistence.Task) (string, error) {
	ctx, span := otelPkg.StartClientSpan(ctx, h.tracer, "processor.http",
		otelPkg.AttrTaskID.String(task.ID),
		otelPkg.AttrProcessor.String(string(KindHTTP)),
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader([]byte(task.Payload)))
	if err != nil {
		return "", engine.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Apiforge-Task", task.ID)
	req.Header.Set("X-Apiforge-Attempt", strconv.Itoa(task.RetryCount+1))
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", engine.Transient(fmt.Errorf("post %s: %w", task.ID, err), 0)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes))
		if err != nil {
			return "", engine.Transient(fmt.Errorf("read response: %w", err), 0)
		}
		return string(body), nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
	statusErr := fmt.Errorf("upstream returned %d: %s", resp.StatusCode, shared.Redact(strings.TrimSpace(string(snippet))))
	span.SetStatus(codes.Error, statusErr.Error())

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		h.logger.Debug("transient upstream response", "task_id", task.ID, "status", resp.StatusCode, "retry_after", retryAfter)
		return "", engine.Transient(statusErr, retryAfter)
	}
	return "", engine.Permanent(statusErr)
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Unparseable or
// past values yield zero so the store's backoff applies.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
