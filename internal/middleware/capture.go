package middleware

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/radarhq/radar/internal/config"
	"github.com/radarhq/radar/internal/correlation"
	"github.com/radarhq/radar/internal/logging"
	"github.com/radarhq/radar/internal/shared/id"
	"github.com/radarhq/radar/internal/storage"
	"github.com/radarhq/radar/internal/tracing"
)

// RequestIDHeader carries the assigned correlation id back to the caller.
const RequestIDHeader = "X-Request-ID"

// CaptureDeps bundles the collaborators the capture middleware writes through.
type CaptureDeps struct {
	Sink    storage.Sink
	Manager *tracing.Manager
	Logger  *logging.Logger
	Config  config.CaptureConfig
	Tracing config.TracingConfig
}

// Capture observes every application request: it assigns a correlation id,
// opens a trace with a root server span, captures the request and response,
// and persists everything once the handler returns. The engine's own
// dashboard routes are excluded so it never observes itself.
//
// Panics inside the handler are recorded as a captured exception and an
// error-status root span, then re-raised for the recovery layer above.
func Capture(deps CaptureDeps) gin.HandlerFunc {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	maxBody := deps.Config.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 10000
	}

	return func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, deps.Config.DashboardPathScope) {
			c.Next()
			return
		}

		requestID := id.NewRequestID().String()
		ctx := correlation.WithRequestID(c.Request.Context(), requestID)

		var tc *tracing.Context
		var rootSpanID string
		if deps.Tracing.Enabled {
			tc = tracing.NewContext(deps.Tracing.ServiceName)
			rootSpanID = tc.CreateSpan(
				c.Request.Method+" "+c.Request.URL.Path,
				tracing.WithKind(storage.KindServer),
				tracing.WithTags(map[string]any{
					"http.method":    c.Request.Method,
					"http.url":       c.Request.URL.String(),
					"correlation_id": requestID,
				}),
			)
			tc.SetCurrentSpan(rootSpanID)
			ctx = correlation.WithTrace(ctx, tc)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Writer.Header().Set(RequestIDHeader, requestID)

		body := readBody(c, maxBody)
		writer := &bodyRecorder{ResponseWriter: c.Writer, limit: maxBody}
		c.Writer = writer

		start := time.Now()
		defer func() {
			duration := time.Since(start)
			durationMs := float64(duration) / float64(time.Millisecond)

			recovered := recover()
			status := c.Writer.Status()
			if recovered != nil {
				status = http.StatusInternalServerError

				exc := storage.CapturedException{
					RequestID:      requestID,
					ExceptionType:  "panic",
					ExceptionValue: fmt.Sprint(recovered),
					Stacktrace:     string(debug.Stack()),
					CreatedAt:      time.Now().UTC(),
				}
				if err := deps.Sink.SaveException(ctx, exc); err != nil {
					logger.Warn("failed to persist captured panic", zap.Error(err))
				}
			}

			if tc != nil {
				tags := map[string]any{
					"http.status_code": status,
				}
				spanStatus := storage.StatusOK
				if recovered != nil || status >= 500 {
					spanStatus = storage.StatusError
				}
				if recovered != nil {
					tags["error.message"] = fmt.Sprint(recovered)
				}
				tc.FinishSpan(rootSpanID, spanStatus, tags)
				deps.Manager.Close(ctx, tc)
			}

			record := storage.CapturedRequest{
				RequestID:       requestID,
				Method:          c.Request.Method,
				URL:             c.Request.URL.String(),
				Path:            c.Request.URL.Path,
				QueryParams:     singleValues(c.Request.URL.Query()),
				Headers:         flattenHeader(c.Request.Header),
				Body:            body,
				StatusCode:      status,
				ResponseBody:    writer.captured(),
				ResponseHeaders: flattenHeader(c.Writer.Header()),
				DurationMs:      durationMs,
				ClientIP:        c.ClientIP(),
				CreatedAt:       time.Now().UTC(),
			}
			if err := deps.Sink.SaveRequest(ctx, record); err != nil {
				logger.Warn("failed to persist captured request",
					zap.String("request_id", requestID),
					zap.Error(err),
				)
			}

			if recovered != nil {
				panic(recovered)
			}
		}()

		c.Next()
	}
}

// readBody captures up to limit bytes of the request body and restores the
// stream for the handler.
func readBody(c *gin.Context, limit int) string {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return ""
	}
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return ""
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(data))
	if len(data) > limit {
		data = data[:limit]
	}
	return string(data)
}

// bodyRecorder tees the response body up to its limit.
type bodyRecorder struct {
	gin.ResponseWriter
	buf   bytes.Buffer
	limit int
}

func (w *bodyRecorder) Write(p []byte) (int, error) {
	if remaining := w.limit - w.buf.Len(); remaining > 0 {
		if len(p) <= remaining {
			w.buf.Write(p)
		} else {
			w.buf.Write(p[:remaining])
		}
	}
	return w.ResponseWriter.Write(p)
}

func (w *bodyRecorder) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

func (w *bodyRecorder) captured() string {
	return w.buf.String()
}

func flattenHeader(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = strings.Join(v, ", ")
		}
	}
	return out
}

func singleValues(values map[string][]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
