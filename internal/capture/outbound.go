package capture

import (
	"context"
	"net/url"

	"github.com/go-resty/resty/v2"

	"github.com/radarhq/radar/internal/correlation"
	"github.com/radarhq/radar/internal/storage"
	"github.com/radarhq/radar/internal/tracing"
)

type outboundSpanKey struct{}

// InstrumentOutbound registers hooks on a resty client so every outbound
// request made within a traced unit of work produces a client span. Requests
// issued outside any trace pass through untouched. The client is returned
// for chaining.
func InstrumentOutbound(client *resty.Client) *resty.Client {
	client.OnBeforeRequest(func(c *resty.Client, req *resty.Request) error {
		tc := correlation.Trace(req.Context())
		if tc == nil {
			return nil
		}

		tags := map[string]any{
			"component":   "http",
			"http.method": req.Method,
			"http.url":    req.URL,
		}
		if u, err := url.Parse(req.URL); err == nil && u.Host != "" {
			tags["http.host"] = u.Host
		}

		spanID := tc.CreateSpan("HTTP "+req.Method,
			tracing.WithKind(storage.KindClient),
			tracing.WithTags(tags),
		)
		req.SetContext(context.WithValue(req.Context(), outboundSpanKey{}, spanID))
		return nil
	})

	client.OnAfterResponse(func(c *resty.Client, resp *resty.Response) error {
		tc := correlation.Trace(resp.Request.Context())
		spanID, _ := resp.Request.Context().Value(outboundSpanKey{}).(string)
		if tc == nil || spanID == "" {
			return nil
		}

		tags := map[string]any{
			"http.status_code": resp.StatusCode(),
		}
		if cl := resp.Header().Get("Content-Length"); cl != "" {
			tags["http.response_content_length"] = cl
		}

		status := storage.StatusOK
		if resp.StatusCode() >= 500 {
			status = storage.StatusError
		}
		tc.FinishSpan(spanID, status, tags)
		return nil
	})

	client.OnError(func(req *resty.Request, err error) {
		tc := correlation.Trace(req.Context())
		spanID, _ := req.Context().Value(outboundSpanKey{}).(string)
		if tc == nil || spanID == "" {
			return
		}

		tc.AddSpanLog(spanID, "outbound request failed: "+err.Error(), "error", nil)
		tc.FinishSpan(spanID, storage.StatusError, map[string]any{
			"error.message": err.Error(),
		})
	})

	return client
}
