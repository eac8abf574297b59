package httpmiddleware

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Outbound provider calls are bounded; "no response" must be treated as
// retryable, never as proof the operation did not happen.
const requestTimeout = 30 * time.Second

var httpClient = &http.Client{
	Timeout:   requestTimeout,
	Transport: otelhttp.NewTransport(http.DefaultTransport),
}

type HttpRequestStruct struct {
	Ctx     context.Context
	Method  string
	Url     string
	Body    io.Reader
	Headers map[string]string
}

func HttpRequest(args HttpRequestStruct) ([]byte, error) {
	ctx := args.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := http.NewRequestWithContext(ctx, args.Method, args.Url, args.Body)
	if err != nil {
		return nil, err
	}

	for key, value := range args.Headers {
		req.Header.Set(key, value)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return respBody, fmt.Errorf("request to %s failed with status %d: %s", args.Url, resp.StatusCode, string(respBody))
	}

	return respBody, nil
}
