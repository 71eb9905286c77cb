package signaling

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// fallbackClient posts encoded envelopes to the relay's request/response
// endpoint when the websocket path fails.
type fallbackClient struct {
	url     string
	http    *http.Client
	timeout time.Duration
}

func newFallbackClient(url string, hc *http.Client, timeout time.Duration) *fallbackClient {
	if hc == nil {
		hc = &http.Client{}
	}
	return &fallbackClient{url: url, http: hc, timeout: timeout}
}

// post sends body once. Any non-2xx response is an error.
func (f *fallbackClient) post(ctx context.Context, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("fallback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.http.Do(req)
	if err != nil {
		return fmt.Errorf("fallback send: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("fallback send: relay answered %s", resp.Status)
	}
	return nil
}
