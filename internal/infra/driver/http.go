// Package driver adapts the external browser-automation driver behind
// the domain.Driver interface. The driver is untrusted: possibly slow,
// possibly failing, so callers rely on the sandbox timeout, never on
// the driver behaving.
package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type HTTPDriver struct {
	endpoint   string
	httpClient *http.Client
}

// NewHTTP talks to an automation driver over its local HTTP surface.
// No client-side timeout here: the sandbox owns the run's deadline
// through the context.
func NewHTTP(endpoint string) (*HTTPDriver, error) {
	if endpoint == "" {
		return nil, errors.New("driver endpoint is required")
	}
	return &HTTPDriver{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{},
	}, nil
}

type executeRequest struct {
	Service string         `json:"service"`
	Action  string         `json:"action"`
	Params  map[string]any `json:"params,omitempty"`
	Secret  string         `json:"secret"`
}

type executeResponse struct {
	Output map[string]any `json:"output"`
	Error  string         `json:"error,omitempty"`
}

func (d *HTTPDriver) Execute(ctx context.Context, service, action string, params map[string]any, secret []byte) (map[string]any, error) {
	payload, err := json.Marshal(executeRequest{
		Service: service,
		Action:  action,
		Params:  params,
		Secret:  string(secret),
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/execute", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		// Unwrap so the sandbox can tell a timeout from a driver fault.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("driver returned status %d", resp.StatusCode)
	}
	var decoded executeResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("undecodable driver response: %w", err)
	}
	if decoded.Error != "" {
		return nil, errors.New(decoded.Error)
	}
	return decoded.Output, nil
}
