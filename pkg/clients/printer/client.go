package printer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mamadbah2/stocksync/internal/config"
)

// ErrNotConnected is returned when no printer is configured or the bridge
// cannot be reached.
var ErrNotConnected = errors.New("printer not connected")

// Printer prints plain text receipts.
type Printer interface {
	PrintText(ctx context.Context, content string) error
}

// APIClient talks to a receipt-printer bridge over HTTP.
type APIClient struct {
	httpClient *resty.Client
	enabled    bool
}

// NewClient builds a printer client. An empty base URL yields a client whose
// every call fails with ErrNotConnected.
func NewClient(cfg config.PrinterConfig) *APIClient {
	base := strings.TrimSuffix(cfg.BaseURL, "/")

	restyClient := resty.New()
	restyClient.
		SetBaseURL(base).
		SetHeader("Content-Type", "application/json").
		SetTimeout(10 * time.Second)
	if cfg.Token != "" {
		restyClient.SetHeader("Authorization", fmt.Sprintf("Bearer %s", cfg.Token))
	}

	return &APIClient{httpClient: restyClient, enabled: base != ""}
}

type apiError struct {
	Error string `json:"error"`
}

// PrintText sends content to the printer.
func (c *APIClient) PrintText(ctx context.Context, content string) error {
	if !c.enabled {
		return ErrNotConnected
	}

	apiErr := new(apiError)
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(map[string]any{"text": content}).
		SetError(apiErr).
		Post("/print")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	switch {
	case resp.StatusCode() == http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", ErrNotConnected, apiErr.Error)
	case resp.StatusCode() >= http.StatusBadRequest:
		return fmt.Errorf("printer error: code=%d, message=%s", resp.StatusCode(), apiErr.Error)
	}
	return nil
}
