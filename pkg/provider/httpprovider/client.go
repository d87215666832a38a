// Package httpprovider is a JSON-over-HTTP client for a prediction API.
package httpprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dukex/genflow/pkg/provider"
)

type Config struct {
	BaseURL string        `yaml:"base_url" validate:"required,url"`
	Token   string        `yaml:"-"`
	Timeout time.Duration `yaml:"timeout"`
}

type Client struct {
	logger  *slog.Logger
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(logger *slog.Logger, config Config) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		logger:  logger.With("module", "httpprovider"),
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.Token,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) CreatePrediction(ctx context.Context, request provider.PredictionRequest) (*provider.Prediction, error) {
	var prediction provider.Prediction

	err := c.do(ctx, http.MethodPost, "/predictions", request, &prediction)
	if err != nil {
		return nil, fmt.Errorf("failed to create prediction for %s: %w", request.Model, err)
	}

	c.logger.DebugContext(ctx, "Prediction created", "prediction_id", prediction.ID, "model", request.Model)

	return &prediction, nil
}

func (c *Client) GetStatus(ctx context.Context, predictionID string) (*provider.Prediction, error) {
	var prediction provider.Prediction

	err := c.do(ctx, http.MethodGet, "/predictions/"+url.PathEscape(predictionID), nil, &prediction)
	if err != nil {
		return nil, err
	}

	return &prediction, nil
}

func (c *Client) Cancel(ctx context.Context, predictionID string) error {
	return c.do(ctx, http.MethodPost, "/predictions/"+url.PathEscape(predictionID)+"/cancel", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}

		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.WarnContext(ctx, "Failed to close response body", "error", err)
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return &provider.StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}

	err = json.Unmarshal(respBody, out)
	if err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}
