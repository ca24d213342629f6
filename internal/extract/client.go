// Package extract calls the remote document extraction service.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"docqueue/internal/models"
)

// Options configures a Client.
type Options struct {
	URL               string
	APIKey            string
	Timeout           time.Duration
	MaxResponseBytes  int64
	ImageMaxDimension int
}

// Client posts document bytes to the extraction service and decodes its
// structured result.
type Client struct {
	endpoint     string
	apiKey       string
	httpClient   *http.Client
	maxBytes     int64
	maxDimension int
}

func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	limit := opts.MaxResponseBytes
	if limit == 0 {
		limit = 8 * 1024 * 1024
	}
	return &Client{
		endpoint:     opts.URL,
		apiKey:       opts.APIKey,
		httpClient:   &http.Client{Timeout: timeout},
		maxBytes:     limit,
		maxDimension: opts.ImageMaxDimension,
	}
}

// Extract sends body to the service. Images larger than the configured
// dimension are downscaled first. Every non-2xx response is an error that
// carries the status and the start of the response body.
func (c *Client) Extract(ctx context.Context, doc models.Document, body []byte) (models.ExtractionResult, error) {
	contentType := doc.ContentType
	if c.maxDimension > 0 {
		normalized, resized, err := Normalize(doc.Filename, body, c.maxDimension)
		if err != nil {
			return models.ExtractionResult{}, err
		}
		if resized {
			body = normalized
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return models.ExtractionResult{}, fmt.Errorf("build request: %w", err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Filename", url.PathEscape(doc.Filename))
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.ExtractionResult{}, fmt.Errorf("call extraction service: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return models.ExtractionResult{}, fmt.Errorf("read extraction response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.ExtractionResult{}, fmt.Errorf("extraction service: status %d: %s", resp.StatusCode, snippet(payload))
	}
	if int64(len(payload)) > c.maxBytes {
		return models.ExtractionResult{}, fmt.Errorf("extraction response too large (>%d bytes)", c.maxBytes)
	}

	var result models.ExtractionResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return models.ExtractionResult{}, fmt.Errorf("decode extraction response: %w", err)
	}
	if len(result.Raw) > 0 && string(result.Raw) == "null" {
		result.Raw = nil
	}
	for i := range result.Tables {
		if result.Tables[i].Headers == nil {
			result.Tables[i].Headers = []string{}
		}
	}
	return result, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 512 {
		s = s[:512] + "..."
	}
	if s == "" {
		return "empty body"
	}
	return s
}
