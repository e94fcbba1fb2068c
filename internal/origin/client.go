// Package origin fetches batch job result files from the provider that ran
// them. It is the fallback leg of artifact recovery: the only contract
// relied on is "fetch result file content by a previously recorded id".
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/sylvanlabs/maestro-go/internal/platform/env"
)

const maxFileBytes = 64 << 20

// ErrFileNotFound marks an origin file id the provider no longer retains.
var ErrFileNotFound = errors.New("origin file not found")

type Config struct {
	APIBase string
	APIKey  string
	Timeout time.Duration
}

func ConfigFromEnv() (Config, error) {
	apiKey, err := env.Required("MAESTRO_ORIGIN_API_KEY")
	if err != nil {
		return Config{}, err
	}
	timeout, err := env.Duration("MAESTRO_ORIGIN_TIMEOUT", 60*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		APIBase: env.String("MAESTRO_ORIGIN_API_BASE", ""),
		APIKey:  apiKey,
		Timeout: timeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.APIBase) == "" {
		return errors.New("MAESTRO_ORIGIN_API_BASE is required")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return errors.New("MAESTRO_ORIGIN_API_KEY is required")
	}
	if c.Timeout <= 0 {
		return errors.New("MAESTRO_ORIGIN_TIMEOUT must be positive")
	}
	return nil
}

// Client reads result files off the batch provider's file surface.
type Client struct {
	apiBase string
	http    *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.APIKey})
	client := oauth2.NewClient(context.Background(), source)
	client.Timeout = cfg.Timeout
	return &Client{
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		http:    client,
	}, nil
}

// FetchFile returns the raw content of one result file. A provider-side 404
// maps to ErrFileNotFound so recovery can distinguish "lost at origin too"
// from a transport fault.
func (c *Client) FetchFile(ctx context.Context, fileID string) ([]byte, error) {
	if c == nil || c.http == nil {
		return nil, errors.New("origin client not initialized")
	}
	fileID = strings.TrimSpace(fileID)
	if fileID == "" {
		return nil, errors.New("file id is required")
	}
	url := c.apiBase + "/files/" + fileID + "/content"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build file request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch origin file %s: %w", fileID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("file %s: %w", fileID, ErrFileNotFound)
	}
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxFileBytes))
	if err != nil {
		return nil, fmt.Errorf("read origin file %s: %w", fileID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch origin file %s: status %d: %s", fileID, resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return payload, nil
}
