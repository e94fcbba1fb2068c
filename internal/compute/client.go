package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/sylvanlabs/maestro-go/internal/platform/env"
)

const maxResponseBytes = 8 << 20

type Config struct {
	// APIBase is the job surface root, for example https://api.example.dev/v2.
	APIBase string
	// ControlURL is the GraphQL control surface for endpoint list/create.
	ControlURL string
	APIKey     string
	UserAgent  string
}

func ConfigFromEnv() (Config, error) {
	apiKey, err := env.Required("MAESTRO_PROVIDER_API_KEY")
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		APIBase:    env.String("MAESTRO_PROVIDER_API_BASE", ""),
		ControlURL: env.String("MAESTRO_PROVIDER_CONTROL_URL", ""),
		APIKey:     apiKey,
		UserAgent:  env.String("MAESTRO_PROVIDER_USER_AGENT", "maestro-go"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.APIBase) == "" {
		return errors.New("MAESTRO_PROVIDER_API_BASE is required")
	}
	if strings.TrimSpace(c.ControlURL) == "" {
		return errors.New("MAESTRO_PROVIDER_CONTROL_URL is required")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return errors.New("MAESTRO_PROVIDER_API_KEY is required")
	}
	return nil
}

// Client implements Provider against an HTTP job surface and a GraphQL
// control surface. Requests carry a bearer token injected by the oauth2
// transport; deadlines come from the caller's context, never from the
// client, so sync dispatch can hold a call open for minutes.
type Client struct {
	apiBase    string
	controlURL string
	userAgent  string
	http       *http.Client
}

var _ Provider = (*Client)(nil)

func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base := &http.Client{Transport: newTransport()}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.APIKey})
	return &Client{
		apiBase:    strings.TrimRight(cfg.APIBase, "/"),
		controlURL: strings.TrimSpace(cfg.ControlURL),
		userAgent:  cfg.UserAgent,
		http:       oauth2.NewClient(tokenCtx, source),
	}, nil
}

func (c *Client) Submit(ctx context.Context, endpointID string, input json.RawMessage) (JobState, error) {
	return c.postJob(ctx, endpointID, "run", input)
}

func (c *Client) SubmitSync(ctx context.Context, endpointID string, input json.RawMessage) (JobState, error) {
	return c.postJob(ctx, endpointID, "runsync", input)
}

func (c *Client) Inspect(ctx context.Context, endpointID, jobID string) (JobState, error) {
	if err := requireIDs(endpointID, jobID); err != nil {
		return JobState{}, err
	}
	var state jobStateWire
	if err := c.doJSON(ctx, http.MethodGet, c.jobURL(endpointID, "status/"+jobID), nil, &state); err != nil {
		return JobState{}, err
	}
	return state.toJobState(), nil
}

func (c *Client) Cancel(ctx context.Context, endpointID, jobID string) error {
	if err := requireIDs(endpointID, jobID); err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodPost, c.jobURL(endpointID, "cancel/"+jobID), nil, nil)
}

func (c *Client) Health(ctx context.Context, endpointID string) (HealthReport, error) {
	if strings.TrimSpace(endpointID) == "" {
		return HealthReport{}, errors.New("endpoint id is required")
	}
	var wire healthWire
	if err := c.doJSON(ctx, http.MethodGet, c.jobURL(endpointID, "health"), nil, &wire); err != nil {
		return HealthReport{}, err
	}
	return HealthReport{
		WorkersIdle:         wire.Workers.Idle,
		WorkersInitializing: wire.Workers.Initializing,
		WorkersReady:        wire.Workers.Ready,
		WorkersRunning:      wire.Workers.Running,
		WorkersUnhealthy:    wire.Workers.Unhealthy,
		JobsInQueue:         wire.Jobs.InQueue,
		JobsInProgress:      wire.Jobs.InProgress,
	}, nil
}

// OpenStream attaches to the incremental output of an already submitted job.
// The caller owns the returned reader and must close it.
func (c *Client) OpenStream(ctx context.Context, endpointID, jobID string) (*StreamReader, error) {
	if err := requireIDs(endpointID, jobID); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jobURL(endpointID, "stream/"+jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		_ = resp.Body.Close()
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return NewStreamReader(resp.Body), nil
}

func (c *Client) postJob(ctx context.Context, endpointID, op string, input json.RawMessage) (JobState, error) {
	if strings.TrimSpace(endpointID) == "" {
		return JobState{}, errors.New("endpoint id is required")
	}
	if len(input) == 0 {
		return JobState{}, errors.New("input payload is required")
	}
	body, err := json.Marshal(map[string]json.RawMessage{"input": input})
	if err != nil {
		return JobState{}, fmt.Errorf("encode input: %w", err)
	}
	var state jobStateWire
	if err := c.doJSON(ctx, http.MethodPost, c.jobURL(endpointID, op), body, &state); err != nil {
		return JobState{}, err
	}
	return state.toJobState(), nil
}

func (c *Client) jobURL(endpointID string, suffix string) string {
	return c.apiBase + "/" + strings.TrimSpace(endpointID) + "/" + suffix
}

func (c *Client) doJSON(ctx context.Context, method, url string, body []byte, out any) error {
	if c == nil || c.http == nil {
		return errors.New("compute client not initialized")
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(payload)}
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func requireIDs(endpointID, jobID string) error {
	if strings.TrimSpace(endpointID) == "" {
		return errors.New("endpoint id is required")
	}
	if strings.TrimSpace(jobID) == "" {
		return errors.New("job id is required")
	}
	return nil
}

type jobStateWire struct {
	ID            string          `json:"id"`
	Status        string          `json:"status"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	DelayTime     int64           `json:"delayTime,omitempty"`
	ExecutionTime int64           `json:"executionTime,omitempty"`
}

func (w jobStateWire) toJobState() JobState {
	return JobState{
		JobID:       w.ID,
		Status:      RemoteStatus(strings.ToUpper(strings.TrimSpace(w.Status))),
		Output:      w.Output,
		Error:       w.Error,
		DelayMS:     w.DelayTime,
		ExecutionMS: w.ExecutionTime,
	}
}

type healthWire struct {
	Jobs struct {
		InQueue    int `json:"inQueue"`
		InProgress int `json:"inProgress"`
	} `json:"jobs"`
	Workers struct {
		Idle         int `json:"idle"`
		Initializing int `json:"initializing"`
		Ready        int `json:"ready"`
		Running      int `json:"running"`
		Unhealthy    int `json:"unhealthy"`
	} `json:"workers"`
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
