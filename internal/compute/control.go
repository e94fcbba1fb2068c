package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

// graphql posts one operation to the control surface and decodes data into
// out. Control-level errors come back with HTTP 200, so they are surfaced
// from the errors array, not the status code.
func (c *Client) graphql(ctx context.Context, query string, variables map[string]any, out any) error {
	if c == nil || c.http == nil {
		return errors.New("compute client not initialized")
	}
	body, err := json.Marshal(map[string]any{
		"query":     query,
		"variables": variables,
	})
	if err != nil {
		return fmt.Errorf("encode graphql request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.controlURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build graphql request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
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
		return fmt.Errorf("read graphql response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(payload)}
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("decode graphql envelope: %w", err)
	}
	if len(envelope.Errors) > 0 {
		messages := make([]string, 0, len(envelope.Errors))
		for _, e := range envelope.Errors {
			messages = append(messages, e.Message)
		}
		return fmt.Errorf("graphql: %s", strings.Join(messages, "; "))
	}
	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode graphql data: %w", err)
	}
	return nil
}

const listEndpointsQuery = `query Endpoints {
  myself {
    endpoints {
      id
      name
      templateId
      gpuIds
      workersMin
      workersMax
      idleTimeout
    }
  }
}`

func (c *Client) ListEndpoints(ctx context.Context) ([]RemoteEndpoint, error) {
	var data struct {
		Myself struct {
			Endpoints []remoteEndpointWire `json:"endpoints"`
		} `json:"myself"`
	}
	if err := c.graphql(ctx, listEndpointsQuery, nil, &data); err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	endpoints := make([]RemoteEndpoint, 0, len(data.Myself.Endpoints))
	for _, wire := range data.Myself.Endpoints {
		endpoints = append(endpoints, wire.toRemoteEndpoint())
	}
	return endpoints, nil
}

const saveTemplateMutation = `mutation SaveTemplate($input: SaveTemplateInput!) {
  saveTemplate(input: $input) {
    id
  }
}`

const saveEndpointMutation = `mutation SaveEndpoint($input: EndpointInput!) {
  saveEndpoint(input: $input) {
    id
    name
    templateId
    gpuIds
    workersMin
    workersMax
    idleTimeout
  }
}`

// CreateEndpoint provisions a container template and an endpoint referencing
// it. The two control calls are not atomic; a template without an endpoint
// is inert and harmless on the provider side.
func (c *Client) CreateEndpoint(ctx context.Context, req CreateEndpointRequest) (RemoteEndpoint, error) {
	if err := req.Validate(); err != nil {
		return RemoteEndpoint{}, err
	}

	templateEnv := make([]map[string]string, 0, len(req.Env))
	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		templateEnv = append(templateEnv, map[string]string{"key": k, "value": req.Env[k]})
	}

	var templateData struct {
		SaveTemplate struct {
			ID string `json:"id"`
		} `json:"saveTemplate"`
	}
	err := c.graphql(ctx, saveTemplateMutation, map[string]any{
		"input": map[string]any{
			"name":              req.Name + "-template",
			"imageName":         req.ImageRef,
			"containerDiskInGb": req.Resources.DiskGB,
			"volumeInGb":        0,
			"env":               templateEnv,
			"isServerless":      true,
		},
	}, &templateData)
	if err != nil {
		return RemoteEndpoint{}, fmt.Errorf("save template: %w", err)
	}
	templateID := strings.TrimSpace(templateData.SaveTemplate.ID)
	if templateID == "" {
		return RemoteEndpoint{}, errors.New("save template: empty template id")
	}

	var endpointData struct {
		SaveEndpoint remoteEndpointWire `json:"saveEndpoint"`
	}
	err = c.graphql(ctx, saveEndpointMutation, map[string]any{
		"input": map[string]any{
			"name":        req.Name,
			"templateId":  templateID,
			"gpuIds":      strings.Join(req.Resources.GPUTypes, ","),
			"workersMin":  req.Resources.WorkersMin,
			"workersMax":  req.Resources.WorkersMax,
			"idleTimeout": req.Resources.IdleTimeoutSeconds,
			"scalerType":  "QUEUE_DELAY",
			"scalerValue": 4,
		},
	}, &endpointData)
	if err != nil {
		return RemoteEndpoint{}, fmt.Errorf("save endpoint: %w", err)
	}
	ep := endpointData.SaveEndpoint.toRemoteEndpoint()
	if ep.ID == "" {
		return RemoteEndpoint{}, errors.New("save endpoint: empty endpoint id")
	}
	if ep.TemplateID == "" {
		ep.TemplateID = templateID
	}
	return ep, nil
}

type remoteEndpointWire struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	TemplateID  string `json:"templateId"`
	GPUIDs      string `json:"gpuIds"`
	WorkersMin  int    `json:"workersMin"`
	WorkersMax  int    `json:"workersMax"`
	IdleTimeout int    `json:"idleTimeout"`
}

func (w remoteEndpointWire) toRemoteEndpoint() RemoteEndpoint {
	var gpus []string
	for _, gpu := range strings.Split(w.GPUIDs, ",") {
		if gpu = strings.TrimSpace(gpu); gpu != "" {
			gpus = append(gpus, gpu)
		}
	}
	return RemoteEndpoint{
		ID:          strings.TrimSpace(w.ID),
		Name:        strings.TrimSpace(w.Name),
		TemplateID:  strings.TrimSpace(w.TemplateID),
		GPUTypes:    gpus,
		WorkersMin:  w.WorkersMin,
		WorkersMax:  w.WorkersMax,
		IdleTimeout: w.IdleTimeout,
	}
}
