// Package jobs is the upward-facing API of the orchestration layer. The CRUD
// tier calls it with plain inputs; it shapes provider payloads, drives the
// dispatcher, and lands binary outputs in durable storage through the
// reconciler.
package jobs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sylvanlabs/maestro-go/internal/dispatch"
	"github.com/sylvanlabs/maestro-go/internal/domain"
	"github.com/sylvanlabs/maestro-go/internal/reconcile"
	"github.com/sylvanlabs/maestro-go/internal/workflow"
)

// Dispatcher drives submissions. Satisfied by *dispatch.Dispatcher.
type Dispatcher interface {
	Submit(ctx context.Context, req dispatch.Request) (domain.Job, error)
	SubmitStream(ctx context.Context, req dispatch.Request) (*dispatch.Stream, error)
}

// Reconciler lands artifacts durably and fetches them back, recovering from
// origin when the durable copy is gone. Satisfied by *reconcile.Reconciler.
type Reconciler interface {
	Store(ctx context.Context, ownerID, jobID, category string, artifacts []reconcile.Artifact) (domain.ArtifactRecord, error)
	Fetch(ctx context.Context, ownerID, jobID string) ([]byte, error)
	PresignPrimary(ctx context.Context, rec domain.ArtifactRecord, ttl time.Duration) (string, error)
}

// ArtifactRef is what the CRUD tier holds onto after a job that produced a
// durable output: enough to fetch the bytes again and a presigned URL for
// direct client download.
type ArtifactRef struct {
	OwnerID string `json:"owner_id"`
	JobID   string `json:"job_id"`
	Key     string `json:"key"`
	SHA256  string `json:"sha256"`
	URL     string `json:"url,omitempty"`
}

type GenerationInput struct {
	OwnerID string         `json:"owner_id"`
	Prompt  string         `json:"prompt"`
	Params  map[string]any `json:"params,omitempty"`
}

type TTSInput struct {
	OwnerID string `json:"owner_id"`
	Text    string `json:"text"`
	Voice   string `json:"voice,omitempty"`
}

type ImageInput struct {
	OwnerID  string
	Template workflow.Template
	Params   map[string]any
}

const defaultPresignTTL = time.Hour

type Service struct {
	dispatcher Dispatcher
	reconciler Reconciler
	presignTTL time.Duration
}

func NewService(dispatcher Dispatcher, reconciler Reconciler) (*Service, error) {
	if dispatcher == nil {
		return nil, errors.New("jobs: dispatcher is required")
	}
	if reconciler == nil {
		return nil, errors.New("jobs: reconciler is required")
	}
	return &Service{
		dispatcher: dispatcher,
		reconciler: reconciler,
		presignTTL: defaultPresignTTL,
	}, nil
}

// RunGeneration submits a sync text-generation job and returns the generated
// text. A sync wait ceiling surfaces as an error naming the job id; the text
// stays retrievable through a later poll of that id.
func (s *Service) RunGeneration(ctx context.Context, in GenerationInput) (string, error) {
	if s == nil || s.dispatcher == nil {
		return "", errors.New("jobs service not initialized")
	}
	input, err := generationPayload(in)
	if err != nil {
		return "", err
	}
	job, err := s.dispatcher.Submit(ctx, dispatch.Request{
		Role:    domain.RoleGeneration,
		Mode:    domain.ModeSync,
		OwnerID: in.OwnerID,
		Input:   input,
	})
	if err != nil {
		return "", err
	}
	if job.Status != domain.JobCompleted {
		return "", fmt.Errorf("generation job %s ended %s before producing output", job.JobID, job.Status)
	}
	text, err := decodeGeneratedText(job.Output)
	if err != nil {
		return "", fmt.Errorf("generation job %s: %w", job.JobID, err)
	}
	return text, nil
}

// StreamGeneration submits a stream-mode generation job. The caller owns the
// returned stream and must drain or close it.
func (s *Service) StreamGeneration(ctx context.Context, in GenerationInput) (*dispatch.Stream, error) {
	if s == nil || s.dispatcher == nil {
		return nil, errors.New("jobs service not initialized")
	}
	input, err := generationPayload(in)
	if err != nil {
		return nil, err
	}
	return s.dispatcher.SubmitStream(ctx, dispatch.Request{
		Role:    domain.RoleGeneration,
		Mode:    domain.ModeStream,
		OwnerID: in.OwnerID,
		Input:   input,
	})
}

// RunTTS synthesizes speech and lands the audio as a durable artifact.
func (s *Service) RunTTS(ctx context.Context, in TTSInput) (ArtifactRef, error) {
	if s == nil || s.dispatcher == nil {
		return ArtifactRef{}, errors.New("jobs service not initialized")
	}
	if strings.TrimSpace(in.Text) == "" {
		return ArtifactRef{}, &domain.InvalidInputError{Field: "text", Detail: "text to synthesize is required"}
	}
	payload := map[string]any{"text": in.Text}
	if in.Voice != "" {
		payload["voice"] = in.Voice
	}
	input, err := json.Marshal(map[string]any{"input": payload})
	if err != nil {
		return ArtifactRef{}, fmt.Errorf("encode tts input: %w", err)
	}
	job, err := s.runSync(ctx, domain.RoleTTS, in.OwnerID, input)
	if err != nil {
		return ArtifactRef{}, err
	}
	artifacts, err := decodeTTSOutput(job.Output)
	if err != nil {
		return ArtifactRef{}, fmt.Errorf("tts job %s: %w", job.JobID, err)
	}
	return s.storeRef(ctx, in.OwnerID, job.JobID, "tts_audio", artifacts)
}

// RunImage renders a workflow template with the caller's parameters, submits
// the graph as a sync image job, and lands the produced images durably.
func (s *Service) RunImage(ctx context.Context, in ImageInput) (ArtifactRef, error) {
	if s == nil || s.dispatcher == nil {
		return ArtifactRef{}, errors.New("jobs service not initialized")
	}
	graph, err := in.Template.Render(in.Params)
	if err != nil {
		return ArtifactRef{}, err
	}
	input, err := json.Marshal(map[string]json.RawMessage{"input": graph})
	if err != nil {
		return ArtifactRef{}, fmt.Errorf("encode workflow input: %w", err)
	}
	job, err := s.runSync(ctx, domain.RoleImage, in.OwnerID, input)
	if err != nil {
		return ArtifactRef{}, err
	}
	artifacts, err := decodeImageOutput(job.Output)
	if err != nil {
		return ArtifactRef{}, fmt.Errorf("image job %s: %w", job.JobID, err)
	}
	return s.storeRef(ctx, in.OwnerID, job.JobID, "image", artifacts)
}

// GetArtifact returns the stored bytes for an owner's job output. A durable
// miss runs origin recovery transparently; only when both are exhausted does
// the caller see ArtifactUnrecoverable.
func (s *Service) GetArtifact(ctx context.Context, ownerID, jobID string) ([]byte, error) {
	if s == nil || s.reconciler == nil {
		return nil, errors.New("jobs service not initialized")
	}
	return s.reconciler.Fetch(ctx, ownerID, jobID)
}

func (s *Service) runSync(ctx context.Context, role domain.Role, ownerID string, input json.RawMessage) (domain.Job, error) {
	job, err := s.dispatcher.Submit(ctx, dispatch.Request{
		Role:    role,
		Mode:    domain.ModeSync,
		OwnerID: ownerID,
		Input:   input,
	})
	if err != nil {
		return domain.Job{}, err
	}
	if job.Status != domain.JobCompleted {
		return domain.Job{}, fmt.Errorf("%s job %s ended %s before producing output", role, job.JobID, job.Status)
	}
	return job, nil
}

func (s *Service) storeRef(ctx context.Context, ownerID, jobID, category string, artifacts []reconcile.Artifact) (ArtifactRef, error) {
	rec, err := s.reconciler.Store(ctx, ownerID, jobID, category, artifacts)
	if err != nil {
		return ArtifactRef{}, err
	}
	ref := ArtifactRef{
		OwnerID: rec.OwnerID,
		JobID:   rec.JobID,
		Key:     rec.PrimaryKey,
		SHA256:  rec.SHA256,
	}
	url, err := s.reconciler.PresignPrimary(ctx, rec, s.presignTTL)
	if err != nil {
		// the artifact is durable without a presigned link
		slog.Warn("presign artifact url failed", "owner_id", ownerID, "job_id", jobID, "error", err)
		return ref, nil
	}
	ref.URL = url
	return ref, nil
}

func generationPayload(in GenerationInput) (json.RawMessage, error) {
	if strings.TrimSpace(in.Prompt) == "" {
		return nil, &domain.InvalidInputError{Field: "prompt", Detail: "prompt is required"}
	}
	payload := map[string]any{"prompt": in.Prompt}
	for k, v := range in.Params {
		if k == "prompt" {
			continue
		}
		payload[k] = v
	}
	raw, err := json.Marshal(map[string]any{"input": payload})
	if err != nil {
		return nil, fmt.Errorf("encode generation input: %w", err)
	}
	return raw, nil
}

// decodeGeneratedText accepts the worker output shapes in the wild: a bare
// JSON string, {"text": ...}, or {"choices": [{"text"|"tokens": ...}]}.
func decodeGeneratedText(output json.RawMessage) (string, error) {
	if len(output) == 0 {
		return "", errors.New("empty output")
	}
	var plain string
	if err := json.Unmarshal(output, &plain); err == nil {
		return plain, nil
	}
	var shaped struct {
		Text    string `json:"text"`
		Choices []struct {
			Text   string   `json:"text"`
			Tokens []string `json:"tokens"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(output, &shaped); err != nil {
		return "", fmt.Errorf("decode output: %w", err)
	}
	if shaped.Text != "" {
		return shaped.Text, nil
	}
	if len(shaped.Choices) > 0 {
		if c := shaped.Choices[0]; c.Text != "" {
			return c.Text, nil
		} else if len(c.Tokens) > 0 {
			return strings.Join(c.Tokens, ""), nil
		}
	}
	return "", errors.New("output carries no generated text")
}

func decodeTTSOutput(output json.RawMessage) ([]reconcile.Artifact, error) {
	var shaped struct {
		AudioBase64 string `json:"audio_base64"`
		Format      string `json:"format"`
	}
	if err := json.Unmarshal(output, &shaped); err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	if shaped.AudioBase64 == "" {
		return nil, errors.New("output carries no audio payload")
	}
	data, err := base64.StdEncoding.DecodeString(shaped.AudioBase64)
	if err != nil {
		return nil, fmt.Errorf("decode audio payload: %w", err)
	}
	format := shaped.Format
	if format == "" {
		format = "wav"
	}
	return []reconcile.Artifact{{
		Name:        "speech." + format,
		ContentType: "audio/" + format,
		Data:        data,
	}}, nil
}

func decodeImageOutput(output json.RawMessage) ([]reconcile.Artifact, error) {
	var shaped struct {
		Images []struct {
			Name string `json:"name"`
			Data string `json:"data"`
		} `json:"images"`
		ImageBase64 string `json:"image_base64"`
	}
	if err := json.Unmarshal(output, &shaped); err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	if shaped.ImageBase64 != "" && len(shaped.Images) == 0 {
		shaped.Images = append(shaped.Images, struct {
			Name string `json:"name"`
			Data string `json:"data"`
		}{Name: "image-0.png", Data: shaped.ImageBase64})
	}
	if len(shaped.Images) == 0 {
		return nil, errors.New("output carries no images")
	}
	artifacts := make([]reconcile.Artifact, 0, len(shaped.Images))
	for i, img := range shaped.Images {
		data, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			return nil, fmt.Errorf("decode image %d: %w", i, err)
		}
		name := img.Name
		if name == "" {
			name = fmt.Sprintf("image-%d.png", i)
		}
		artifacts = append(artifacts, reconcile.Artifact{
			Name:        name,
			ContentType: "image/png",
			Data:        data,
		})
	}
	return artifacts, nil
}
