// Package readiness gates job dispatch on a freshly provisioned endpoint
// finishing its cold boot. Probing is bounded: exponential backoff between
// probes up to a cap, and a total wall budget sized for large model
// containers.
package readiness

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sylvanlabs/maestro-go/internal/compute"
	"github.com/sylvanlabs/maestro-go/internal/domain"
	"github.com/sylvanlabs/maestro-go/internal/platform/env"
)

// HealthProber is the slice of the provider surface the gate needs.
type HealthProber interface {
	Health(ctx context.Context, endpointID string) (compute.HealthReport, error)
}

// StatusSink receives probe outcomes. The registry implements it, so a
// failed boot triggers re-provisioning on the next resolve.
type StatusSink interface {
	MarkReady(ctx context.Context, role domain.Role, endpointID string) error
	MarkDegraded(ctx context.Context, role domain.Role, endpointID, reason string) error
}

type Config struct {
	BaseInterval time.Duration
	MaxInterval  time.Duration
	WaitCeiling  time.Duration
}

func ConfigFromEnv() (Config, error) {
	base, err := env.Duration("MAESTRO_READINESS_BASE_INTERVAL", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	max, err := env.Duration("MAESTRO_READINESS_MAX_INTERVAL", 40*time.Second)
	if err != nil {
		return Config{}, err
	}
	ceiling, err := env.Duration("MAESTRO_READINESS_WAIT_CEILING", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{BaseInterval: base, MaxInterval: max, WaitCeiling: ceiling}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.BaseInterval <= 0 {
		return errors.New("base interval must be positive")
	}
	if c.MaxInterval < c.BaseInterval {
		return errors.New("max interval must be >= base interval")
	}
	if c.WaitCeiling < c.BaseInterval {
		return errors.New("wait ceiling must be >= base interval")
	}
	return nil
}

// Prober drives the provisioning → booting → ready state machine for one
// endpoint at a time. Clock and sleep are injectable so the budget is
// testable without real waits.
type Prober struct {
	probe HealthProber
	sink  StatusSink
	cfg   Config
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewProber(probe HealthProber, sink StatusSink, cfg Config) (*Prober, error) {
	if probe == nil {
		return nil, errors.New("health prober is required")
	}
	if sink == nil {
		return nil, errors.New("status sink is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Prober{
		probe: probe,
		sink:  sink,
		cfg:   cfg,
		now:   time.Now,
		sleep: sleepContext,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// WaitReady blocks until the endpoint can take traffic. An already-ready
// endpoint returns immediately without a probe, so steady-state dispatch
// pays nothing here. Budget exhaustion degrades the endpoint through the
// sink and returns EndpointUnavailableError.
func (p *Prober) WaitReady(ctx context.Context, ep domain.Endpoint) error {
	if p == nil || p.probe == nil || p.sink == nil {
		return errors.New("prober not initialized")
	}
	if ep.Status == domain.EndpointReady {
		return nil
	}

	deadline := p.now().Add(p.cfg.WaitCeiling)
	interval := p.cfg.BaseInterval
	attempt := 0

	for {
		report, err := p.probe.Health(ctx, ep.EndpointID)
		if err == nil && report.Ready() {
			if err := p.sink.MarkReady(ctx, ep.Role, ep.EndpointID); err != nil {
				slog.Warn("mark ready failed", "role", ep.Role, "endpoint_id", ep.EndpointID, "error", err)
			}
			slog.Info("endpoint ready", "role", ep.Role, "endpoint_id", ep.EndpointID, "probes", attempt+1)
			return nil
		}
		attempt++
		if err != nil {
			// a booting instance drops connections; treat as a failed probe
			slog.Debug("health probe failed", "role", ep.Role, "endpoint_id", ep.EndpointID, "attempt", attempt, "error", err)
		}

		if !p.now().Add(interval).Before(deadline) {
			reason := "readiness budget exhausted"
			if err != nil {
				reason += ": " + err.Error()
			}
			if sinkErr := p.sink.MarkDegraded(ctx, ep.Role, ep.EndpointID, reason); sinkErr != nil {
				slog.Warn("mark degraded failed", "role", ep.Role, "endpoint_id", ep.EndpointID, "error", sinkErr)
			}
			return &domain.EndpointUnavailableError{Role: ep.Role, Detail: reason, Err: err}
		}
		if err := p.sleep(ctx, interval); err != nil {
			return err
		}
		interval *= 2
		if interval > p.cfg.MaxInterval {
			interval = p.cfg.MaxInterval
		}
	}
}
