package printmirror

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// TelemetrySource supplies the last-known device snapshot without blocking.
// *telemetry.Client satisfies it.
type TelemetrySource interface {
	Connected() bool
	Snapshot() DeviceSnapshot
}

// HistoryRecorder archives job lifecycle rows. *storage.HistoryStore
// satisfies it.
type HistoryRecorder interface {
	RecordStart(ctx context.Context, jobID, subtaskName string, startedAt time.Time) error
	RecordEnd(ctx context.Context, jobID, finalState, coverPath string, endedAt time.Time) error
}

// AgentConfig wires the agent's collaborators.
type AgentConfig struct {
	Telemetry TelemetrySource
	Auth      *CloudAuthStateMachine
	Tracker   *PrintJobTracker
	Covers    *CoverFetcher
	History   HistoryRecorder // optional

	PollInterval    time.Duration // default 1s
	RefreshInterval time.Duration // default 5m
}

// Agent is the cross-thread glue: it polls telemetry into the job tracker,
// triggers cover fetches, drives the periodic auth refresh, and assembles
// the display view. Status never blocks; the loops run under a SafeGroup.
type Agent struct {
	cfg AgentConfig

	jobID          string
	lastErrorCount int
	lastPrintError bool
}

// NewAgent validates the wiring and builds the agent.
func NewAgent(cfg AgentConfig) (*Agent, error) {
	if cfg.Telemetry == nil {
		return nil, errors.New("agent: telemetry source is required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("agent: auth state machine is required")
	}
	if cfg.Tracker == nil {
		return nil, errors.New("agent: job tracker is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Minute
	}
	return &Agent{cfg: cfg}, nil
}

// Run starts the poll and refresh loops and blocks until ctx is canceled.
func (a *Agent) Run(ctx context.Context) error {
	a.cfg.Auth.RestoreSession()

	group := NewSafeGroup(ctx)
	group.GoSafe("poll-loop", a.pollLoop)
	group.GoSafe("auth-refresh", a.refreshLoop)
	return group.Wait()
}

func (a *Agent) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

func (a *Agent) refreshLoop(ctx context.Context) error {
	a.cfg.Auth.Refresh(ctx)
	ticker := time.NewTicker(a.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.cfg.Auth.Refresh(ctx)
		}
	}
}

// Tick runs one poll iteration. Exported so the drawing layer can drive the
// agent from its own frame clock instead of the internal ticker.
func (a *Agent) Tick(ctx context.Context) {
	snap := a.cfg.Telemetry.Snapshot()
	ended := a.cfg.Tracker.Job()

	switch a.cfg.Tracker.Observe(snap) {
	case TransitionJobStarted:
		a.jobID = uuid.NewString()
		if a.cfg.Covers != nil {
			a.cfg.Covers.Trigger(ctx)
		}
		if a.cfg.History != nil {
			job := a.cfg.Tracker.Job()
			jobID := a.jobID
			// History is best effort and must not block the poll path.
			go func() {
				if err := a.cfg.History.RecordStart(ctx, jobID, job.SubtaskName, job.StartTime); err != nil {
					log.Error().Err(err).Str("job_id", jobID).Msg("agent: recording job start failed")
				}
			}()
		}
	case TransitionJobEnded:
		if a.cfg.History != nil && ended != nil {
			jobID := a.jobID
			finalState := snap.GcodeState
			coverPath := ended.CoverPath
			go func() {
				if err := a.cfg.History.RecordEnd(ctx, jobID, finalState, coverPath, time.Now()); err != nil {
					log.Error().Err(err).Str("job_id", jobID).Msg("agent: recording job end failed")
				}
			}()
		}
		a.jobID = ""
	}

	a.surfaceDeviceErrors(snap)
}

// surfaceDeviceErrors logs HMS and print errors once per change instead of
// every tick.
func (a *Agent) surfaceDeviceErrors(snap DeviceSnapshot) {
	if count := len(snap.HMSErrors); count != a.lastErrorCount {
		if count > a.lastErrorCount {
			for _, hms := range snap.HMSErrors {
				log.Error().Str("code", hms.Code).Str("severity", hms.Severity).Msg("printer health error")
			}
		}
		a.lastErrorCount = count
	}
	if snap.PrintError != a.lastPrintError {
		if snap.PrintError {
			log.Error().Msg("printer reports a print error")
		}
		a.lastPrintError = snap.PrintError
	}
}

// Status assembles the read-only render view.
func (a *Agent) Status() DisplayStatus {
	return BuildDisplayStatus(
		a.cfg.Telemetry.Snapshot(),
		a.cfg.Tracker.Job(),
		a.cfg.Auth.Connected(),
		a.cfg.Telemetry.Connected(),
		time.Now(),
	)
}
