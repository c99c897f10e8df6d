package printmirror

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Transition is the outcome of one tracker observation.
type Transition int

const (
	TransitionNone Transition = iota
	TransitionJobStarted
	TransitionJobEnded
)

func (t Transition) String() string {
	switch t {
	case TransitionJobStarted:
		return "job_started"
	case TransitionJobEnded:
		return "job_ended"
	default:
		return "none"
	}
}

// CoverState tracks the preview-image download lifecycle for one job.
type CoverState int

const (
	CoverNotRequested CoverState = iota
	CoverDownloading
	CoverReady
	CoverFailed
)

func (s CoverState) String() string {
	switch s {
	case CoverDownloading:
		return "downloading"
	case CoverReady:
		return "ready"
	case CoverFailed:
		return "failed"
	default:
		return "not_requested"
	}
}

// PrintJob holds tracker-owned metadata for the active job. It exists only
// while the latest snapshot reports an active gcode state.
type PrintJob struct {
	// FirstStartTime is the device-reported start time. The first few
	// snapshots of a job sometimes omit it; it is backfilled later without
	// emitting an event.
	FirstStartTime *time.Time
	StartTime      time.Time
	SubtaskName    string
	CoverState     CoverState
	CoverPath      string
	// Generation distinguishes this job from earlier ones so a cover
	// download finishing late cannot publish into a newer job.
	Generation uint64
}

// PrintJobTracker turns a stream of device snapshots into job lifecycle
// transitions. Observe is idempotent under repeated identical snapshots and
// performs no I/O.
type PrintJobTracker struct {
	mu         sync.Mutex
	job        *PrintJob
	generation uint64
	now        func() time.Time
}

// NewPrintJobTracker builds an empty tracker.
func NewPrintJobTracker() *PrintJobTracker {
	return &PrintJobTracker{now: time.Now}
}

// Observe consumes one snapshot and reports whether a job started or ended.
// Called once per poll tick from the render path.
func (t *PrintJobTracker) Observe(snap DeviceSnapshot) Transition {
	active := !IsTerminalGcodeState(snap.GcodeState) && snap.HasJob

	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.job == nil && active:
		t.generation++
		start := t.now()
		if snap.StartTime != nil {
			start = *snap.StartTime
		}
		t.job = &PrintJob{
			FirstStartTime: snap.StartTime,
			StartTime:      start,
			SubtaskName:    snap.SubtaskName,
			CoverState:     CoverNotRequested,
			Generation:     t.generation,
		}
		log.Info().Str("subtask", snap.SubtaskName).Str("gcode_state", snap.GcodeState).Msg("print job started")
		return TransitionJobStarted

	case t.job != nil && !active:
		log.Info().Str("subtask", t.job.SubtaskName).Str("gcode_state", snap.GcodeState).Msg("print job ended")
		t.job = nil
		return TransitionJobEnded

	case t.job != nil && t.job.FirstStartTime == nil && snap.StartTime != nil:
		// The device omits the true start time in early snapshots.
		log.Debug().Time("start_time", *snap.StartTime).Msg("backfilled job start time")
		t.job.FirstStartTime = snap.StartTime
		t.job.StartTime = *snap.StartTime
		return TransitionNone
	}
	return TransitionNone
}

// Job returns a copy of the active job, or nil when idle.
func (t *PrintJobTracker) Job() *PrintJob {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.job == nil {
		return nil
	}
	job := *t.job
	return &job
}

// Generation returns the active job's generation, or 0 when idle.
func (t *PrintJobTracker) Generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.job == nil {
		return 0
	}
	return t.job.Generation
}

// BeginCoverDownload flips the active job to Downloading and reports whether
// the caller won the right to dispatch a fetch. At most one caller per job
// generation gets true.
func (t *PrintJobTracker) BeginCoverDownload() (generation uint64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.job == nil || t.job.CoverState != CoverNotRequested {
		return 0, false
	}
	t.job.CoverState = CoverDownloading
	return t.job.Generation, true
}

// PublishCoverResult records the outcome of a cover fetch. The result is
// discarded when the job it targeted is gone or was replaced.
func (t *PrintJobTracker) PublishCoverResult(generation uint64, path string, err error) (accepted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.job == nil || t.job.Generation != generation {
		return false
	}
	if t.job.CoverState != CoverDownloading {
		return false
	}
	if err != nil {
		t.job.CoverState = CoverFailed
		return true
	}
	t.job.CoverState = CoverReady
	t.job.CoverPath = path
	return true
}
