package printmirror

import (
	"context"
	"sync"
	"testing"
	"time"
)

type stubTelemetry struct {
	mu        sync.Mutex
	snap      DeviceSnapshot
	connected bool
}

func (s *stubTelemetry) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *stubTelemetry) Snapshot() DeviceSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *stubTelemetry) set(snap DeviceSnapshot) {
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}

type historyCall struct {
	kind       string
	jobID      string
	subtask    string
	finalState string
	coverPath  string
}

type stubHistory struct {
	mu    sync.Mutex
	calls []historyCall
}

func (h *stubHistory) RecordStart(ctx context.Context, jobID, subtaskName string, startedAt time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, historyCall{kind: "start", jobID: jobID, subtask: subtaskName})
	return nil
}

func (h *stubHistory) RecordEnd(ctx context.Context, jobID, finalState, coverPath string, endedAt time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, historyCall{kind: "end", jobID: jobID, finalState: finalState, coverPath: coverPath})
	return nil
}

func (h *stubHistory) snapshot() []historyCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]historyCall, len(h.calls))
	copy(out, h.calls)
	return out
}

func newTestAgent(t *testing.T, telemetry *stubTelemetry, history HistoryRecorder) (*Agent, *PrintJobTracker, *stubCoverSource) {
	t.Helper()
	tracker := NewPrintJobTracker()
	source := &stubCoverSource{data: []byte{1}}
	covers := NewCoverFetcher(source, tracker, "01S00C123", t.TempDir())
	auth := NewCloudAuthStateMachine(&stubCloudAccount{}, nil, testCreds())
	agent, err := NewAgent(AgentConfig{
		Telemetry: telemetry,
		Auth:      auth,
		Tracker:   tracker,
		Covers:    covers,
		History:   history,
	})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	return agent, tracker, source
}

func waitForCalls(t *testing.T, history *stubHistory, want int) []historyCall {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if calls := history.snapshot(); len(calls) >= want {
			return calls
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("history never reached %d calls: %+v", want, history.snapshot())
	return nil
}

func TestAgentTickDrivesJobLifecycle(t *testing.T) {
	telemetry := &stubTelemetry{connected: true}
	history := &stubHistory{}
	agent, tracker, source := newTestAgent(t, telemetry, history)
	ctx := context.Background()

	telemetry.set(activeSnapshot("benchy", nil))
	for i := 0; i < 5; i++ {
		agent.Tick(ctx)
	}
	if tracker.Job() == nil {
		t.Fatal("job should be tracked")
	}
	waitForCover(t, tracker, CoverReady)
	if got := source.callCount(); got != 1 {
		t.Fatalf("cover fetched %d times, want 1", got)
	}

	calls := waitForCalls(t, history, 1)
	if calls[0].kind != "start" || calls[0].subtask != "benchy" || calls[0].jobID == "" {
		t.Fatalf("unexpected start record: %+v", calls[0])
	}

	telemetry.set(DeviceSnapshot{GcodeState: GcodeStateFinish})
	agent.Tick(ctx)
	if tracker.Job() != nil {
		t.Fatal("job should be destroyed on finish")
	}
	calls = waitForCalls(t, history, 2)
	var end historyCall
	for _, c := range calls {
		if c.kind == "end" {
			end = c
		}
	}
	if end.jobID != calls[0].jobID || end.finalState != GcodeStateFinish {
		t.Fatalf("unexpected end record: %+v", end)
	}
	if end.coverPath == "" {
		t.Fatal("end record should carry the cover path")
	}
}

func TestAgentStatusReflectsState(t *testing.T) {
	telemetry := &stubTelemetry{connected: true}
	agent, _, _ := newTestAgent(t, telemetry, nil)
	ctx := context.Background()

	status := agent.Status()
	if status.Job != nil || status.CloudConnected {
		t.Fatalf("fresh agent should be idle and logged out: %+v", status)
	}

	snap := activeSnapshot("benchy", nil)
	snap.CurrentLayer = 3
	snap.TotalLayers = 10
	telemetry.set(snap)
	agent.Tick(ctx)

	status = agent.Status()
	if status.Job == nil || status.Job.Name != "benchy" || status.Job.CurrentLayer != 3 {
		t.Fatalf("unexpected status: %+v", status.Job)
	}
	if !status.TelemetryConnected {
		t.Fatal("telemetry connectivity not surfaced")
	}
}

func TestAgentRequiresCollaborators(t *testing.T) {
	if _, err := NewAgent(AgentConfig{}); err == nil {
		t.Fatal("missing telemetry must be rejected")
	}
	telemetry := &stubTelemetry{}
	auth := NewCloudAuthStateMachine(&stubCloudAccount{}, nil, testCreds())
	if _, err := NewAgent(AgentConfig{Telemetry: telemetry, Auth: auth}); err == nil {
		t.Fatal("missing tracker must be rejected")
	}
}
