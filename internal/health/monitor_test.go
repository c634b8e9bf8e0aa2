package health

import (
	"testing"
	"time"

	"github.com/meshline/meshline/internal/chat"
)

func newTestMonitor(clock *fakeClock) *Monitor {
	return NewMonitor(CollectorConfig{
		Window:              time.Minute,
		DisconnectThreshold: 30 * time.Second,
		Now:                 clock.now,
	}, nil)
}

func TestMonitorLazyCollectorCreation(t *testing.T) {
	m := newTestMonitor(newClock())

	if _, ok := m.Snapshot(chat.PlatformSignal); ok {
		t.Fatal("snapshot for unknown platform should report !ok")
	}

	m.Record(chat.PlatformSignal, ActionResult{Success: true})
	snap, ok := m.Snapshot(chat.PlatformSignal)
	if !ok {
		t.Fatal("collector not created on first record")
	}
	if snap.SampleCount != 1 {
		t.Errorf("SampleCount = %d, want 1", snap.SampleCount)
	}
}

func TestMonitorRegisterPlatform(t *testing.T) {
	m := newTestMonitor(newClock())
	m.RegisterPlatform(chat.PlatformTelegram)

	all := m.SnapshotAll()
	if _, ok := all[chat.PlatformTelegram]; !ok {
		t.Error("registered platform missing from SnapshotAll")
	}
}

func TestMonitorListenerNotifiedPerPlatform(t *testing.T) {
	m := newTestMonitor(newClock())
	m.Record(chat.PlatformSignal, ActionResult{Success: true})
	m.Record(chat.PlatformTelegram, ActionResult{Success: true})

	seen := map[chat.Platform]int{}
	unsub := m.OnSnapshot(func(p chat.Platform, _ Metrics) { seen[p]++ })
	defer unsub()

	m.SnapshotAll()
	if seen[chat.PlatformSignal] != 1 || seen[chat.PlatformTelegram] != 1 {
		t.Errorf("listener notifications = %v", seen)
	}
}

func TestMonitorListenerPanicContained(t *testing.T) {
	m := newTestMonitor(newClock())
	m.Record(chat.PlatformSignal, ActionResult{Success: true})

	calls := 0
	m.OnSnapshot(func(chat.Platform, Metrics) { panic("bad listener") })
	m.OnSnapshot(func(chat.Platform, Metrics) { calls++ })

	m.SnapshotAll() // must not panic
	if calls != 1 {
		t.Errorf("surviving listener calls = %d, want 1", calls)
	}
}

func TestHasDetectionSignal(t *testing.T) {
	m := newTestMonitor(newClock())
	m.Record(chat.PlatformSignal, ActionResult{Success: true})

	if m.HasDetectionSignal() {
		t.Error("detection signal with clean samples")
	}

	m.Record(chat.PlatformWebchat, ActionResult{Success: false, Detection: DetectionSuspected})
	if !m.HasDetectionSignal() {
		t.Error("suspected-detection sample not surfaced")
	}
}

func TestDisconnectedPlatforms(t *testing.T) {
	clock := newClock()
	m := newTestMonitor(clock)

	m.Record(chat.PlatformSignal, ActionResult{Success: true})
	m.RegisterPlatform(chat.PlatformWebchat) // never succeeded

	got := m.DisconnectedPlatforms()
	if len(got) != 1 || got[0] != chat.PlatformWebchat {
		t.Errorf("DisconnectedPlatforms = %v, want [webchat]", got)
	}

	clock.advance(time.Minute) // signal success ages past the threshold
	got = m.DisconnectedPlatforms()
	if len(got) != 2 {
		t.Errorf("DisconnectedPlatforms = %v, want both platforms", got)
	}
}

func TestMonitorReset(t *testing.T) {
	m := newTestMonitor(newClock())
	m.Record(chat.PlatformSignal, ActionResult{Success: true})
	m.Record(chat.PlatformTelegram, ActionResult{Success: true})

	m.Reset(chat.PlatformSignal)
	if snap, _ := m.Snapshot(chat.PlatformSignal); snap.SampleCount != 0 {
		t.Error("signal collector not reset")
	}
	if snap, _ := m.Snapshot(chat.PlatformTelegram); snap.SampleCount != 1 {
		t.Error("telegram collector unexpectedly reset")
	}

	m.Reset()
	if snap, _ := m.Snapshot(chat.PlatformTelegram); snap.SampleCount != 0 {
		t.Error("Reset() without arguments did not clear all collectors")
	}
}
