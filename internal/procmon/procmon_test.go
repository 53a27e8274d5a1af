package procmon

import (
	"testing"

	"github.com/skyfiend/xordll/internal/logging"
	"github.com/skyfiend/xordll/internal/model"
	"github.com/skyfiend/xordll/internal/procdir"
)

func TestIsWatchedCaseInsensitive(t *testing.T) {
	m := New(procdir.New(), func(Event) {}, logging.NoOp())
	m.Watch("Notepad.exe")

	if !m.isWatched("notepad.exe") {
		t.Fatal("expected lowercase match for a mixed-case watch entry")
	}
	if !m.isWatched("NOTEPAD.EXE") {
		t.Fatal("expected uppercase match for a mixed-case watch entry")
	}
}

func TestUnwatchRemovesEntry(t *testing.T) {
	m := New(procdir.New(), func(Event) {}, logging.NoOp())
	m.Watch("calc.exe")
	m.Unwatch("CALC.EXE")

	if m.isWatched("calc.exe") {
		t.Fatal("expected unwatch to remove the entry regardless of case")
	}
}

func TestTickFiresNothingWithoutWatchedProcess(t *testing.T) {
	var got []Event
	m := New(procdir.New(), func(e Event) { got = append(got, e) }, logging.NoOp())
	m.Watch("target.exe")

	m.known = map[uint32]model.ProcessDescriptor{}
	m.dir = procdir.New()

	// tick() calls dir.Refresh(), which takes a live Toolhelp32 snapshot
	// (procdir builds only on Windows); with no process named target.exe
	// running, the diff produces no events.
	m.tick()
	if len(got) != 0 {
		t.Fatalf("expected no events with no target.exe running, got %d", len(got))
	}
}

func TestStartStopIsIdempotent(t *testing.T) {
	m := New(procdir.New(), func(Event) {}, logging.NoOp())
	m.WithInterval(1)
	m.Start()
	m.Start() // second Start must be a no-op, not a double-close panic
	m.Stop()
	m.Stop() // second Stop must be a no-op, not a double-close panic
}
