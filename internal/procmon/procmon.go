// Package procmon implements component C9, the Process Monitor: a
// background poller that diffs successive process-table snapshots and
// fires Started/Terminated callbacks for watched process names.
// Grounded on the teacher's filewatcher_windows.go poll/debounce loop
// shape (ticker + mutex-guarded map + stop channel), generalized from
// file mtimes to process snapshots.
package procmon

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skyfiend/xordll/internal/model"
	"github.com/skyfiend/xordll/internal/procdir"
)

// EventKind distinguishes a process appearing from a process leaving.
type EventKind int

const (
	Started EventKind = iota
	Terminated
)

// Event pairs a process snapshot with what happened to it.
type Event struct {
	Kind    EventKind
	Process model.ProcessDescriptor
}

// Callback receives events filtered by watch-list membership.
type Callback func(Event)

const defaultPollInterval = 1000 * time.Millisecond

// Monitor owns a single poller thread and a case-insensitive watch-list
// of process file names.
type Monitor struct {
	dir      *procdir.Directory
	interval time.Duration
	onEvent  Callback
	logger   *zap.Logger

	mu       sync.Mutex
	watch    map[string]struct{}
	known    map[uint32]model.ProcessDescriptor
	stopChan chan struct{}
	running  bool
}

// New builds a Monitor with the default 1000ms interval. Use
// WithInterval to override it before calling Start.
func New(dir *procdir.Directory, onEvent Callback, logger *zap.Logger) *Monitor {
	return &Monitor{
		dir:      dir,
		interval: defaultPollInterval,
		onEvent:  onEvent,
		logger:   logger,
		watch:    make(map[string]struct{}),
		known:    make(map[uint32]model.ProcessDescriptor),
	}
}

// WithInterval overrides the poll interval; must be called before Start.
func (m *Monitor) WithInterval(d time.Duration) *Monitor {
	m.interval = d
	return m
}

// Watch adds a process file name (case-insensitive) to the watch-list.
func (m *Monitor) Watch(processName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watch[strings.ToLower(processName)] = struct{}{}
}

// Unwatch removes a process file name from the watch-list.
func (m *Monitor) Unwatch(processName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watch, strings.ToLower(processName))
}

// isWatched reports whether name (any case) is currently on the
// watch-list.
func (m *Monitor) isWatched(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watch[strings.ToLower(name)]
	return ok
}

// Start begins polling on its own goroutine. Stop is cooperative via a
// monotone running flag and a close of stopChan; Start is a no-op if
// already running.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.mu.Unlock()

	go m.poll()
}

// Stop signals the poller to exit. It does not block for the poller to
// observe the signal; callers that need that guarantee should add their
// own synchronization around Callback.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stopChan)
}

func (m *Monitor) poll() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.mu.Lock()
	stop := m.stopChan
	m.mu.Unlock()

	for {
		select {
		case <-ticker.C:
			m.tick()
		case <-stop:
			return
		}
	}
}

// tick refreshes the process directory and diffs against the last
// known set, firing Started for new pids and Terminated for pids that
// dropped out of the snapshot.
func (m *Monitor) tick() {
	if err := m.dir.Refresh(); err != nil {
		if err != procdir.ErrBusy {
			m.logger.Warn("process directory refresh failed", zap.Error(err))
		}
		return
	}

	current := m.dir.List()
	currentByPid := make(map[uint32]model.ProcessDescriptor, len(current))
	for _, p := range current {
		currentByPid[p.Pid] = p
	}

	m.mu.Lock()
	prevKnown := m.known
	m.mu.Unlock()

	for pid, p := range currentByPid {
		if _, existed := prevKnown[pid]; !existed {
			if m.isWatched(p.Name) {
				m.onEvent(Event{Kind: Started, Process: p})
			}
		}
	}

	for pid, p := range prevKnown {
		if _, stillThere := currentByPid[pid]; !stillThere {
			if m.isWatched(p.Name) {
				m.onEvent(Event{Kind: Terminated, Process: p})
			}
		}
	}

	m.mu.Lock()
	m.known = currentByPid
	m.mu.Unlock()
}
