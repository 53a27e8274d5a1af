// Package procdir implements component C2, the Process Directory:
// enumerating local processes, classifying bitness, opening
// rights-limited handles, and raising SeDebugPrivilege. Grounded on
// original_source/src/core/process_manager.cpp for the operation set and
// on golang.org/x/sys/windows for every live syscall, the way
// DarkiT-wireguard's memmod_windows.go calls into x/sys/windows directly.
package procdir

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/skyfiend/xordll/internal/model"
)

// Directory enumerates and caches the local process table. Refresh is
// one-in-flight: a second concurrent refresh returns ErrBusy immediately
// rather than queueing, per spec.md §4.C2.
type Directory struct {
	mu          sync.RWMutex
	processes   []model.ProcessDescriptor
	refreshing  atomic.Bool
}

// New builds an empty Directory; call Refresh before reading.
func New() *Directory {
	return &Directory{}
}

// ErrBusy is returned by Refresh when a refresh is already in flight.
var ErrBusy = busyError{}

type busyError struct{}

func (busyError) Error() string { return "procdir: refresh already in progress" }

// Refresh snapshots the process table. See procdir_windows.go for the
// actual Toolhelp32 walk.
func (d *Directory) Refresh() error {
	if !d.refreshing.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer d.refreshing.Store(false)

	procs, err := snapshotProcesses()
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.processes = procs
	d.mu.Unlock()
	return nil
}

// List returns the most recent snapshot.
func (d *Directory) List() []model.ProcessDescriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]model.ProcessDescriptor, len(d.processes))
	copy(out, d.processes)
	return out
}

// FilterByName does a case-insensitive substring match against
// ProcessDescriptor.Name, per spec.md §4.C2.
func (d *Directory) FilterByName(substr string) []model.ProcessDescriptor {
	needle := strings.ToLower(substr)
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []model.ProcessDescriptor
	for _, p := range d.processes {
		if strings.Contains(strings.ToLower(p.Name), needle) {
			out = append(out, p)
		}
	}
	return out
}

// FindByPid looks up a single process in the last snapshot.
func (d *Directory) FindByPid(pid uint32) (model.ProcessDescriptor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, p := range d.processes {
		if p.Pid == pid {
			return p, true
		}
	}
	return model.ProcessDescriptor{}, false
}

// IsSystemProcess classifies pid 0/4 or an image path under the Windows
// directory as a system process, per spec.md §4.C2.
func IsSystemProcess(pid uint32, imagePath string) bool {
	if pid == 0 || pid == 4 {
		return true
	}
	winDir := windowsDirectory()
	if winDir == "" {
		return false
	}
	return strings.HasPrefix(strings.ToLower(imagePath), strings.ToLower(winDir))
}
