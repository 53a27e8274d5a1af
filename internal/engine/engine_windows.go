//go:build windows

package engine

import (
	"go.uber.org/zap"
	"golang.org/x/sys/windows"

	"github.com/skyfiend/xordll/internal/antidetect"
	"github.com/skyfiend/xordll/internal/loadertable"
	"github.com/skyfiend/xordll/internal/model"
	"github.com/skyfiend/xordll/internal/procdir"
	"github.com/skyfiend/xordll/internal/remotemem"
)

// winAccessor implements processAccessor over procdir.Open.
type winAccessor struct{}

func newPlatformAccessor() processAccessor { return winAccessor{} }

func (winAccessor) Open(pid uint32, access uint32) (uintptr, func(), error) {
	h, err := procdir.Open(pid, access)
	if err != nil {
		return 0, nil, err
	}
	return uintptr(h), func() { windows.CloseHandle(h) }, nil
}

// newAntiDetectPass resolves process's PEB and builds an antidetect.Pass
// bound to it.
func newAntiDetectPass(mem remotemem.Writer, process uintptr, is64 bool, logger *zap.Logger) (*antidetect.Pass, error) {
	pebAddr, err := loadertable.GetRemotePEB(process)
	if err != nil {
		return nil, err
	}
	return antidetect.New(mem, process, pebAddr, is64, logger), nil
}

// listRemoteModules resolves process's PEB and walks its loader list in
// full, for the `list --modules` CLI flag.
func listRemoteModules(mem remotemem.Writer, process uintptr, is64 bool) ([]model.LoaderEntry, error) {
	pebAddr, err := loadertable.GetRemotePEB(process)
	if err != nil {
		return nil, err
	}
	nav := loadertable.New(mem, process, is64)

	var out []model.LoaderEntry
	err = nav.Walk(pebAddr, func(e model.LoaderEntry) bool {
		out = append(out, e)
		return true
	})
	return out, err
}
