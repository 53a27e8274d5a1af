// Package cliout renders engine results as the `[OK]/[INFO]/[WARN]/[ERROR]`
// prefixed lines spec.md §7 describes, color-coded the way the teacher's
// errors.go renders ErrorCollector diagnostics (bold color escape, reset,
// message) when the output stream is a terminal.
package cliout

import (
	"fmt"
	"io"

	"github.com/skyfiend/xordll/internal/model"
)

// Printer writes result lines to one writer, optionally colorized.
type Printer struct {
	w        io.Writer
	useColor bool
}

// New builds a Printer. useColor should be false for piped/redirected
// output, matching the teacher's Format(useColor bool) convention.
func New(w io.Writer, useColor bool) *Printer {
	return &Printer{w: w, useColor: useColor}
}

const (
	colorGreen  = "\033[1;32m"
	colorBlue   = "\033[1;34m"
	colorYellow = "\033[1;33m"
	colorRed    = "\033[1;31m"
	colorReset  = "\033[0m"
)

func (p *Printer) line(color, prefix, message string) {
	if p.useColor {
		fmt.Fprintf(p.w, "%s[%s]%s %s\n", color, prefix, colorReset, message)
		return
	}
	fmt.Fprintf(p.w, "[%s] %s\n", prefix, message)
}

// OK prints a success line.
func (p *Printer) OK(format string, args ...any) { p.line(colorGreen, "OK", fmt.Sprintf(format, args...)) }

// Info prints an informational line.
func (p *Printer) Info(format string, args ...any) {
	p.line(colorBlue, "INFO", fmt.Sprintf(format, args...))
}

// Warn prints a warning line.
func (p *Printer) Warn(format string, args ...any) {
	p.line(colorYellow, "WARN", fmt.Sprintf(format, args...))
}

// Error prints an error line.
func (p *Printer) Error(format string, args ...any) {
	p.line(colorRed, "ERROR", fmt.Sprintf(format, args...))
}

// Outcome renders an InjectionOutcome as a single OK/ERROR line, per
// spec.md §8 scenario 1's `[OK] Injection successful!`.
func (p *Printer) Outcome(verb string, o model.InjectionOutcome) {
	if o.IsSuccess() {
		p.OK("%s successful! base=0x%x module=0x%x size=0x%x strategy=%s",
			verb, o.BaseAddress, o.RemoteModule, o.MappedSize, o.StrategyUsed)
		return
	}
	p.Error("%s failed: %s (%s, os_code=%d)", verb, o.HumanMessage, o.ErrorKind, o.OSErrorCode)
}

// Process renders one process directory row.
func (p *Printer) Process(d model.ProcessDescriptor) {
	arch := "x86"
	if d.Is64Bit {
		arch = "x64"
	}
	p.Info("pid=%d name=%s arch=%s path=%s", d.Pid, d.Name, arch, d.ImagePath)
}

// Dll renders one DllDescriptor.
func (p *Printer) Dll(d model.DllDescriptor) {
	arch := "x86"
	if d.Is64Bit {
		arch = "x64"
	}
	signed := "unsigned"
	if d.IsSigned {
		signed = "signed"
	}
	p.Info("%s arch=%s %s size=%d version=%s company=%q (%s)", d.Path, arch, signed, d.FileSize, d.Version, d.CompanyName, d.Description)
}
