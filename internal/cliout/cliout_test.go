package cliout

import (
	"bytes"
	"strings"
	"testing"

	"github.com/skyfiend/xordll/internal/model"
)

func TestLineNoColor(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf, false)
	p.Info("target pid=%d", 42)

	want := "[INFO] target pid=42\n"
	if got := buf.String(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestLineWithColor(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf, true)
	p.Error("boom")

	got := buf.String()
	if !strings.Contains(got, colorRed) || !strings.Contains(got, colorReset) {
		t.Fatalf("colored output missing escape codes: %q", got)
	}
	if !strings.Contains(got, "ERROR") || !strings.Contains(got, "boom") {
		t.Fatalf("colored output missing content: %q", got)
	}
}

func TestOutcomeSuccess(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf, false)

	o := model.Success(0x1000, 0x2000, 0x3000, model.StrategyManualMap)
	p.Outcome("injection", o)

	got := buf.String()
	if !strings.HasPrefix(got, "[OK] injection successful!") {
		t.Fatalf("got %q, want an [OK] injection successful! line", got)
	}
	for _, want := range []string{"base=0x2000", "module=0x1000", "size=0x3000"} {
		if !strings.Contains(got, want) {
			t.Fatalf("outcome line %q missing %q", got, want)
		}
	}
}

func TestOutcomeFailure(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf, false)

	o := model.Failure("ProcessNotFound", 5, "no such process")
	p.Outcome("injection", o)

	got := buf.String()
	if !strings.HasPrefix(got, "[ERROR] injection failed:") {
		t.Fatalf("got %q, want an [ERROR] injection failed: line", got)
	}
	if !strings.Contains(got, "no such process") || !strings.Contains(got, "ProcessNotFound") {
		t.Fatalf("failure line %q missing error detail", got)
	}
}

func TestProcessAndDll(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf, false)

	p.Process(model.ProcessDescriptor{Pid: 7, Name: "notepad.exe", Is64Bit: true, ImagePath: `C:\Windows\notepad.exe`})
	p.Dll(model.DllDescriptor{Path: "payload.dll", Is64Bit: false, IsSigned: true, FileSize: 1024, Version: "1.0", Description: "test"})

	got := buf.String()
	if !strings.Contains(got, "pid=7") || !strings.Contains(got, "arch=x64") || !strings.Contains(got, "notepad.exe") {
		t.Fatalf("process line missing fields: %q", got)
	}
	if !strings.Contains(got, "arch=x86") || !strings.Contains(got, "signed") || !strings.Contains(got, "payload.dll") {
		t.Fatalf("dll line missing fields: %q", got)
	}
}
