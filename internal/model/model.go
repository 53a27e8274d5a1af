// Package model holds the value types shared across every component,
// mirroring spec.md §3's data model one struct per entity.
package model

import "time"

// ProcessDescriptor mirrors spec.md: (pid, name, image-path, is-64-bit,
// optional icon handle). Constructed during a directory refresh and
// immutable thereafter; identity is Pid within one refresh cycle.
type ProcessDescriptor struct {
	Pid       uint32
	Name      string
	ImagePath string
	Is64Bit   bool
	// IconHandle is a raw HICON value (uintptr) when available; 0 means
	// "not fetched" — icon extraction belongs to the UI layer, this
	// field only carries a handle the UI can resolve if it wants to.
	IconHandle uintptr
}

// DllDescriptor mirrors spec.md. Built by internal/peimage's
// Cache.Describe from the cached parse of the path; the descriptor
// itself is not cached, and paths are not canonicalised.
type DllDescriptor struct {
	Path        string
	DisplayName string
	FileSize    int64
	Is64Bit     bool
	IsSigned    bool
	Description string
	Version     string
	CompanyName string
}

// Strategy enumerates the five injection strategies (manual map included),
// using the CLI method names from spec.md §6.
type Strategy int

const (
	StrategyClassicThread Strategy = iota
	StrategyNativeThread
	StrategyAPCQueue
	StrategyManualMap
	StrategyThreadHijack
)

func (s Strategy) String() string {
	switch s {
	case StrategyClassicThread:
		return "crt"
	case StrategyNativeThread:
		return "ntcrt"
	case StrategyAPCQueue:
		return "apc"
	case StrategyManualMap:
		return "manual"
	case StrategyThreadHijack:
		return "hijack"
	default:
		return "unknown"
	}
}

// ParseStrategy parses the CLI --method values from spec.md §6's CLI table.
func ParseStrategy(s string) (Strategy, bool) {
	switch s {
	case "crt":
		return StrategyClassicThread, true
	case "ntcrt":
		return StrategyNativeThread, true
	case "apc":
		return StrategyAPCQueue, true
	case "manual":
		return StrategyManualMap, true
	case "hijack":
		return StrategyThreadHijack, true
	default:
		return 0, false
	}
}

// OutcomeKind discriminates the InjectionOutcome tagged union.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeFailure
)

// InjectionOutcome is spec.md's tagged union realized as a discriminated
// struct rather than an interface, so it can round-trip through JSON.
// The CLI prints outcomes as text only.
type InjectionOutcome struct {
	Kind OutcomeKind

	// Success fields.
	RemoteModule  uintptr
	BaseAddress   uintptr
	MappedSize    uintptr
	StrategyUsed  Strategy

	// Failure fields.
	ErrorKind    string
	OSErrorCode  uint32
	HumanMessage string
}

// Success builds a success outcome.
func Success(remoteModule, base uintptr, size uintptr, strat Strategy) InjectionOutcome {
	return InjectionOutcome{
		Kind:         OutcomeSuccess,
		RemoteModule: remoteModule,
		BaseAddress:  base,
		MappedSize:   size,
		StrategyUsed: strat,
	}
}

// Failure builds a failure outcome.
func Failure(kind string, osCode uint32, message string) InjectionOutcome {
	return InjectionOutcome{
		Kind:         OutcomeFailure,
		ErrorKind:    kind,
		OSErrorCode:  osCode,
		HumanMessage: message,
	}
}

func (o InjectionOutcome) IsSuccess() bool { return o.Kind == OutcomeSuccess }

// LoaderEntry mirrors the remote process's per-module loader record
// (spec.md §3). Only ever populated by reading foreign memory — never
// constructed by hand outside internal/loadertable.
type LoaderEntry struct {
	// Remote addresses of the four LIST_ENTRY link fields, needed so
	// internal/antidetect can unlink them in place.
	InLoadLinksAddr   uintptr
	InMemoryLinksAddr uintptr
	InInitLinksAddr   uintptr
	HashLinksAddr     uintptr

	DllBase     uintptr
	EntryPoint  uintptr
	SizeOfImage uint32

	FullDllName string
	BaseDllName string
	Timestamp   uint32
	// TimestampAddr is the remote address of the TimeDateStamp field,
	// letting antidetect randomize it in place.
	TimestampAddr uintptr

	// BaseDllNameBufferAddr/Len are the *value* of the BaseDllName
	// UNICODE_STRING's Buffer/Length fields — the remote address and
	// byte length of the name's UTF-16 content, not the struct itself.
	BaseDllNameBufferAddr uintptr
	BaseDllNameLen        uint16

	// BaseDllNameStructAddr is the remote address of the BaseDllName
	// UNICODE_STRING struct (Length/MaxLength/Buffer) inside the
	// loader entry, letting antidetect overwrite those fields in place
	// when spoofing.
	BaseDllNameStructAddr uintptr
}

// InjectionRule belongs to the auto-injector (spec.md §3).
type InjectionRule struct {
	ProcessNameFolded string
	DllPath           string
	Strategy          Strategy
	DelayMs           int
}

// AntiDetectFlag is a bitmask element, mirroring the original's
// AntiDetectTechnique (original_source/include/core/anti_detection.h).
type AntiDetectFlag uint32

const (
	AntiDetectNone              AntiDetectFlag = 0
	AntiDetectUnlinkFromPEB     AntiDetectFlag = 1 << 0
	AntiDetectEraseHeaders      AntiDetectFlag = 1 << 1
	AntiDetectHideFromToolhelp  AntiDetectFlag = 1 << 2
	AntiDetectSpoofModuleName   AntiDetectFlag = 1 << 3
	AntiDetectRandomizeTimestamp AntiDetectFlag = 1 << 4
	AntiDetectClearDebugInfo    AntiDetectFlag = 1 << 5

	AntiDetectBasic    = AntiDetectUnlinkFromPEB | AntiDetectEraseHeaders
	AntiDetectAdvanced = AntiDetectUnlinkFromPEB | AntiDetectEraseHeaders | AntiDetectHideFromToolhelp | AntiDetectClearDebugInfo
	AntiDetectMaximum  = AntiDetectUnlinkFromPEB | AntiDetectEraseHeaders | AntiDetectHideFromToolhelp | AntiDetectSpoofModuleName | AntiDetectRandomizeTimestamp | AntiDetectClearDebugInfo
)

func (f AntiDetectFlag) Has(bit AntiDetectFlag) bool { return f&bit != 0 }

// ManualMapFlag is a bitmask element mirroring spec.md §4.C7's tunable flags.
type ManualMapFlag uint32

const (
	MapFlagNone              ManualMapFlag = 0
	MapFlagClearHeader        ManualMapFlag = 1 << 0
	MapFlagClearNonNeeded     ManualMapFlag = 1 << 1
	MapFlagAdjustProtections  ManualMapFlag = 1 << 2
	MapFlagHandleTLS          ManualMapFlag = 1 << 3
	MapFlagHandleExceptions   ManualMapFlag = 1 << 4
	MapFlagRunUnderLdr        ManualMapFlag = 1 << 5
	MapFlagShiftModule        ManualMapFlag = 1 << 6
	MapFlagCleanDataDirs      ManualMapFlag = 1 << 7

	MapFlagDefault = MapFlagClearHeader | MapFlagAdjustProtections | MapFlagHandleTLS | MapFlagHandleExceptions
	MapFlagStealth = MapFlagClearHeader | MapFlagClearNonNeeded | MapFlagAdjustProtections | MapFlagHandleTLS | MapFlagHandleExceptions | MapFlagCleanDataDirs
	MapFlagMaximum = MapFlagStealth | MapFlagShiftModule
)

func (f ManualMapFlag) Has(bit ManualMapFlag) bool { return f&bit != 0 }

// InjectionProfile is a persisted bundle documenting user intent
// (spec.md §3/§6). Field names match spec.md §6's JSON schema.
type InjectionProfile struct {
	ID               string
	Name             string         `json:"name"`
	Description      string         `json:"description"`
	TargetProcess    string         `json:"targetProcess"`
	DllPath          string         `json:"dllPath"`
	Method           int            `json:"method"`
	WaitForProcess   bool           `json:"waitForProcess"`
	WaitTimeoutMs    int            `json:"waitTimeout"`
	InjectionDelayMs int            `json:"injectionDelay"`
	AntiDetect       AntiDetectFlag `json:"antiDetect"`
	AutoInject       bool           `json:"autoInject"`
	InjectOnStartup  bool           `json:"injectOnStartup"`
	KeepTrying       bool           `json:"keepTrying"`
	MaxRetries       int            `json:"maxRetries"`
	RetryDelayMs     int            `json:"retryDelay"`
	RequireAdmin     bool           `json:"requireAdmin"`
	X64Only          bool           `json:"x64Only"`
	X86Only          bool           `json:"x86Only"`
}

// DefaultProfile returns a profile with the original's documented
// defaults (original_source/include/core/injection_profile.h).
func DefaultProfile() InjectionProfile {
	return InjectionProfile{
		Method:        int(StrategyClassicThread),
		WaitTimeoutMs: 30000,
		MaxRetries:    3,
		RetryDelayMs:  1000,
	}
}

// LogLevel mirrors spec.md's LogRecord.level.
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarning
	LogError
)

// LogRecord mirrors spec.md §3 exactly.
type LogRecord struct {
	Level     LogLevel
	Timestamp time.Time
	Message   string
}
