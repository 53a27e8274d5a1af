package profilestore

import (
	"path/filepath"
	"testing"

	"github.com/skyfiend/xordll/internal/model"
)

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "profiles.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(s.List()) != 0 {
		t.Fatal("expected an empty store for a nonexistent file")
	}
}

func TestPutThenReopenRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	saved, err := s.Put(model.InjectionProfile{Name: "game-overlay", DllPath: `C:\overlay.dll`, Method: int(model.StrategyManualMap)})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if saved.ID == "" {
		t.Fatal("expected Put to assign a non-empty id")
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := reopened.Get(saved.ID)
	if !ok {
		t.Fatal("expected the saved profile to round-trip through disk")
	}
	if got.DllPath != saved.DllPath || got.Method != saved.Method {
		t.Fatalf("round-tripped profile differs: got %+v, want %+v", got, saved)
	}
}

func TestPutAssignsDistinctIDsForSameName(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "profiles.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	a, _ := s.Put(model.InjectionProfile{Name: "dup"})
	b, _ := s.Put(model.InjectionProfile{Name: "dup"})
	if a.ID == b.ID {
		t.Fatalf("expected distinct ids for two profiles sharing a name, got %q twice", a.ID)
	}
}

func TestDeleteRemovesProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	saved, _ := s.Put(model.InjectionProfile{Name: "temp"})

	if err := s.Delete(saved.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.Get(saved.ID); ok {
		t.Fatal("expected profile to be gone after Delete")
	}
}

func TestExportImportRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "profiles.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	saved, _ := s.Put(model.InjectionProfile{Name: "exported", DllPath: "a.dll"})

	exportPath := filepath.Join(dir, "exported.json")
	if err := s.Export(saved.ID, exportPath); err != nil {
		t.Fatalf("Export: %v", err)
	}

	s2, err := Open(filepath.Join(dir, "profiles2.json"))
	if err != nil {
		t.Fatalf("Open second store: %v", err)
	}
	imported, err := s2.Import(exportPath)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if imported.DllPath != "a.dll" {
		t.Fatalf("imported profile has wrong DllPath: %q", imported.DllPath)
	}
}
