package cmd

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/planwright/planwright/internal/config"
)

func TestBootstrapProject(t *testing.T) {
	dir := t.TempDir()

	result, err := bootstrapProject(dir)
	if err != nil {
		t.Fatalf("bootstrapProject returned error: %v", err)
	}
	if !result.PlansDirCreated || !result.DotenvCreated {
		t.Errorf("expected plans/ and .env.local to be created, got %+v", result)
	}

	cfg, err := config.LoadConfigFrom(dir)
	if err != nil {
		t.Fatalf("generated %s does not load: %v", config.FileName, err)
	}
	if cfg.DefaultEnvironment != "local" {
		t.Errorf("expected default environment local, got %q", cfg.DefaultEnvironment)
	}
	if cfg.SampleRows() != 10 {
		t.Errorf("expected 10 sample rows, got %d", cfg.SampleRows())
	}

	info, err := os.Stat(filepath.Join(dir, ".env.local"))
	if err != nil {
		t.Fatalf("expected .env.local: %v", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		t.Errorf("expected .env.local to be private, got %v", info.Mode().Perm())
	}
}

func TestBootstrapProjectKeepsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env.local")
	if err := os.WriteFile(dotenv, []byte("DATABRICKS_TOKEN=keep-me\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	result, err := bootstrapProject(dir)
	if err != nil {
		t.Fatalf("bootstrapProject returned error: %v", err)
	}
	if result.DotenvCreated {
		t.Error("expected existing .env.local to be kept")
	}
	data, _ := os.ReadFile(dotenv)
	if !strings.Contains(string(data), "keep-me") {
		t.Errorf(".env.local was overwritten: %q", data)
	}

	if _, err := bootstrapProject(dir); err == nil {
		t.Fatal("expected an error when planwright.toml already exists")
	}
}

func TestReportBootstrapResult(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	reportBootstrapResult(&buf, dir, &bootstrapResult{
		PlansDir:        filepath.Join(dir, "plans"),
		ConfigPath:      filepath.Join(dir, config.FileName),
		DotenvPath:      filepath.Join(dir, ".env.local"),
		PlansDirCreated: true,
	})
	out := buf.String()
	for _, want := range []string{"✓ Created plans/", "✓ Wrote planwright.toml", "• Kept existing .env.local"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got %q", want, out)
		}
	}
}

func TestInitWizardModel(t *testing.T) {
	m := newInitWizardModel(t.TempDir())

	if !strings.Contains(m.View(), "Press Enter") {
		t.Errorf("expected prompt, got %q", m.View())
	}

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil || !m.creating {
		t.Fatal("expected enter to start bootstrapping")
	}

	_, cmd = m.Update(bootstrapResultMsg{Result: &bootstrapResult{}})
	if !m.done || cmd == nil {
		t.Error("expected the wizard to finish and quit")
	}
	if !strings.Contains(m.View(), "Ready") {
		t.Errorf("expected ready status, got %q", m.View())
	}

	m = newInitWizardModel(t.TempDir())
	m.Update(bootstrapErrorMsg{Err: errors.New("permission denied")})
	if m.err == nil || !strings.Contains(m.View(), "permission denied") {
		t.Errorf("expected error to be shown, got %q", m.View())
	}
}
