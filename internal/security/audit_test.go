package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/treykane/wstunnel-manager/internal/model"
)

func TestRunLocalAudit_FindsLoosePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tunnels.yaml")
	if err := os.WriteFile(path, []byte("version: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatal(err)
	}

	report := RunLocalAudit("", path, nil)
	found := false
	for _, f := range report.Findings {
		if f.Target == path && f.Severity == SeverityMedium {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected permission finding, got %+v", report.Findings)
	}
}

func TestRunLocalAudit_CredentialsInReadableFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tunnels.yaml")
	if err := os.WriteFile(path, []byte("version: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatal(err)
	}
	tunnels := []model.TunnelConfig{{
		ID:      "a",
		Tag:     "prod",
		Mode:    model.ModeClient,
		CLIArgs: "-L tcp://8080:localhost:80 --http-upgrade-credentials user:pw wss://example.com",
	}}

	report := RunLocalAudit("", path, tunnels)
	if !report.HasHigh() {
		t.Fatalf("expected high finding, got %+v", report.Findings)
	}
}

func TestRunLocalAudit_CleanSetup(t *testing.T) {
	dir := t.TempDir()
	if err := os.Chmod(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "tunnels.yaml")
	if err := os.WriteFile(path, []byte("version: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	report := RunLocalAudit(dir, path, []model.TunnelConfig{{ID: "a", Mode: model.ModeServer, CLIArgs: "wss://0.0.0.0:8080"}})
	if len(report.Findings) != 0 {
		t.Fatalf("expected no findings, got %+v", report.Findings)
	}
}
