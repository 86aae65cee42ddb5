package doctor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeTunnels(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "tunnels.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func hasCheck(r Report, check string) bool {
	for _, issue := range r.Issues {
		if issue.Check == check {
			return true
		}
	}
	return false
}

func TestRunFlagsDuplicateTagsAndMissingBinary(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PATH", dir)
	path := writeTunnels(t, dir, `version: 1
global:
  binary_path: `+filepath.Join(dir, "nope")+`
  log_directory: `+filepath.Join(dir, "logs")+`
  log_retention_days: 7
tunnels:
  - id: a
    tag: prod
    mode: client
    cli_args: wss://a.example.com
  - id: b
    tag: prod
    mode: server
    cli_args: wss://0.0.0.0:8080
`)

	report, err := Run(Options{TunnelsPath: path})
	if err != nil {
		t.Fatal(err)
	}
	for _, check := range []string{"duplicate-tag", "wstunnel-binary"} {
		if !hasCheck(report, check) {
			t.Fatalf("expected %s issue, got %+v", check, report.Issues)
		}
	}
	if hasCheck(report, "log-directory") || hasCheck(report, "log-retention") {
		t.Fatalf("unexpected log issue: %+v", report.Issues)
	}
	if report.Issues[0].Severity != SeverityHigh {
		t.Fatalf("expected high severity first, got %+v", report.Issues[0])
	}
}

func TestRunReportsParseErrorWithoutRepairing(t *testing.T) {
	dir := t.TempDir()
	body := "version: [unterminated\n"
	path := writeTunnels(t, dir, body)

	report, err := Run(Options{TunnelsPath: path})
	if err != nil {
		t.Fatal(err)
	}
	if !hasCheck(report, "config-parse") {
		t.Fatalf("expected config-parse issue, got %+v", report.Issues)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != body {
		t.Fatalf("doctor modified the tunnel file: %q", b)
	}
	if _, err := os.Stat(path + ".bak"); !os.IsNotExist(err) {
		t.Fatalf("doctor should not write a backup, stat err %v", err)
	}
}

func TestRunJSONShapeDeterministic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.yaml")

	report, err := Run(Options{TunnelsPath: path})
	if err != nil {
		t.Fatal(err)
	}
	if !hasCheck(report, "config-missing") || !hasCheck(report, "log-retention") {
		t.Fatalf("unexpected issues %+v", report.Issues)
	}
	b, err := json.Marshal(report)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatal(err)
	}
	if _, ok := decoded["issues"]; !ok {
		t.Fatalf("expected issues key in json output: %s", string(b))
	}
}
