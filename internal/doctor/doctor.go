package doctor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/treykane/wstunnel-manager/internal/model"
	"github.com/treykane/wstunnel-manager/internal/process"
	"github.com/treykane/wstunnel-manager/internal/security"
	"github.com/treykane/wstunnel-manager/internal/store"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Issue struct {
	Severity       Severity `json:"severity"`
	Check          string   `json:"check"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type Report struct {
	Issues []Issue `json:"issues"`
}

// Options points the checks at a tunnel file and an optional binary override.
type Options struct {
	TunnelsPath string
	ConfigDir   string
	BinaryFlag  string
}

// Run executes local diagnostics. It never modifies the tunnel file.
func Run(opts Options) (Report, error) {
	var issues []Issue

	f, err := store.Inspect(opts.TunnelsPath)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		f = store.DefaultFile()
		issues = append(issues, Issue{
			Severity:       SeverityLow,
			Check:          "config-missing",
			Target:         opts.TunnelsPath,
			Message:        "tunnel file does not exist yet",
			Recommendation: "it is created with defaults on first start",
		})
	default:
		f = store.DefaultFile()
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "config-parse",
			Target:         opts.TunnelsPath,
			Message:        security.RedactMessage(err.Error()),
			Recommendation: "fix the file by hand; a file that cannot be parsed is replaced with defaults on next start",
		})
	}

	if _, err := process.ResolveBinary(opts.BinaryFlag, f.Global.BinaryPath); err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "wstunnel-binary",
			Target:         binaryTarget(opts.BinaryFlag, f.Global.BinaryPath),
			Message:        err.Error(),
			Recommendation: "install wstunnel, put it on PATH or set global.binary_path",
		})
	}

	issues = append(issues, logDirIssues(store.LogDirectory(f.Global))...)

	if f.Global.LogRetentionDays == 0 {
		issues = append(issues, Issue{
			Severity:       SeverityLow,
			Check:          "log-retention",
			Target:         "global.log_retention_days",
			Message:        "log retention is disabled; run logs are kept forever",
			Recommendation: "set log_retention_days to sweep old run logs",
		})
	}

	issues = append(issues, duplicateTagIssues(f.Tunnels)...)

	audit := security.RunLocalAudit(opts.ConfigDir, opts.TunnelsPath, f.Tunnels)
	for _, finding := range audit.Findings {
		issues = append(issues, Issue{
			Severity:       Severity(finding.Severity),
			Check:          "security-audit",
			Target:         finding.Target,
			Message:        finding.Message,
			Recommendation: finding.Recommendation,
		})
	}

	sort.Slice(issues, func(i, j int) bool {
		ri := severityRank(issues[i].Severity)
		rj := severityRank(issues[j].Severity)
		if ri != rj {
			return ri > rj
		}
		if issues[i].Check != issues[j].Check {
			return issues[i].Check < issues[j].Check
		}
		if issues[i].Target != issues[j].Target {
			return issues[i].Target < issues[j].Target
		}
		return issues[i].Message < issues[j].Message
	})
	return Report{Issues: issues}, nil
}

func binaryTarget(flag, override string) string {
	if flag != "" {
		return flag
	}
	if override != "" {
		return override
	}
	return "PATH"
}

func logDirIssues(dir string) []Issue {
	fail := func(err error) []Issue {
		return []Issue{{
			Severity:       SeverityHigh,
			Check:          "log-directory",
			Target:         dir,
			Message:        err.Error(),
			Recommendation: "make the log directory writable or point global.log_directory elsewhere",
		}}
	}
	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		// Created on first start; the parent must be writable.
		dir = filepath.Dir(filepath.Clean(dir))
		info, err = os.Stat(dir)
	}
	if err != nil {
		return fail(err)
	}
	if !info.IsDir() {
		return fail(fmt.Errorf("%s is not a directory", dir))
	}
	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fail(err)
	}
	name := probe.Name()
	probe.Close()
	_ = os.Remove(name)
	return nil
}

func duplicateTagIssues(tunnels []model.TunnelConfig) []Issue {
	seen := map[string][]string{}
	for _, t := range tunnels {
		tag := strings.TrimSpace(t.Tag)
		if tag == "" {
			continue
		}
		seen[tag] = append(seen[tag], t.ID)
	}
	var issues []Issue
	for tag, ids := range seen {
		if len(ids) < 2 {
			continue
		}
		issues = append(issues, Issue{
			Severity:       SeverityMedium,
			Check:          "duplicate-tag",
			Target:         tag,
			Message:        fmt.Sprintf("tag is used by %d tunnels", len(ids)),
			Recommendation: "use unique tags so tunnels can be addressed by tag and their logs are easy to tell apart",
		})
	}
	return issues
}

func severityRank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}
