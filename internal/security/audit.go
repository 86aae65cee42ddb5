package security

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/treykane/wstunnel-manager/internal/model"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Finding struct {
	Severity       Severity `json:"severity"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type AuditReport struct {
	Findings []Finding `json:"findings"`
}

func (r AuditReport) HasHigh() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// RunLocalAudit inspects the permissions of the config directory and tunnel
// file, and flags tunnels whose arguments embed credentials.
func RunLocalAudit(configDir, tunnelsPath string, tunnels []model.TunnelConfig) AuditReport {
	var findings []Finding
	if configDir != "" {
		checkPathPerm(&findings, configDir, 0o700, false)
		checkPathPerm(&findings, filepath.Join(configDir, "config.yaml"), 0o600, true)
	}
	if tunnelsPath != "" {
		checkPathPerm(&findings, tunnelsPath, 0o600, true)
	}

	withCreds := 0
	for _, t := range tunnels {
		if HasCredentials(t.CLIArgs) {
			withCreds++
			findings = append(findings, Finding{
				Severity:       SeverityLow,
				Target:         t.DisplayName(),
				Message:        "cli arguments contain credentials stored in plain text",
				Recommendation: "keep the tunnel file readable by its owner only",
			})
		}
	}
	if withCreds > 0 && tunnelsPath != "" {
		if st, err := os.Stat(tunnelsPath); err == nil && st.Mode().Perm()&0o044 != 0 {
			findings = append(findings, Finding{
				Severity:       SeverityHigh,
				Target:         tunnelsPath,
				Message:        fmt.Sprintf("%d tunnel(s) with credentials in a file readable by other users", withCreds),
				Recommendation: "chmod 600 the tunnel file",
			})
		}
	}

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Severity != findings[j].Severity {
			return severityRank(findings[i].Severity) > severityRank(findings[j].Severity)
		}
		if findings[i].Target != findings[j].Target {
			return findings[i].Target < findings[j].Target
		}
		return findings[i].Message < findings[j].Message
	})
	return AuditReport{Findings: findings}
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

func checkPathPerm(findings *[]Finding, path string, max os.FileMode, isFile bool) {
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		*findings = append(*findings, Finding{
			Severity:       SeverityLow,
			Target:         path,
			Message:        fmt.Sprintf("unable to inspect permissions: %v", err),
			Recommendation: "verify path and permissions manually",
		})
		return
	}
	mode := st.Mode().Perm()
	if mode&^max != 0 {
		kind := "directory"
		if isFile {
			kind = "file"
		}
		*findings = append(*findings, Finding{
			Severity:       SeverityMedium,
			Target:         path,
			Message:        fmt.Sprintf("%s permissions are too broad (%#o)", kind, mode),
			Recommendation: fmt.Sprintf("restrict permissions to %#o or tighter", max),
		})
	}
}
