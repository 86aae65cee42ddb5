package model

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects the invocation shape of the wstunnel binary.
type Mode string

const (
	ModeClient Mode = "client"
	ModeServer Mode = "server"
)

// ParseMode accepts "client" or "server" in any case.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeClient:
		return ModeClient, nil
	case ModeServer:
		return ModeServer, nil
	}
	return "", fmt.Errorf("unknown mode %q (must be client or server)", s)
}

func (m Mode) Valid() bool {
	return m == ModeClient || m == ModeServer
}

// TunnelConfig is one user-defined tunnel as stored in the config file.
type TunnelConfig struct {
	ID        string `yaml:"id" json:"id"`
	Tag       string `yaml:"tag" json:"tag"`
	Mode      Mode   `yaml:"mode" json:"mode"`
	CLIArgs   string `yaml:"cli_args" json:"cli_args"`
	Autostart bool   `yaml:"autostart" json:"autostart"`
}

// DisplayName returns the tag, or the id when the tag is blank.
func (t TunnelConfig) DisplayName() string {
	if strings.TrimSpace(t.Tag) != "" {
		return t.Tag
	}
	return t.ID
}

// GlobalConfig holds settings shared by every tunnel.
type GlobalConfig struct {
	BinaryPath       string `yaml:"binary_path,omitempty" json:"binary_path,omitempty"`
	LogDirectory     string `yaml:"log_directory,omitempty" json:"log_directory,omitempty"`
	LogRetentionDays int    `yaml:"log_retention_days,omitempty" json:"log_retention_days,omitempty"`
	UsePTY           bool   `yaml:"use_pty,omitempty" json:"use_pty,omitempty"`
}

type TunnelStatus string

const (
	StatusStopped  TunnelStatus = "stopped"
	StatusStarting TunnelStatus = "starting"
	StatusRunning  TunnelStatus = "running"
	StatusStopping TunnelStatus = "stopping"
	StatusFailed   TunnelStatus = "failed"
)

// Active reports whether a process handle exists in this status.
func (s TunnelStatus) Active() bool {
	return s == StatusStarting || s == StatusRunning || s == StatusStopping
}

// RuntimeState is the supervisor's view of one tunnel. It is never persisted.
type RuntimeState struct {
	ID        string       `json:"id"`
	Tag       string       `json:"tag"`
	Mode      Mode         `json:"mode"`
	Status    TunnelStatus `json:"status"`
	Reason    string       `json:"reason,omitempty"`
	PID       int          `json:"pid,omitempty"`
	LogPath   string       `json:"log_path,omitempty"`
	LogError  string       `json:"log_error,omitempty"`
	ExitCode  *int         `json:"exit_code,omitempty"`
	StartedAt time.Time    `json:"started_at,omitzero"`
	UptimeSec int64        `json:"uptime_seconds"`
}

// StatusLabel renders failed tunnels with their reason so they read differently from stopped ones.
func (r RuntimeState) StatusLabel() string {
	if r.Status == StatusFailed && r.Reason != "" {
		return fmt.Sprintf("failed (%s)", r.Reason)
	}
	return string(r.Status)
}
