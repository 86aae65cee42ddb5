package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/treykane/wstunnel-manager/internal/model"
	"github.com/treykane/wstunnel-manager/internal/process"
	"github.com/treykane/wstunnel-manager/internal/store"
	"github.com/treykane/wstunnel-manager/internal/util"
)

// Field indices for the tunnel form.
const (
	fieldTag = iota
	fieldArgs
	fieldCount
)

// formResult is returned when the user submits the form.
type formResult struct {
	cfg     model.TunnelConfig
	editing bool
	start   bool // start right after saving
}

// tunnelForm holds the add/edit state for one tunnel definition.
type tunnelForm struct {
	editID    string
	mode      model.Mode
	autostart bool

	fields   []textinput.Model
	focusIdx int

	errMsg string
}

// newForm creates an empty add form.
func newForm() *tunnelForm {
	f := &tunnelForm{mode: model.ModeClient}
	placeholders := []string{
		"SSH to production server (optional)",
		"-L tcp://2222:localhost:22 wss://tunnel.example.com",
	}
	limits := []int{util.MaxTagLength, 4096}

	f.fields = make([]textinput.Model, fieldCount)
	for i := range f.fields {
		ti := textinput.New()
		ti.Placeholder = placeholders[i]
		ti.CharLimit = limits[i]
		ti.Width = 60
		f.fields[i] = ti
	}
	f.fields[0].Focus()
	return f
}

// editForm prefills the form from an existing definition.
func editForm(cfg model.TunnelConfig) *tunnelForm {
	f := newForm()
	f.editID = cfg.ID
	f.mode = cfg.Mode
	f.autostart = cfg.Autostart
	f.fields[fieldTag].SetValue(cfg.Tag)
	f.fields[fieldArgs].SetValue(cfg.CLIArgs)
	return f
}

func (f *tunnelForm) editing() bool { return f.editID != "" }

// update processes a key message and returns a formResult if the form is complete.
func (f *tunnelForm) update(msg tea.KeyMsg) (*formResult, tea.Cmd) {
	switch msg.String() {
	case "tab", "shift+tab":
		f.fields[f.focusIdx].Blur()
		if msg.String() == "tab" {
			f.focusIdx = (f.focusIdx + 1) % fieldCount
		} else {
			f.focusIdx = (f.focusIdx - 1 + fieldCount) % fieldCount
		}
		f.fields[f.focusIdx].Focus()
		return nil, f.fields[f.focusIdx].Cursor.BlinkCmd()
	case "ctrl+t":
		if f.mode == model.ModeClient {
			f.mode = model.ModeServer
		} else {
			f.mode = model.ModeClient
		}
		return nil, nil
	case "ctrl+a":
		f.autostart = !f.autostart
		return nil, nil
	case "enter", "ctrl+r":
		cfg, err := f.buildTunnel()
		if err != nil {
			f.errMsg = err.Error()
			return nil, nil
		}
		return &formResult{cfg: cfg, editing: f.editing(), start: msg.String() == "ctrl+r"}, nil
	default:
		var cmd tea.Cmd
		f.fields[f.focusIdx], cmd = f.fields[f.focusIdx].Update(msg)
		f.errMsg = ""
		return nil, cmd
	}
}

// buildTunnel validates the inputs. New tunnels get their id from the store.
func (f *tunnelForm) buildTunnel() (model.TunnelConfig, error) {
	cfg := model.TunnelConfig{
		ID:        f.editID,
		Tag:       strings.TrimSpace(f.fields[fieldTag].Value()),
		Mode:      f.mode,
		CLIArgs:   strings.TrimSpace(f.fields[fieldArgs].Value()),
		Autostart: f.autostart,
	}
	if cfg.CLIArgs == "" {
		return model.TunnelConfig{}, fmt.Errorf("cli arguments are required")
	}
	if _, err := process.BuildArgs(cfg.Mode, cfg.CLIArgs); err != nil {
		return model.TunnelConfig{}, err
	}
	check := cfg
	if check.ID == "" {
		check.ID = "new"
	}
	if err := store.ValidateTunnel(check); err != nil {
		return model.TunnelConfig{}, err
	}
	return cfg, nil
}

// view renders the form panel.
func (f *tunnelForm) view(renderPanel func(string, string, int, lipgloss.Color) string, width int) string {
	title := "New Tunnel"
	if f.editing() {
		title = "Edit Tunnel"
	}
	labels := []string{"Tag:", "CLI args:"}

	var b strings.Builder
	for i, label := range labels {
		cursor := "  "
		if i == f.focusIdx {
			cursor = "> "
		}
		b.WriteString(fmt.Sprintf("%s%-10s %s\n", cursor, label, f.fields[i].View()))
	}

	b.WriteString("\n")
	client, server := "x", " "
	if f.mode == model.ModeServer {
		client, server = " ", "x"
	}
	b.WriteString(fmt.Sprintf("  Mode: (%s) client  (%s) server\n", client, server))
	auto := " "
	if f.autostart {
		auto = "x"
	}
	b.WriteString(fmt.Sprintf("  [%s] Start automatically\n", auto))

	if f.errMsg != "" {
		errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
		b.WriteString("\n" + errStyle.Render("Error: "+f.errMsg) + "\n")
	}

	b.WriteString("\nTab/Shift-Tab navigate | Ctrl+T mode | Ctrl+A autostart | Enter save | Ctrl+R save and start | Esc cancel")
	return renderPanel(title, b.String(), width, lipgloss.Color("214"))
}
