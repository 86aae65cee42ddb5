// Package cli provides the command-line interface for wstunnel-manager.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/treykane/wstunnel-manager/internal/bundle"
	"github.com/treykane/wstunnel-manager/internal/doctor"
	"github.com/treykane/wstunnel-manager/internal/events"
	"github.com/treykane/wstunnel-manager/internal/headless"
	"github.com/treykane/wstunnel-manager/internal/model"
	"github.com/treykane/wstunnel-manager/internal/runlog"
	"github.com/treykane/wstunnel-manager/internal/security"
	"github.com/treykane/wstunnel-manager/internal/store"
	"github.com/treykane/wstunnel-manager/internal/ui"
	"github.com/treykane/wstunnel-manager/internal/util"
)

// NewRootCommand creates the root cobra command.
func NewRootCommand() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           util.AppName,
		Short:         "Run and supervise wstunnel client and server processes",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if g.headless {
				return runHeadless(cmd.Context(), g, "", nil)
			}
			return runDashboard(g)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "tunnel definitions file (default $XDG_CONFIG_HOME/wstunnel-manager/tunnels.yaml)")
	pf.StringVar(&g.wstunnelPath, "wstunnel-path", "", "path to the wstunnel binary")
	pf.BoolVar(&g.debug, "debug", false, "log at debug level")
	root.Flags().BoolVar(&g.headless, "headless", false, "run without the dashboard until SIGINT or SIGTERM")

	root.AddCommand(newRunCmd(g))
	root.AddCommand(newListCmd(g))
	root.AddCommand(newAddCmd(g))
	root.AddCommand(newEditCmd(g))
	root.AddCommand(newRemoveCmd(g))
	root.AddCommand(newLogsCmd(g))
	root.AddCommand(newEventsCmd())
	root.AddCommand(newDoctorCmd(g))
	root.AddCommand(newBundleCmd(g))
	return root
}

func runDashboard(g *globalFlags) error {
	s, err := g.openSession(false)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.supervisor.SweepLogs(time.Now()); err != nil {
		fmt.Fprintln(os.Stderr, "warning: log sweep failed:", security.UserMessage(err))
	}
	notice := s.notice
	var failed []string
	for _, r := range s.supervisor.ReloadAutostart(context.Background()) {
		if r.Err != nil {
			failed = append(failed, model.TunnelConfig{ID: r.ID, Tag: r.Tag}.DisplayName())
		}
	}
	if len(failed) > 0 {
		notice = strings.TrimSpace(notice + " Autostart failed: " + strings.Join(failed, ", "))
	}
	return ui.Run(ui.Options{
		Supervisor:      s.supervisor,
		Store:           s.store,
		Journal:         s.journal,
		RefreshSeconds:  s.cfg.UI.RefreshSeconds,
		ShutdownTimeout: s.cfg.ShutdownTimeout(),
		Notice:          notice,
	})
}

func runHeadless(ctx context.Context, g *globalFlags, listen string, tunnels []string) error {
	s, err := g.openSession(true)
	if err != nil {
		return err
	}
	defer s.Close()
	if ctx == nil {
		ctx = context.Background()
	}
	return headless.Run(ctx, headless.Options{
		Supervisor:      s.supervisor,
		Store:           s.store,
		Tunnels:         tunnels,
		APIListen:       util.DefaultString(listen, s.cfg.API.Listen),
		API:             headlessAPIConfig(s),
		ShutdownTimeout: s.cfg.ShutdownTimeout(),
	})
}

func newRunCmd(g *globalFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start autostart tunnels and supervise them until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHeadless(cmd.Context(), g, listen, nil)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "serve the HTTP API on this address (overrides api.listen)")
	return cmd
}

func newListCmd(g *globalFlags) *cobra.Command {
	var jsonOut bool
	var recent bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured tunnels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := g.openStore()
			if err != nil {
				return err
			}
			tunnels := st.Tunnels()
			if recent {
				last, err := events.NewStore().LastStarted()
				if err != nil {
					return err
				}
				sort.SliceStable(tunnels, func(i, j int) bool {
					return last[tunnels[i].ID].After(last[tunnels[j].ID])
				})
			}
			if jsonOut {
				for i := range tunnels {
					tunnels[i].CLIArgs = security.RedactArgs(tunnels[i].CLIArgs)
				}
				return printJSON(tunnels)
			}
			fmt.Printf("%-36s %-24s %-7s %-9s %s\n", "ID", "TAG", "MODE", "AUTOSTART", "ARGS")
			for _, t := range tunnels {
				fmt.Printf("%-36s %-24s %-7s %-9t %s\n", t.ID, util.Truncate(util.EmptyDash(t.Tag), 24), t.Mode, t.Autostart, security.RedactArgs(t.CLIArgs))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	cmd.Flags().BoolVar(&recent, "recent", false, "most recently started first")
	return cmd
}

type tunnelFlags struct {
	tag       string
	mode      string
	args      string
	autostart bool
}

func (f *tunnelFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.tag, "tag", "", "human readable name")
	cmd.Flags().StringVar(&f.mode, "mode", string(model.ModeClient), "client or server")
	cmd.Flags().StringVar(&f.args, "args", "", "wstunnel arguments, split with shell quoting rules")
	cmd.Flags().BoolVar(&f.autostart, "autostart", false, "start with the manager")
}

func newAddCmd(g *globalFlags) *cobra.Command {
	var f tunnelFlags
	cmd := &cobra.Command{
		Use:   "add [-- wstunnel args...]",
		Short: "Add a tunnel definition",
		Example: `  wstunnel-manager add --tag "SSH to production server" --args "-L tcp://2222:localhost:22 wss://prod.example.com"
  wstunnel-manager add --mode server -- wss://0.0.0.0:8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cliArgs := f.args
			if len(args) > 0 {
				if cliArgs != "" {
					return fmt.Errorf("use either --args or arguments after --, not both")
				}
				cliArgs = joinArgs(args)
			}
			mode, err := model.ParseMode(f.mode)
			if err != nil {
				return err
			}
			cfg, err := validated(model.TunnelConfig{
				Tag:       strings.TrimSpace(f.tag),
				Mode:      mode,
				CLIArgs:   strings.TrimSpace(cliArgs),
				Autostart: f.autostart,
			})
			if err != nil {
				return err
			}
			st, _, err := g.openStore()
			if err != nil {
				return err
			}
			added, err := st.Add(cfg)
			if err != nil {
				return err
			}
			fmt.Printf("added %s (%s)\n", added.DisplayName(), added.ID)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newEditCmd(g *globalFlags) *cobra.Command {
	var f tunnelFlags
	cmd := &cobra.Command{
		Use:   "edit <id|tag>",
		Short: "Change a tunnel definition; a running tunnel keeps its old arguments until restarted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := g.openStore()
			if err != nil {
				return err
			}
			cfg, err := st.Find(args[0])
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("tag") {
				cfg.Tag = strings.TrimSpace(f.tag)
			}
			if flags.Changed("mode") {
				if cfg.Mode, err = model.ParseMode(f.mode); err != nil {
					return err
				}
			}
			if flags.Changed("args") {
				cfg.CLIArgs = strings.TrimSpace(f.args)
			}
			if flags.Changed("autostart") {
				cfg.Autostart = f.autostart
			}
			if cfg, err = validated(cfg); err != nil {
				return err
			}
			if err := st.Update(cfg); err != nil {
				return err
			}
			fmt.Printf("updated %s (%s)\n", cfg.DisplayName(), cfg.ID)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newRemoveCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id|tag>",
		Aliases: []string{"rm"},
		Short:   "Remove a tunnel definition",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := g.openStore()
			if err != nil {
				return err
			}
			cfg, err := st.Find(args[0])
			if err != nil {
				return err
			}
			if err := st.Remove(cfg.ID); err != nil {
				return err
			}
			_ = events.NewStore().Append(events.Event{TunnelID: cfg.ID, Tag: cfg.Tag, EventType: events.TypeDeleted, Message: "removed from command line"})
			fmt.Printf("removed %s (%s)\n", cfg.DisplayName(), cfg.ID)
			return nil
		},
	}
}

func newLogsCmd(g *globalFlags) *cobra.Command {
	root := &cobra.Command{Use: "logs", Short: "Inspect and prune per-run tunnel logs"}

	var jsonOut bool
	list := &cobra.Command{
		Use:   "list [id|tag]",
		Short: "List run logs, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := g.openStore()
			if err != nil {
				return err
			}
			var tag, id string
			if len(args) == 1 {
				cfg, err := st.Find(args[0])
				if err != nil {
					return err
				}
				tag, id = cfg.Tag, cfg.ID
			}
			files, err := runlog.List(store.LogDirectory(st.Global()), tag, id)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(files)
			}
			fmt.Printf("%-20s %-10s %s\n", "MODIFIED", "SIZE", "PATH")
			for _, f := range files {
				fmt.Printf("%-20s %-10d %s\n", f.ModTime.Format(time.DateTime), f.Size, f.Path)
			}
			return nil
		},
	}
	list.Flags().BoolVar(&jsonOut, "json", false, "output JSON")

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Delete run logs older than log_retention_days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := g.openStore()
			if err != nil {
				return err
			}
			global := st.Global()
			if global.LogRetentionDays <= 0 {
				fmt.Println("log retention is disabled; nothing to do")
				return nil
			}
			// manager.log belongs to a possibly running manager.
			deleted, err := runlog.Sweep(store.LogDirectory(global), global.LogRetentionDays, time.Now(), isManagerLog)
			if err != nil {
				return err
			}
			for _, p := range deleted {
				fmt.Println("deleted", p)
			}
			fmt.Printf("%d log(s) deleted\n", len(deleted))
			return nil
		},
	}

	root.AddCommand(list, sweep)
	return root
}

func newEventsCmd() *cobra.Command {
	var (
		jsonOut   bool
		tunnelRef string
		eventType string
		since     time.Duration
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the tunnel lifecycle journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := events.Query{EventType: eventType, Limit: limit}
			if tunnelRef != "" {
				q.TunnelID = tunnelRef
			}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			evts, err := events.NewStore().Read(q)
			if err != nil {
				return err
			}
			if len(evts) == 0 && tunnelRef != "" {
				// Not an id; try it as a tag.
				q.TunnelID, q.Tag = "", tunnelRef
				if evts, err = events.NewStore().Read(q); err != nil {
					return err
				}
			}
			if jsonOut {
				if evts == nil {
					evts = []events.Event{}
				}
				return printJSON(evts)
			}
			fmt.Printf("%-20s %-24s %-16s %-9s %s\n", "TIME", "TUNNEL", "EVENT", "PID", "MESSAGE")
			for _, e := range evts {
				pid := "-"
				if e.PID > 0 {
					pid = fmt.Sprint(e.PID)
				}
				name := model.TunnelConfig{ID: e.TunnelID, Tag: e.Tag}.DisplayName()
				fmt.Printf("%-20s %-24s %-16s %-9s %s\n", e.Timestamp.Local().Format(time.DateTime), util.Truncate(name, 24), e.EventType, pid, e.Message)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	cmd.Flags().StringVar(&tunnelRef, "tunnel", "", "filter by tunnel id or tag")
	cmd.Flags().StringVar(&eventType, "type", "", "filter by event type")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this (e.g. 1h)")
	cmd.Flags().IntVar(&limit, "limit", 50, "newest N events (0 for all)")
	return cmd
}

func newDoctorCmd(g *globalFlags) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the wstunnel binary, log directory and tunnel file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := g.tunnelsPath()
			if err != nil {
				return err
			}
			configDir, _ := configDirFor(path)
			report, err := doctor.Run(doctor.Options{TunnelsPath: path, ConfigDir: configDir, BinaryFlag: g.wstunnelPath})
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(report)
			}
			if len(report.Issues) == 0 {
				fmt.Println("no issues found")
				return nil
			}
			for _, issue := range report.Issues {
				fmt.Printf("[%s] %s %s: %s\n", strings.ToUpper(string(issue.Severity)), issue.Check, issue.Target, issue.Message)
				if issue.Recommendation != "" {
					fmt.Printf("    -> %s\n", issue.Recommendation)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newBundleCmd(g *globalFlags) *cobra.Command {
	root := &cobra.Command{Use: "bundle", Short: "Manage named groups of tunnels"}

	create := &cobra.Command{
		Use:   "create <name> <id|tag>...",
		Short: "Create or replace a bundle",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := g.openStore()
			if err != nil {
				return err
			}
			for _, ref := range args[1:] {
				if _, err := st.Find(ref); err != nil {
					return err
				}
			}
			if err := bundle.Create(args[0], args[1:]); err != nil {
				return err
			}
			fmt.Printf("bundle %s saved\n", args[0])
			return nil
		},
	}

	var jsonOut bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List bundles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			all, err := bundle.LoadAll()
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(all)
			}
			fmt.Printf("%-20s %s\n", "NAME", "TUNNELS")
			for _, b := range all {
				fmt.Printf("%-20s %s\n", b.Name, strings.Join(b.Tunnels, ", "))
			}
			return nil
		},
	}
	list.Flags().BoolVar(&jsonOut, "json", false, "output JSON")

	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := bundle.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("bundle %s deleted\n", args[0])
			return nil
		},
	}

	var listen string
	run := &cobra.Command{
		Use:   "run <name>",
		Short: "Start the tunnels of a bundle and supervise them until SIGINT or SIGTERM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := bundle.Get(args[0])
			if err != nil {
				return err
			}
			return runHeadless(cmd.Context(), g, listen, b.Tunnels)
		},
	}
	run.Flags().StringVar(&listen, "listen", "", "serve the HTTP API on this address (overrides api.listen)")

	root.AddCommand(create, list, del, run)
	return root
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
