package cli

import (
	"path/filepath"
	"strings"

	"github.com/treykane/wstunnel-manager/internal/api"
	"github.com/treykane/wstunnel-manager/internal/appconfig"
	"github.com/treykane/wstunnel-manager/internal/logging"
	"github.com/treykane/wstunnel-manager/internal/model"
	"github.com/treykane/wstunnel-manager/internal/process"
	"github.com/treykane/wstunnel-manager/internal/store"
)

func headlessAPIConfig(s *session) api.Config {
	return api.Config{
		Token:              s.cfg.API.Token,
		RateLimitPerMinute: s.cfg.API.RateLimitPerMinute,
	}
}

// validated checks a definition before it is written. New tunnels have no id yet.
func validated(cfg model.TunnelConfig) (model.TunnelConfig, error) {
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

// joinArgs turns already-split arguments back into a string that splits to the
// same tokens.
func joinArgs(args []string) string {
	out := make([]string, len(args))
	for i, a := range args {
		if a != "" && !strings.ContainsAny(a, " \t\n'\"\\#") {
			out[i] = a
			continue
		}
		out[i] = `'` + strings.ReplaceAll(a, `'`, `'\''`) + `'`
	}
	return strings.Join(out, " ")
}

func isManagerLog(path string) bool {
	return filepath.Base(path) == logging.FileName
}

// configDirFor returns the directory whose permissions the audit checks. A
// tunnel file outside the application directory is still checked on its own.
func configDirFor(tunnelsPath string) (string, error) {
	dir, err := appconfig.ConfigDir()
	if err != nil {
		return filepath.Dir(tunnelsPath), err
	}
	return dir, nil
}
