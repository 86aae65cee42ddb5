package process

import (
	"errors"
	"fmt"

	"github.com/google/shlex"
	"github.com/treykane/wstunnel-manager/internal/model"
)

// BuildArgs turns a stored argument string into argv for the wstunnel binary.
//
// The string is split with shell quoting rules but never passed to a shell.
// If it already starts with "client" or "server" that word must agree with mode;
// otherwise the mode is prepended:
//
//	BuildArgs(client, "-L tcp://8080:localhost:80 wss://host")
//	  → ["client", "-L", "tcp://8080:localhost:80", "wss://host"]
func BuildArgs(mode model.Mode, cliArgs string) ([]string, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
	tokens, err := shlex.Split(cliArgs)
	if err != nil {
		return nil, fmt.Errorf("parse cli arguments: %w", err)
	}
	if len(tokens) == 0 {
		return nil, errors.New("cli arguments cannot be empty")
	}
	switch first := tokens[0]; first {
	case string(model.ModeClient), string(model.ModeServer):
		if first != string(mode) {
			return nil, fmt.Errorf("arguments start with %q but tunnel mode is %q", first, mode)
		}
		return tokens, nil
	}
	return append([]string{string(mode)}, tokens...), nil
}
