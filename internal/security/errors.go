package security

import (
	"errors"
	"os"
	"strings"
)

// ClassifiedError pairs the text shown in the dashboard, the CLI and the HTTP
// API with a detailed description that only goes to manager.log.
type ClassifiedError struct {
	Public string
	Detail string
	Err    error
}

func (e *ClassifiedError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Public) == "" {
		return "operation failed"
	}
	return e.Public
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classify wraps err with a log-only detail. An empty public text falls back to
// err's own message, so errors.Is and errors.As keep working on the result.
func Classify(err error, public, detail string) error {
	if err == nil {
		return nil
	}
	if strings.TrimSpace(public) == "" {
		public = err.Error()
	}
	return &ClassifiedError{Public: public, Detail: detail, Err: err}
}

// UserMessage returns a message safe to show in CLI/TUI contexts.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return RedactMessage(ce.Error())
	}
	return RedactMessage(err.Error())
}

// DebugMessage is the manager.log rendering of err: the classified detail
// followed by the underlying cause, with credentials masked.
func DebugMessage(err error) string {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) && strings.TrimSpace(ce.Detail) != "" {
		if ce.Err == nil {
			return RedactArgs(ce.Detail)
		}
		return RedactArgs(ce.Detail + ": " + ce.Err.Error())
	}
	return RedactArgs(err.Error())
}

// RedactMessage replaces the home directory with "~" and masks credentials
// that ended up in an error string.
func RedactMessage(msg string) string {
	if msg == "" {
		return msg
	}
	out := msg
	if home, err := os.UserHomeDir(); err == nil && home != "" && home != "/" {
		out = strings.ReplaceAll(out, home, "~")
	}
	return RedactArgs(out)
}
