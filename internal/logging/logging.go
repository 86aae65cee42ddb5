// Package logging configures the application log.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileName is the application log inside the log directory.
const FileName = "manager.log"

// Options selects where application logs go.
type Options struct {
	Dir   string
	Level slog.Level
	// Stdout mirrors every record to standard output (headless mode).
	Stdout bool
}

// Setup installs a JSON slog handler writing to a rotating file in opts.Dir as
// the default logger. The returned closer flushes the file.
func Setup(opts Options) (path string, closer io.Closer, err error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return "", nil, err
	}
	path = filepath.Join(opts.Dir, FileName)
	file := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10,
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   true,
	}
	var w io.Writer = file
	if opts.Stdout {
		w = io.MultiWriter(os.Stdout, file)
	}
	slog.SetDefault(New(w, opts.Level))
	return path, file, nil
}

// New returns a JSON logger at level writing to w.
func New(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}
