// Package sysutil holds process-level helpers shared by the binaries in cmd/.
package sysutil

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/natefinch/lumberjack"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ConfigureLogging sets the global level and points the global logger at
// out (stderr when nil). pretty switches out to the human console writer;
// every extra writer, such as a RotatingFile, always receives JSON.
func ConfigureLogging(level string, pretty bool, out io.Writer, extra ...io.Writer) {
	SetLogLevel(level)
	if out == nil {
		out = os.Stderr
	}
	if pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	if len(extra) > 0 {
		out = zerolog.MultiLevelWriter(append([]io.Writer{out}, extra...)...)
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}

// RotatingFile returns a log file that rolls over at maxMB megabytes,
// keeping three compressed backups for at most thirty days.
func RotatingFile(path string, maxMB int) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxMB,
		MaxBackups: 3,
		MaxAge:     30,
		Compress:   true,
	}
}

// SetLogLevel sets the global zerolog level from a name in any case.
// "warning" is accepted for warn; blank and unknown names select info.
func SetLogLevel(name string) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "warning" {
		name = "warn"
	}
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || name == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// IsTruthy reports whether a flag or env value means "on".
func IsTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

// FirstNonEmpty returns the first value that is not blank, unchanged.
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
