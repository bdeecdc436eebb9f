package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/op/go-logging"
)

const module = "x-fleet"

var (
	mu     sync.RWMutex
	logger *logging.Logger
)

func init() {
	InitLogger(logging.INFO)
}

// InitLogger installs a stderr backend at the given level.
func InitLogger(level logging.Level) {
	format := logging.MustStringFormatter(`%{time:2006/01/02 15:04:05} %{level} - %{message}`)
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	leveled := logging.AddModuleLevel(logging.NewBackendFormatter(backend, format))
	leveled.SetLevel(level, module)

	l := logging.MustGetLogger(module)
	l.SetBackend(leveled)

	mu.Lock()
	logger = l
	mu.Unlock()
}

// ParseLevel maps a config string such as "debug" or "warning" to a level.
// Unknown values fall back to INFO.
func ParseLevel(s string) logging.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "warn":
		return logging.WARNING
	case "":
		return logging.INFO
	}
	level, err := logging.LogLevel(strings.ToUpper(s))
	if err != nil {
		return logging.INFO
	}
	return level
}

func get() *logging.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func Debug(args ...any) {
	get().Debug(args...)
}

func Debugf(format string, args ...any) {
	get().Debugf(format, args...)
}

func Info(args ...any) {
	get().Info(args...)
}

func Infof(format string, args ...any) {
	get().Infof(format, args...)
}

func Notice(args ...any) {
	get().Notice(args...)
}

func Noticef(format string, args ...any) {
	get().Noticef(format, args...)
}

func Warning(args ...any) {
	get().Warning(args...)
}

func Warningf(format string, args ...any) {
	get().Warningf(format, args...)
}

func Error(args ...any) {
	get().Error(args...)
}

func Errorf(format string, args ...any) {
	get().Errorf(format, args...)
}

// CronLogger adapts the package logger to robfig/cron's Logger interface.
func CronLogger() cronLogger {
	return cronLogger{}
}

type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	Debugf("cron: %s%s", msg, formatKV(keysAndValues))
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	Errorf("cron: %s: %v%s", msg, err, formatKV(keysAndValues))
}

func formatKV(kv []any) string {
	if len(kv) == 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
	}
	return b.String()
}
