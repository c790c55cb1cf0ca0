// Package logging configures the process-wide slog logger shared by the manager, worker, and
// reconciler binaries (spec §9 "Observability").
package logging

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

var levelNames = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// Init configures the global slog logger for one of the scheduler's binaries (manager, worker,
// reconciler) and tags every record with "service" so a shared log sink can separate the three.
// TASKSCHED_JSON_LOG selects the JSON handler for production log shipping; LOG_LEVEL picks the
// minimum level, defaulting to info on anything unrecognized. Debug also turns on source
// locations, since that's the level someone reaches for while chasing a specific task's trace.
func Init(service string) *slog.Logger {
	level := levelFromEnv()
	opts := &slog.HandlerOptions{AddSource: level <= slog.LevelDebug, Level: level}

	var handler slog.Handler
	if wantsJSON(os.Getenv("TASKSCHED_JSON_LOG")) {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	logger.Info("logging initialized", "level", level.String())
	return logger
}

func wantsJSON(v string) bool {
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return strings.EqualFold(v, "json")
}

func levelFromEnv() slog.Level {
	if lvl, ok := levelNames[strings.ToLower(os.Getenv("LOG_LEVEL"))]; ok {
		return lvl
	}
	return slog.LevelInfo
}
