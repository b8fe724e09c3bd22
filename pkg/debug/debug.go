package debug

import (
	"context"
	"flag"
	"log/slog"
	"os"
)

const (
	DEBUG_CRITICAL = 1
	DEBUG_ERROR    = 2
	DEBUG_INFO     = 3
	DEBUG_VERBOSE  = 4
	DEBUG_TRACE    = 5
	DEBUG_PACKETS  = 6
	DEBUG_ALL      = 7
)

var (
	debugLevel  = flag.Int("debug", 3, "debug level (1-7)")
	logger      *slog.Logger
	initialized bool
)

// slogLevelFor maps a numeric debug level onto the slog level used for
// emission. Levels VERBOSE and above all emit as slog debug records and
// are gated by the configured numeric level instead.
func slogLevelFor(level int) slog.Level {
	switch {
	case level >= DEBUG_VERBOSE:
		return slog.LevelDebug
	case level >= DEBUG_INFO:
		return slog.LevelInfo
	case level >= DEBUG_ERROR:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

func Init() {
	if initialized {
		return
	}
	initialized = true

	opts := &slog.HandlerOptions{
		Level: slogLevelFor(*debugLevel),
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, opts))
	slog.SetDefault(logger)
}

func GetLogger() *slog.Logger {
	if !initialized {
		Init()
	}
	return logger
}

// Log emits msg with key/value args when the configured debug level is at
// least level. The numeric level is appended as a debug_level attribute.
func Log(level int, msg string, args ...interface{}) {
	if !initialized {
		Init()
	}

	if *debugLevel < level {
		return
	}

	slogLevel := slogLevelFor(level)
	if !logger.Enabled(context.TODO(), slogLevel) {
		return
	}

	allArgs := make([]interface{}, len(args)+2)
	copy(allArgs, args)
	allArgs[len(args)] = "debug_level"
	allArgs[len(args)+1] = level
	logger.Log(context.TODO(), slogLevel, msg, allArgs...)
}

func SetDebugLevel(level int) {
	*debugLevel = level
	if initialized {
		initialized = false
		Init()
	}
}

func GetDebugLevel() int {
	return *debugLevel
}
