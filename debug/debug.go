package debug

import (
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	Debug bool

	mu     sync.RWMutex
	logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	// level is the global level Configure chose; Disable returns to it.
	level = zerolog.GlobalLevel()
)

func init() {
	debugEnv, exists := os.LookupEnv("ENTRYWATCH_DEBUG")
	if exists {
		if val, err := strconv.ParseBool(debugEnv); err == nil {
			Debug = val
		}
	}
}

// Logger returns the process-wide logger. Components derive their own
// logger from it with a "component" field.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func SetLogger(l zerolog.Logger) {
	mu.Lock()
	logger = l
	mu.Unlock()
}

// Configure rebuilds the process-wide logger for the given level. Pretty
// output is meant for terminals; the default is one JSON object per line.
func Configure(name string, pretty bool) error {
	lvl, err := zerolog.ParseLevel(name)
	if err != nil {
		return err
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	mu.Lock()
	level = lvl
	mu.Unlock()
	if Debug && lvl > zerolog.DebugLevel {
		lvl = zerolog.DebugLevel
	}

	var out io.Writer = os.Stderr
	if pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}

	// The global level also reaches loggers derived before this call.
	zerolog.SetGlobalLevel(lvl)
	SetLogger(zerolog.New(out).With().Timestamp().Logger())
	return nil
}

// Component returns the process-wide logger tagged with name.
func Component(name string) zerolog.Logger {
	return Logger().With().Str("component", name).Logger()
}

func Printf(format string, v ...interface{}) {
	if Debug {
		l := Logger()
		l.Debug().Msgf(format, v...)
	}
}

// Enable turns on Printf output, lowering the global level to debug if
// needed.
func Enable() {
	Debug = true
	if zerolog.GlobalLevel() > zerolog.DebugLevel {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// Disable turns off Printf output and restores the configured level.
func Disable() {
	Debug = false
	mu.RLock()
	lvl := level
	mu.RUnlock()
	zerolog.SetGlobalLevel(lvl)
}
