package internal

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	loggerOnce sync.Once
	logger     *logrus.Logger
)

var throttledDebugLogMu sync.Mutex
var throttledDebugLogState = make(map[string]time.Time)

// Logger はプロセス共通のロガーを返す。出力先は stderr（stdout はメディア出力用に空けておく）。
func Logger() *logrus.Logger {
	loggerOnce.Do(func() {
		logger = logrus.New()
		logger.SetOutput(os.Stderr)
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})
		logger.SetLevel(logrus.InfoLevel)
	})
	return logger
}

// ComponentLogger returns an entry tagged with the component name.
func ComponentLogger(component string) *logrus.Entry {
	return Logger().WithField("component", component)
}

// SetLogLevel parses level ("debug", "info", ...) and applies it.
// DebugMode tracks whether debug output is enabled.
func SetLogLevel(level string) error {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return err
	}
	Logger().SetLevel(lvl)
	DebugMode = lvl >= logrus.DebugLevel
	return nil
}

// DebugLog prints debug messages only when debug mode is enabled
func DebugLog(format string, v ...interface{}) {
	if DebugMode {
		Logger().Debugf(strings.TrimSuffix(format, "\n"), v...)
	}
}

// DebugLogPeriodic prints a debug message at most once per interval for each key.
// interval <= 0 の場合は毎回出力する。
func DebugLogPeriodic(key string, interval time.Duration, format string, v ...interface{}) {
	if !DebugMode {
		return
	}
	if interval <= 0 {
		DebugLog(format, v...)
		return
	}

	now := time.Now()

	throttledDebugLogMu.Lock()
	last, exists := throttledDebugLogState[key]
	if exists && now.Sub(last) < interval {
		throttledDebugLogMu.Unlock()
		return
	}
	throttledDebugLogState[key] = now
	throttledDebugLogMu.Unlock()

	DebugLog(format, v...)
}
