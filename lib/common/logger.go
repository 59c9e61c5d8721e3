package common

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
)

// LoggerNames lists the package loggers of rKV
var LoggerNames = []string{"offheap", "replication", "transport", "housekeeping", "cli"}

// --------------------------------------------------------------------------
// Custom Logger (implements dragonboats logger.ILogger)
// --------------------------------------------------------------------------

// labels are the fixed width level names of the log lines
var labels = map[logger.LogLevel]string{
	logger.DEBUG:    "DEBUG",
	logger.INFO:     "INFO",
	logger.WARNING:  "WARN",
	logger.ERROR:    "ERROR",
	logger.CRITICAL: "CRIT",
}

// pkgLogger writes lines of the form "LEVEL | package | message" to stderr
type pkgLogger struct {
	name  string
	level logger.LogLevel
	out   *log.Logger
}

func (l *pkgLogger) SetLevel(level logger.LogLevel) { l.level = level }

func (l *pkgLogger) Debugf(format string, args ...interface{}) { l.write(logger.DEBUG, format, args) }

func (l *pkgLogger) Infof(format string, args ...interface{}) { l.write(logger.INFO, format, args) }

func (l *pkgLogger) Warningf(format string, args ...interface{}) {
	l.write(logger.WARNING, format, args)
}

func (l *pkgLogger) Errorf(format string, args ...interface{}) { l.write(logger.ERROR, format, args) }

// Panicf always panics, the message is logged first if the level allows it
func (l *pkgLogger) Panicf(format string, args ...interface{}) {
	l.write(logger.CRITICAL, format, args)
	panic(fmt.Sprintf(format, args...))
}

func (l *pkgLogger) write(level logger.LogLevel, format string, args []interface{}) {
	if level > l.level {
		return
	}
	l.out.Printf("%-5s | %-15s | %s", labels[level], l.name, fmt.Sprintf(format, args...))
}

// CreateLogger implements dragonboats logger.Factory
func CreateLogger(pkgName string) logger.ILogger {
	return &pkgLogger{
		name:  pkgName,
		level: logger.INFO,
		out:   log.New(os.Stderr, "", log.Ldate|log.Ltime),
	}
}

// ParseLogLevel converts a string level to logger.LogLevel
func ParseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG, nil
	case "info", "":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return 0, errors.Wrapf(db.ErrInvalidConfig, "invalid log level %q, must be one of debug, info, warn, error", level)
	}
}

// dragonboat panics if the factory is set twice
var factoryOnce sync.Once

// InitLoggers installs the custom logger factory and sets the level of all rKV loggers.
// It may be called more than once, only the level changes after the first call.
func InitLoggers(level string) error {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	factoryOnce.Do(func() { logger.SetLoggerFactory(CreateLogger) })
	for _, name := range LoggerNames {
		logger.GetLogger(name).SetLevel(lvl)
	}
	return nil
}
