package common

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/lni/dragonboat/v4/logger"
)

// --------------------------------------------------------------------------
// Custom Logger (implements dragonboat's logger.ILogger)
// --------------------------------------------------------------------------

// rfcLogger implements the ILogger interface with custom formatting
type rfcLogger struct {
	name   string
	level  logger.LogLevel
	logger *log.Logger
}

func (l *rfcLogger) SetLevel(level logger.LogLevel) {
	l.level = level
}

func (l *rfcLogger) Debugf(format string, args ...interface{}) {
	if l.level >= logger.DEBUG {
		l.log("DEBUG", format, args...)
	}
}

func (l *rfcLogger) Infof(format string, args ...interface{}) {
	if l.level >= logger.INFO {
		l.log("INFO", format, args...)
	}
}

func (l *rfcLogger) Warningf(format string, args ...interface{}) {
	if l.level >= logger.WARNING {
		l.log("WARN", format, args...)
	}
}

func (l *rfcLogger) Errorf(format string, args ...interface{}) {
	if l.level >= logger.ERROR {
		l.log("ERROR", format, args...)
	}
}

func (l *rfcLogger) Panicf(format string, args ...interface{}) {
	if l.level >= logger.CRITICAL {
		panic(fmt.Sprintf(format, args...))
	}
}

func (l *rfcLogger) log(levelStr string, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("%-5s | %-15s | %s", levelStr, l.name, message)
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

// CreateLogger implements dragonboat's logger.Factory, logging to stderr so command output stays clean.
func CreateLogger(pkgName string) logger.ILogger {
	return &rfcLogger{
		name:   pkgName,
		level:  logger.INFO,
		logger: log.New(os.Stderr, "", log.Ldate|log.Ltime),
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// ParseLogLevel converts a string level to logger.LogLevel
func ParseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG, nil
	case "info":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

// loggedPackages are all packages logging through the dragonboat facade.
var loggedPackages = []string{
	"rfc",
	"rpc",
	"transport/rpc",
	"store",
	"unit",
	"endpoint",
	"tlog",
	"auth",
	"cli",
}

// InitLoggers installs the custom logger factory and sets the level of all loggers.
// badger is noisy on INFO and never logs below WARNING.
func InitLoggers(level string) error {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	logger.SetLoggerFactory(CreateLogger)

	for _, pkg := range loggedPackages {
		logger.GetLogger(pkg).SetLevel(lvl)
	}

	badgerLevel := lvl
	if badgerLevel > logger.WARNING {
		badgerLevel = logger.WARNING
	}
	logger.GetLogger("badger").SetLevel(badgerLevel)
	return nil
}
