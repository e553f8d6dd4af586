package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	log        *logrus.Logger
	AppLog     *logrus.Entry
	InitLog    *logrus.Entry
	ConfigLog  *logrus.Entry
	ContextLog *logrus.Entry
	BusLog     *logrus.Entry
	WampLog    *logrus.Entry
	ConnLog    *logrus.Entry
	TracerLog  *logrus.Entry
	SyncLog    *logrus.Entry
	HandlerLog *logrus.Entry
	RESTLog    *logrus.Entry
	StoreLog   *logrus.Entry
	SBILog     *logrus.Entry
	HTTPLog    *logrus.Entry
)

func init() {
	log = logrus.New()
	log.SetReportCaller(false)

	AppLog = log.WithFields(logrus.Fields{"component": "APP"})
	InitLog = log.WithFields(logrus.Fields{"component": "INIT"})
	ConfigLog = log.WithFields(logrus.Fields{"component": "CONFIG"})
	ContextLog = log.WithFields(logrus.Fields{"component": "CONTEXT"})
	BusLog = log.WithFields(logrus.Fields{"component": "BUS"})
	WampLog = log.WithFields(logrus.Fields{"component": "WAMP"})
	ConnLog = log.WithFields(logrus.Fields{"component": "CONN"})
	TracerLog = log.WithFields(logrus.Fields{"component": "TRACER"})
	SyncLog = log.WithFields(logrus.Fields{"component": "SYNC"})
	HandlerLog = log.WithFields(logrus.Fields{"component": "HANDLER"})
	RESTLog = log.WithFields(logrus.Fields{"component": "REST"})
	StoreLog = log.WithFields(logrus.Fields{"component": "STORE"})
	SBILog = log.WithFields(logrus.Fields{"component": "SBI"})
	HTTPLog = log.WithFields(logrus.Fields{"component": "HTTP"})
}

type Config struct {
	Level           string
	ReportCaller    bool
	File            string
	RotationCount   int
	RotationMaxAge  int
	RotationMaxSize int
}

func SetLogLevel(levelStr string) {
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		log.Warnf("Invalid log level [%s], using default level [info]", levelStr)
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
}

func SetReportCaller(enable bool) {
	log.SetReportCaller(enable)
	if enable {
		log.SetFormatter(&logrus.TextFormatter{
			ForceColors:     true,
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
			CallerPrettyfier: func(f *runtime.Frame) (string, string) {
				s := strings.Split(f.Function, ".")
				funcname := s[len(s)-1]
				filename := filepath.Base(f.File)
				return funcname, fmt.Sprintf("%s:%d", filename, f.Line)
			},
		})
	}
}

func InitLogger(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("logger config is nil")
	}

	SetLogLevel(cfg.Level)
	SetReportCaller(cfg.ReportCaller)

	if cfg.File == "" {
		if !cfg.ReportCaller {
			log.SetFormatter(&logrus.TextFormatter{
				ForceColors:     true,
				FullTimestamp:   true,
				TimestampFormat: time.RFC3339,
			})
		}
		log.SetOutput(os.Stdout)
	} else {
		// File output without colors
		log.SetFormatter(&logrus.TextFormatter{
			ForceColors:     false,
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})

		writer, err := NewRotatingWriter(cfg.File, cfg.RotationMaxSize, cfg.RotationCount, cfg.RotationMaxAge)
		if err != nil {
			return err
		}
		log.SetOutput(writer)
	}

	InitLog.Infof("Logger initialized with level: %s", cfg.Level)
	return nil
}

// NewRotatingWriter creates the log directory and returns a size-rotated
// writer for path. It is shared by the process log and the call-log sink.
func NewRotatingWriter(path string, maxSizeMB, backups, maxAgeDays int) (*lumberjack.Logger, error) {
	logDir := filepath.Dir(path)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB, // megabytes
		MaxBackups: backups,
		MaxAge:     maxAgeDays, // days
		Compress:   true,
	}, nil
}

// GetLogger returns the base logger instance
func GetLogger() *logrus.Logger {
	return log
}

// WithFields creates a new logger entry with the given fields
func WithFields(fields logrus.Fields) *logrus.Entry {
	return log.WithFields(fields)
}
