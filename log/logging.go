package log

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

var logger = logrus.New()
var logBlur = DefaultOptions.BlurTimes

//Initialize sets up the logging interface for use without the server
func Initialize(cfg Options) error {
	//Double check the config is valid
	if err := cfg.Verify(); err != nil {
		return err
	}

	//Switch on the level
	switch cfg.Level {
	case LevelDebug:
		logger.SetLevel(logrus.DebugLevel)
	case LevelInfo:
		logger.SetLevel(logrus.InfoLevel)
	case LevelWarn:
		logger.SetLevel(logrus.WarnLevel)
	case LevelError:
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if cfg.Format == FormatJSON {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	//Use a file if we need too
	if cfg.Path != "" {
		f, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
		if err != nil {
			return fmt.Errorf("failed to open log file for writing\nerror: %s", err.Error())
		}

		logger.SetOutput(f)
	}

	//Set the blur format
	logBlur = cfg.BlurTimes

	return nil
}

//Get returns the underlying logrus logger object
func Get() *logrus.Logger {
	return logger
}

//BlurTime rounds the provided time down to the configured
//blur window. With blurring disabled the time is returned untouched
func BlurTime(t time.Time) time.Time {
	if logBlur == 0 {
		return t
	}
	return t.Truncate(time.Duration(logBlur) * time.Second)
}
