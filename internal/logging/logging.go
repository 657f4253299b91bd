// Package logging builds the controller's root log15 logger from
// configuration, optionally tee-ing output to a size-rotated file.
package logging

import (
	"io"
	"os"

	"github.com/inconshreveable/log15"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ociule/mongorc/internal/config"
)

// New constructs the root logger used throughout the controller. Every
// component derives its own logger from this one via Logger.New(ctx...),
// the same way the teacher's Process threads p.Logger.New(...) through
// every operation.
func New(cfg *config.Config) log15.Logger {
	logger := log15.New("app", "mongorc")

	var format log15.Format
	if cfg.LogFormat == "json" {
		format = log15.JsonFormat()
	} else {
		format = log15.LogfmtFormat()
	}

	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
		out = io.MultiWriter(os.Stderr, rotated)
	}

	handler := log15.StreamHandler(out, format)
	handler = log15.LvlFilterHandler(level(cfg.LogLevel), handler)
	logger.SetHandler(handler)
	return logger
}

func level(s string) log15.Lvl {
	lvl, err := log15.LvlFromString(s)
	if err != nil {
		return log15.LvlInfo
	}
	return lvl
}
