package logging

import (
	"os"
	"runtime"

	"github.com/sirupsen/logrus"
)

var Logger = &logrus.Logger{
	Out: os.Stdout,
	Formatter: &logrus.TextFormatter{
		DisableLevelTruncation: true,
		PadLevelText:           true,
		FullTimestamp:          true,
	},
	Hooks: make(logrus.LevelHooks),
	Level: logrus.InfoLevel,
}

// SetLevel applies a textual level ("debug", "info", ...). Unknown levels
// leave the current level in place and are reported.
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		Logger.WithFields(logrus.Fields{"module": "logging", "method": "SetLevel", "level": level}).Warn("unknown log level, keeping current")
		return
	}
	Logger.SetLevel(lvl)
}

// Trace returns the frame of the caller, used to tag log lines with the
// function that produced them.
func Trace() runtime.Frame {
	pc := make([]uintptr, 15)
	n := runtime.Callers(2, pc)
	frames := runtime.CallersFrames(pc[:n])
	frame, _ := frames.Next()
	return frame
}

