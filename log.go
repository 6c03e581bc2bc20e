package fripac

import (
	"strings"

	"github.com/sirupsen/logrus"
	env "github.com/xyproto/env/v2"
)

// logger is the package-level structured logger. The teacher's codegen
// files gate their os.Stderr debug prints behind a VerboseMode bool; here
// the same gating is expressed as a logrus level, defaulting to Warn and
// raised to Debug by FRIPAC_LOG_LEVEL.
var logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	l.SetLevel(parseLevel(env.Str("FRIPAC_LOG_LEVEL", "warn")))
	return l
}

func parseLevel(s string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.WarnLevel
	}
}
