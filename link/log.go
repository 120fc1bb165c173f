package link

import (
	log "github.com/sirupsen/logrus"
)

// Package-level leveled loggers, mirroring mqtt/log.go's component-tagged
// logrus.Entry vars. A Link/AsyncLink instance logs through the *log.Entry
// passed to New/NewAsync instead of these; SetLogLevel uses them for its own
// diagnostics.
var (
	debugLog = log.WithField("component", "link")
	warnLog  = log.WithField("component", "link")
)

// defaultLogger is used when New/NewAsync is given a nil *log.Entry.
func defaultLogger() *log.Entry { return log.WithField("component", "link") }

// SetLogLevel sets the package's logrus level by name, falling back to Warn
// on an unrecognised name. Mirrors mqtt.SetLogLevel.
func SetLogLevel(levelName string) {
	level, err := log.ParseLevel(levelName)
	if err != nil {
		log.SetLevel(log.WarnLevel)
		warnLog.Warnf("unknown log level %q, using warn", levelName)
		return
	}
	log.SetLevel(level)
}
