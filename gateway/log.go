package gateway

import (
	log "github.com/sirupsen/logrus"
)

// Package-level leveled loggers, mirroring mqtt/log.go's component-tagged
// logrus.Entry vars. Used for SetLogLevel's own diagnostics; a Gateway
// instance logs through the *log.Entry passed to New instead, the way
// pico-cs-mqtt-gateway's Gateway carries its own lg rather than reaching for
// package globals.
var (
	debugLog = log.WithField("component", "gateway")
	warnLog  = log.WithField("component", "gateway")
	errorLog = log.WithField("component", "gateway")
)

// defaultLogger is used when New is given a nil *log.Entry, mirroring
// pico-cs-mqtt-gateway's `if lg == nil { lg = logger.Null }` guard.
func defaultLogger() *log.Entry { return log.WithField("component", "gateway") }

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
