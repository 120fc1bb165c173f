package mqtt

import (
	log "github.com/sirupsen/logrus"
)

// Package-level leveled loggers, named after the teacher's DEBUG/WARN/ERROR/
// CRITICAL package vars (paho.mqtt.golang's client.go calls DEBUG.Println(CLI,
// ...) throughout). Backed by logrus instead of a bespoke Logger interface,
// following hlindberg-mezquit/internal/logging's SetLevelFromName wiring.
var (
	debugLog = log.WithField("component", "mqtt")
	warnLog  = log.WithField("component", "mqtt")
	errorLog = log.WithField("component", "mqtt")
)

// SetLogLevel sets the package's logrus level by name, falling back to Warn
// on an unrecognised name. Mirrors logging.SetLevelFromName.
func SetLogLevel(levelName string) {
	level, err := log.ParseLevel(levelName)
	if err != nil {
		log.SetLevel(log.WarnLevel)
		warnLog.Warnf("unknown log level %q, using warn", levelName)
		return
	}
	log.SetLevel(level)
}
