// Package logging configures the shared logrus logger every gridflow
// component uses, mirroring the field style the teacher daemon uses
// throughout lib/cyclone (component, numbered worker, meter/region
// context fields) but with structured fields instead of printf slots.
package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// New builds a *logrus.Logger for component, honoring LOG_LEVEL and
// LOG_FORMAT environment variables (debug|info|warn|error, json|text).
func New(component string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	switch strings.ToLower(os.Getenv("LOG_FORMAT")) {
	case "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL")))
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	return log
}

// With returns an entry pre-populated with the component field, the way
// cyclone tags every line with its worker number.
func With(log *logrus.Logger, component string) *logrus.Entry {
	return log.WithField("component", component)
}
