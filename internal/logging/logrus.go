package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logrus builds component loggers sharing one output and level.
type Logrus struct {
	level  string
	format string
	logger *logrus.Logger
}

// NewLogrus creates a logger factory. format is "text" or "json"; an
// unknown level falls back to info.
func NewLogrus(level, format string, output io.Writer) *Logrus {
	log := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	if format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05"})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}
	log.SetOutput(output)
	return &Logrus{level: lvl.String(), format: format, logger: log}
}

// Get returns an entry tagged with the component name.
func (l *Logrus) Get(component string) *logrus.Entry {
	return l.logger.WithField("component", component)
}

// Logger exposes the underlying logger, e.g. to add hooks.
func (l *Logrus) Logger() *logrus.Logger { return l.logger }

// Discard returns an entry that drops everything. Packages use it when no
// logger is configured.
func Discard() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}
