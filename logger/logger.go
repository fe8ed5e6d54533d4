// Package logger configures the process-wide logrus logger used by the
// fetcher, its collaborators, and the cmd/oplogfetcher entrypoint.
package logger

import (
	log "github.com/sirupsen/logrus"
	"os"
)

// SetLogger installs a text formatter at the given level, optionally
// redirecting output to logFile instead of stderr.
func SetLogger(level log.Level, logFile string) {
	log.SetLevel(level)
	log.SetReportCaller(true)
	formatter := new(log.TextFormatter)
	formatter.TimestampFormat = "2006-01-02T15:04:05.999"
	formatter.FullTimestamp = true
	log.SetFormatter(formatter)
	if logFile == "" {
		return
	}
	log.Infof("logging to file %s", logFile)
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
	if err != nil {
		log.Errorf("error opening log file %s: %v", logFile, err)
		return
	}
	log.SetOutput(f)
}
