package logging

import (
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// Setup configures the process-wide logger. level is one of debug, info,
// warn or error; format "json" switches to JSON lines. Unknown levels fall
// back to info.
func Setup(level, format string) {
	lvl, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = log.InfoLevel
	}

	log.SetOutput(os.Stderr)
	log.SetLevel(lvl)
	log.SetReportTimestamp(true)
	if strings.EqualFold(format, "json") {
		log.SetFormatter(log.JSONFormatter)
	} else {
		log.SetFormatter(log.TextFormatter)
	}
}

// For returns a logger tagged with a component prefix
func For(component string) *log.Logger {
	return log.Default().WithPrefix(component)
}
