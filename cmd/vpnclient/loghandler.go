package main

//
// A CLI handler for apex/log that prefixes entries with the elapsed time
// since startup, which makes handshake timing issues visible at a glance.
//

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/apex/log"
)

// colors for the log levels.
var colors = [...]int{
	log.DebugLevel: 90, // gray
	log.InfoLevel:  34, // blue
	log.WarnLevel:  33, // yellow
	log.ErrorLevel: 31, // red
	log.FatalLevel: 31, // red
}

// strings mapping the log levels.
var strings = [...]string{
	log.DebugLevel: "DEBUG",
	log.InfoLevel:  "INFO",
	log.WarnLevel:  "WARN",
	log.ErrorLevel: "ERROR",
	log.FatalLevel: "FATAL",
}

// logHandler implements log.Handler.
type logHandler struct {
	mu      sync.Mutex
	writer  io.Writer
	started time.Time
}

// newLogHandler returns a handler writing to w.
func newLogHandler(w io.Writer) *logHandler {
	return &logHandler{
		writer:  w,
		started: time.Now(),
	}
}

// HandleLog implements log.Handler.
func (h *logHandler) HandleLog(e *log.Entry) error {
	color := colors[e.Level]
	level := strings[e.Level]

	h.mu.Lock()
	defer h.mu.Unlock()

	elapsed := time.Since(h.started).Seconds()
	fmt.Fprintf(h.writer, "[%8.6f] \033[%dm%-5s\033[0m %s", elapsed, color, level, e.Message)
	for _, name := range e.Fields.Names() {
		fmt.Fprintf(h.writer, " \033[%dm%s\033[0m=%v", color, name, e.Fields.Get(name))
	}
	fmt.Fprintln(h.writer)
	return nil
}

var _ log.Handler = &logHandler{}

// setupLogging installs the handler on the default apex logger.
func setupLogging(verbose bool) {
	log.SetHandler(newLogHandler(os.Stderr))
	if verbose {
		log.SetLevel(log.DebugLevel)
		return
	}
	log.SetLevel(log.InfoLevel)
}
