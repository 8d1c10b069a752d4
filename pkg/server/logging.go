package server

import (
	"io"
	"log"
	"os"
)

// debugLog carries verbose per-frame traces. Discarded unless enabled.
var debugLog = log.New(io.Discard, "", log.Ldate|log.Ltime|log.Lmicroseconds)

// EnableDebugLogging routes debug traces to stderr.
func (s *Server) EnableDebugLogging() {
	debugLog.SetOutput(os.Stderr)
}
