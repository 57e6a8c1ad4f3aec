// Package monitoring wires log output for the estimation packages.
//
// Each estimation package logs on three streams: ops for session-level
// events, diag for per-keyframe and per-solve detail, and trace for every
// capture. Logf is the command-level logger used by drivers.
package monitoring

import (
	"io"
	"log"
	"strings"

	"github.com/banshee-data/pose.window/internal/estimation/activesearch"
	"github.com/banshee-data/pose.window/internal/estimation/graph"
	"github.com/banshee-data/pose.window/internal/estimation/sensors"
	"github.com/banshee-data/pose.window/internal/estimation/solver"
	"github.com/banshee-data/pose.window/internal/estimation/state"
	"github.com/banshee-data/pose.window/internal/estimation/storage/sqlite"
	"github.com/banshee-data/pose.window/internal/estimation/tree"
	"github.com/banshee-data/pose.window/internal/estimation/window"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Level selects which streams are written.
type Level int

const (
	LevelQuiet Level = iota
	LevelOps
	LevelDiag
	LevelTrace
)

func (l Level) String() string {
	switch l {
	case LevelQuiet:
		return "quiet"
	case LevelOps:
		return "ops"
	case LevelDiag:
		return "diag"
	case LevelTrace:
		return "trace"
	default:
		return "unknown"
	}
}

// ParseLevel accepts the names returned by Level.String. Unknown names fall
// back to LevelOps.
func ParseLevel(s string) Level {
	for l := LevelQuiet; l <= LevelTrace; l++ {
		if strings.EqualFold(s, l.String()) {
			return l
		}
	}
	return LevelOps
}

// SetLogWriters points every estimation package's streams at the given
// writers. Pass nil for any writer to disable that stream.
func SetLogWriters(ops, diag, trace io.Writer) {
	tree.SetLogWriters(ops, diag, trace)
	state.SetLogWriters(ops, diag, trace)
	activesearch.SetLogWriters(ops, diag, trace)
	graph.SetLogWriters(ops, diag, trace)
	sensors.SetLogWriters(ops, diag, trace)
	window.SetLogWriters(ops, diag, trace)
	solver.SetLogWriters(ops, diag, trace)
	sqlite.SetLogWriters(ops, diag, trace)
}

// SetLevel sends every stream up to and including l to w and mutes the rest.
func SetLevel(l Level, w io.Writer) {
	pick := func(from Level) io.Writer {
		if l >= from {
			return w
		}
		return nil
	}
	SetLogWriters(pick(LevelOps), pick(LevelDiag), pick(LevelTrace))
}
