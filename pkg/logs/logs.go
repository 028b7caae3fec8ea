// Package logs models the log lines that flow over run streams and their
// mirroring into the server's own logrus output.
package logs

import (
	"github.com/sirupsen/logrus"

	"github.com/fal-ai/insulate/pkg/rpc"
)

// Log is the in-process form of a streamed log line.
type Log struct {
	Message string
	Level   rpc.LogLevel
	Source  rpc.LogSource
}

// Hook receives every log line produced during a pipeline. Builders call
// it from build subprocesses; the task runner installs one that enqueues
// the line onto the run's message queue.
type Hook func(Log)

// ToWire converts a log line to its wire form.
func ToWire(l Log) *rpc.Log {
	return &rpc.Log{
		Message: l.Message,
		Level:   l.Level,
		Source:  l.Source,
	}
}

// FromWire converts a wire log line back to the in-process form.
func FromWire(l *rpc.Log) Log {
	return Log{
		Message: l.Message,
		Level:   l.Level,
		Source:  l.Source,
	}
}

// Mirror writes a log line to the given logrus entry at the matching
// level, tagged with its source.
func Mirror(entry *logrus.Entry, l Log) {
	entry = entry.WithField("source", l.Source.String())
	switch l.Level {
	case rpc.LevelTrace:
		entry.Trace(l.Message)
	case rpc.LevelDebug:
		entry.Debug(l.Message)
	case rpc.LevelInfo:
		entry.Info(l.Message)
	case rpc.LevelWarning:
		entry.Warn(l.Message)
	case rpc.LevelError:
		entry.Error(l.Message)
	default:
		entry.Info(l.Message)
	}
}
