package transfer

import (
	"log/slog"

	"github.com/dustin/go-humanize"
)

// ProgressSink receives progress and status updates from a transfer. Calls
// come from the downloading goroutine.
type ProgressSink interface {
	OnProgress(percent, kbps, etaSeconds float64)
	OnStatus(message string)
}

// ByteSink is implemented by sinks that also want the raw byte counts behind
// each progress report. It is called right before OnProgress.
type ByteSink interface {
	OnBytes(done, total int64)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) OnProgress(float64, float64, float64) {}
func (NopSink) OnStatus(string)                      {}

// LogSink reports progress through a logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) OnProgress(percent, kbps, eta float64) {
	s.Logger.Debug("download progress",
		"percent", humanize.FtoaWithDigits(percent, 2),
		"speed", humanize.Bytes(uint64(kbps*1024))+"/s",
		"eta_seconds", humanize.FtoaWithDigits(eta, 0))
}

func (s LogSink) OnStatus(message string) {
	s.Logger.Info("download status", "status", message)
}
