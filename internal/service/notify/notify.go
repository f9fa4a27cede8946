package notify

import (
	"log/slog"

	"github.com/splax/filify/internal/domain"
)

// Sink receives notices.
type Sink interface {
	Notify(notice domain.Notice)
}

// LogNotifier writes notices to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier returns a sink that logs through logger.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notify")}
}

func (n *LogNotifier) Notify(notice domain.Notice) {
	attrs := []any{"deployment_id", notice.DeploymentID, "message", notice.Message}
	switch notice.Level {
	case domain.NoticeError:
		n.logger.Error("deployment notice", attrs...)
	case domain.NoticeSuccess:
		n.logger.Info("deployment finalized", attrs...)
	default:
		n.logger.Info("deployment notice", attrs...)
	}
}

// Multi fans a notice out to every sink in order.
type Multi []Sink

func (m Multi) Notify(notice domain.Notice) {
	for _, sink := range m {
		if sink != nil {
			sink.Notify(notice)
		}
	}
}
