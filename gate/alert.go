package gate

import (
	"context"
	"log/slog"
)

// AlertSink receives the events an operator should see immediately: hard
// regressions and fingerprint suspensions. The default sink logs; deployments
// can wire a pager.
type AlertSink interface {
	Notify(ctx context.Context, event string, fields map[string]any)
}

type logAlertSink struct {
	logger *slog.Logger
}

func NewLogAlertSink(logger *slog.Logger) AlertSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &logAlertSink{logger: logger}
}

func (s *logAlertSink) Notify(_ context.Context, event string, fields map[string]any) {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	s.logger.Warn(event, args...)
}
