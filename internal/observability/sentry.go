package observability

import (
	"time"

	"github.com/getsentry/sentry-go"
)

func InitSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
	})
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}

// SentryTelemetry forwards captured errors to the current Sentry hub and
// mirrors them to the structured log.
type SentryTelemetry struct {
	logger *Logger
}

func NewSentryTelemetry(logger *Logger) *SentryTelemetry {
	return &SentryTelemetry{logger: logger}
}

func (t *SentryTelemetry) CaptureException(err error) {
	if err == nil {
		return
	}
	sentry.CaptureException(err)
	if t.logger != nil {
		t.logger.Error("exception_captured", map[string]any{"error": err.Error()})
	}
}

func (t *SentryTelemetry) CaptureMessage(message string) {
	sentry.CaptureMessage(message)
	if t.logger != nil {
		t.logger.Warn("message_captured", map[string]any{"message": message})
	}
}
