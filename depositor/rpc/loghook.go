package rpc

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
)

// OTelLogHook mirrors zerolog events at or above a level to the global
// OpenTelemetry logger provider.
type OTelLogHook struct {
	threshold zerolog.Level
	logger    otellog.Logger
}

// NewOTelLogHook creates a hook; it must be created after NewOTelSDK so the
// configured provider is picked up.
func NewOTelLogHook(component string, threshold zerolog.Level) *OTelLogHook {
	return &OTelLogHook{
		threshold: threshold,
		logger:    global.GetLoggerProvider().Logger("github.com/piggyvault/piggy-hub/depositor/" + component),
	}
}

func (h *OTelLogHook) Run(e *zerolog.Event, level zerolog.Level, message string) {
	if level < h.threshold || level == zerolog.NoLevel || level == zerolog.Disabled {
		return
	}
	var record otellog.Record
	record.SetTimestamp(time.Now())
	record.SetSeverity(severity(level))
	record.SetSeverityText(level.String())
	record.SetBody(otellog.StringValue(message))
	h.logger.Emit(context.Background(), record)
}

func severity(level zerolog.Level) otellog.Severity {
	switch level {
	case zerolog.TraceLevel:
		return otellog.SeverityTrace
	case zerolog.DebugLevel:
		return otellog.SeverityDebug
	case zerolog.InfoLevel:
		return otellog.SeverityInfo
	case zerolog.WarnLevel:
		return otellog.SeverityWarn
	case zerolog.ErrorLevel:
		return otellog.SeverityError
	case zerolog.FatalLevel:
		return otellog.SeverityFatal
	case zerolog.PanicLevel:
		return otellog.SeverityFatal4
	default:
		return otellog.SeverityUndefined
	}
}
