// Package observability wires up the process-wide logger.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// Instrument installs the default slog logger in the requested format.
// The "otel" format bridges slog records to an OTLP exporter, or to
// stdout when no OTEL_EXPORTER_OTLP_ENDPOINT is configured.
func Instrument(level slog.Level, format string) error {
	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	case "otel":
		provider, err := newLoggerProvider(context.Background(), level)
		if err != nil {
			return fmt.Errorf("failed to create logger provider: %w", err)
		}
		handler = otelslog.NewHandler("crosswind", otelslog.WithLoggerProvider(provider))
	default:
		return fmt.Errorf("unknown log format %q", format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

func newLoggerProvider(ctx context.Context, level slog.Level) (*sdklog.LoggerProvider, error) {
	exporter, err := newExporter(ctx)
	if err != nil {
		return nil, err
	}

	processor := minsev.NewLogProcessor(
		sdklog.NewSimpleProcessor(exporter),
		severityFromLevel(level),
	)

	return sdklog.NewLoggerProvider(sdklog.WithProcessor(processor)), nil
}

func newExporter(ctx context.Context) (sdklog.Exporter, error) {
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		return stdoutlog.New()
	}

	switch protocol := os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL"); {
	case strings.HasPrefix(protocol, "grpc"):
		return otlploggrpc.New(ctx)
	default:
		return otlploghttp.New(ctx)
	}
}

func severityFromLevel(level slog.Level) minsev.Severity {
	switch {
	case level <= slog.LevelDebug:
		return minsev.SeverityDebug
	case level <= slog.LevelInfo:
		return minsev.SeverityInfo
	case level <= slog.LevelWarn:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}
