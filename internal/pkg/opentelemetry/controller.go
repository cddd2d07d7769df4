// Copyright The JVMTrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package opentelemetry renders traced events as OpenTelemetry spans, for
// observing the agent through a regular trace pipeline alongside the
// in-runtime tracking sink.
package opentelemetry

import (
	"context"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/jvmtrace/initagent/internal/pkg/jvmti"
	"github.com/jvmtrace/initagent/internal/pkg/report"
	"github.com/jvmtrace/initagent/internal/pkg/stacktrace"
)

// scopeName is the instrumentation scope reported on every span.
const scopeName = "github.com/jvmtrace/initagent"

// Span names for the two event kinds.
const (
	spanClassInitialized   = "class.initialized"
	spanObjectInstantiated = "object.instantiated"
)

var classNameKey = attribute.Key("jvm.class.name")

// Controller handles OpenTelemetry telemetry generation for traced events.
type Controller struct {
	logger *slog.Logger
	tracer trace.Tracer
}

var _ report.Sink = (*Controller)(nil)

// NewController returns a Controller emitting through tracerProvider.
func NewController(logger *slog.Logger, tracerProvider trace.TracerProvider, version string) *Controller {
	return &Controller{
		logger: logger,
		tracer: tracerProvider.Tracer(
			scopeName,
			trace.WithInstrumentationVersion(version),
		),
	}
}

// ReportClassInitialized implements report.Sink.
func (c *Controller) ReportClassInitialized(class jvmti.Ref, className string, stack stacktrace.Trace) error {
	c.emit(spanClassInitialized, className, stack)
	return nil
}

// ReportObjectInstantiated implements report.Sink.
func (c *Controller) ReportObjectInstantiated(obj jvmti.Ref, className string, stack stacktrace.Trace) error {
	c.emit(spanObjectInstantiated, className, stack)
	return nil
}

func (c *Controller) emit(name, className string, stack stacktrace.Trace) {
	c.logger.Debug("emitting span", "name", name, "class", className)
	attrs := []attribute.KeyValue{
		classNameKey.String(className),
		semconv.CodeStacktrace(render(stack)),
	}
	if len(stack) > 0 {
		inner := stack[0]
		attrs = append(attrs,
			semconv.CodeNamespace(inner.Class),
			semconv.CodeFunction(inner.Method),
		)
		if inner.File != "" {
			attrs = append(attrs, semconv.CodeFilepath(inner.File))
		}
		if inner.Line != stacktrace.LineUnavailable {
			attrs = append(attrs, semconv.CodeLineNumber(inner.Line))
		}
	}
	_, span := c.tracer.Start(context.Background(), name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	span.End()
}

func render(stack stacktrace.Trace) string {
	var b strings.Builder
	for i, f := range stack {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(f.String())
	}
	return b.String()
}
