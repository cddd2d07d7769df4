// Copyright The JVMTrace Authors
// SPDX-License-Identifier: Apache-2.0

package initagent

import (
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/trace"

	"github.com/jvmtrace/initagent/internal/pkg/opentelemetry"
	"github.com/jvmtrace/initagent/internal/pkg/report"
)

const (
	// envLogLevelKey is the key for the environment variable value
	// containing the log level.
	envLogLevelKey = "JVMTRACE_LOG_LEVEL"

	// Defaults for the module and package housing the tracking sink.
	defaultTrackingModule  = "org.graalvm.sdk"
	defaultTrackingPackage = "org.graalvm.nativeimage.impl.clinit"
)

// Option applies a configuration to an [Agent].
type Option interface {
	apply(agentConfig) agentConfig
}

type fnOpt func(agentConfig) agentConfig

func (o fnOpt) apply(c agentConfig) agentConfig { return o(c) }

type agentConfig struct {
	logger          *slog.Logger
	sinks           []report.Sink
	tracerProvider  trace.TracerProvider
	fatal           func(error)
	trackingModule  string
	trackingPackage string
}

func newAgentConfig(opts []Option) agentConfig {
	c := agentConfig{
		trackingModule:  defaultTrackingModule,
		trackingPackage: defaultTrackingPackage,
	}
	for _, opt := range opts {
		if opt != nil {
			c = opt.apply(c)
		}
	}
	if c.logger == nil {
		c.logger = newLogger(os.Getenv(envLogLevelKey))
	}
	return c
}

// sink assembles the configured sinks into one. With no configuration the
// agent reports through the logger.
func (c agentConfig) sink(version string) report.Sink {
	sinks := c.sinks
	if c.tracerProvider != nil {
		sinks = append(sinks, opentelemetry.NewController(c.logger, c.tracerProvider, version))
	}
	switch len(sinks) {
	case 0:
		return report.LogSink{Logger: c.logger}
	case 1:
		return sinks[0]
	default:
		return report.Tee(sinks)
	}
}

func newLogger(lvlStr string) *slog.Logger {
	levelVar := new(slog.LevelVar) // Default value of info.
	opts := &slog.HandlerOptions{Level: levelVar}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, opts))

	if lvlStr == "" {
		return logger
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(lvlStr)); err != nil {
		logger.Error("failed to parse log level", "error", err, "log-level", lvlStr)
	} else {
		levelVar.Set(level)
	}

	return logger
}

// WithLogger returns an [Option] that will configure logger as the logger
// used by an [Agent].
func WithLogger(logger *slog.Logger) Option {
	return fnOpt(func(c agentConfig) agentConfig {
		c.logger = logger
		return c
	})
}

// WithSink returns an [Option] that adds sink as a destination for traced
// events. Multiple sinks may be added; each event is forwarded to all of
// them, and any sink failure is fatal to the agent.
func WithSink(sink report.Sink) Option {
	return fnOpt(func(c agentConfig) agentConfig {
		if sink != nil {
			c.sinks = append(c.sinks, sink)
		}
		return c
	})
}

// WithTracerProvider returns an [Option] that additionally emits every
// traced event as a span through tp.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return fnOpt(func(c agentConfig) agentConfig {
		c.tracerProvider = tp
		return c
	})
}

// WithFatalHandler returns an [Option] overriding how the agent reacts to
// unrecoverable errors (internal-consistency violations, sink failures,
// unexpected host-call failures). The default logs the error and exits the
// process.
func WithFatalHandler(f func(error)) Option {
	return fnOpt(func(c agentConfig) agentConfig {
		c.fatal = f
		return c
	})
}

// WithTrackingTarget returns an [Option] overriding the module and package
// housing the tracking sink, opened to all modules at VM start on runtimes
// with module encapsulation.
func WithTrackingTarget(module, pkg string) Option {
	return fnOpt(func(c agentConfig) agentConfig {
		c.trackingModule = module
		c.trackingPackage = pkg
		return c
	})
}
