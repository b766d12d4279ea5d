package gologger

import (
	"context"
	"strings"

	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

// DefaultName is the logger name used when callers pass none.
const DefaultName = "tandas"

// Resolve uses deterministic precedence provider > logger > nop.
func Resolve(name string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultName
	}
	return glog.Resolve(name, provider, logger)
}

// ToJobProvider maps a glog provider to the go-job logger provider contract.
func ToJobProvider(provider glog.LoggerProvider) job.LoggerProvider {
	if provider == nil {
		return nil
	}
	return job.GoLoggerProvider(provider)
}

// ToJobLogger maps a glog logger to the go-job logger contract.
func ToJobLogger(logger glog.Logger) job.Logger {
	if logger == nil {
		return nil
	}
	return job.GoLogger(logger)
}

// ResolveForJob resolves glog logger/provider then returns equivalent go-job adapters.
func ResolveForJob(
	name string,
	provider glog.LoggerProvider,
	logger glog.Logger,
) (glog.LoggerProvider, glog.Logger, job.LoggerProvider, job.Logger) {
	resolvedProvider, resolvedLogger := Resolve(name, provider, logger)
	return resolvedProvider, resolvedLogger, ToJobProvider(resolvedProvider), ToJobLogger(resolvedLogger)
}

// ComponentProvider hands out loggers that tag every entry with the
// requested component name, e.g. "ledger" or "saga.sweeper".
type ComponentProvider struct {
	base glog.Logger
}

func NewComponentProvider(base glog.Logger) *ComponentProvider {
	if base == nil {
		base = glog.Nop()
	}
	return &ComponentProvider{base: base}
}

func (p *ComponentProvider) GetLogger(name string) glog.Logger {
	if p == nil || p.base == nil {
		return glog.Nop()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return p.base
	}
	return &componentLogger{base: p.base, component: name}
}

type componentLogger struct {
	base      glog.Logger
	component string
}

func (l *componentLogger) with(args []any) []any {
	out := make([]any, 0, len(args)+2)
	out = append(out, "component", l.component)
	return append(out, args...)
}

func (l *componentLogger) Trace(msg string, args ...any) { l.base.Trace(msg, l.with(args)...) }
func (l *componentLogger) Debug(msg string, args ...any) { l.base.Debug(msg, l.with(args)...) }
func (l *componentLogger) Info(msg string, args ...any)  { l.base.Info(msg, l.with(args)...) }
func (l *componentLogger) Warn(msg string, args ...any)  { l.base.Warn(msg, l.with(args)...) }
func (l *componentLogger) Error(msg string, args ...any) { l.base.Error(msg, l.with(args)...) }
func (l *componentLogger) Fatal(msg string, args ...any) { l.base.Fatal(msg, l.with(args)...) }

func (l *componentLogger) WithContext(ctx context.Context) glog.Logger {
	return &componentLogger{base: l.base.WithContext(ctx), component: l.component}
}

var (
	_ glog.LoggerProvider = (*ComponentProvider)(nil)
	_ glog.Logger         = (*componentLogger)(nil)
)
