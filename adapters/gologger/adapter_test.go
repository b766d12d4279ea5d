package gologger

import (
	"context"
	"testing"

	glog "github.com/goliatone/go-logger/glog"
)

func TestResolveDeterministicFallback(t *testing.T) {
	loggerOnly := &capturingLogger{id: "logger"}
	providerLogger := &capturingLogger{id: "provider"}
	provider := &capturingProvider{logger: providerLogger}

	var resolvedProvider glog.LoggerProvider
	_, resolved := Resolve("tandas", provider, loggerOnly)
	got := resolved.(*capturingLogger)
	if got.id != "provider" {
		t.Fatalf("expected provider logger precedence, got %q", got.id)
	}

	resolvedProvider, resolved = Resolve("", nil, loggerOnly)
	got = resolved.(*capturingLogger)
	if got.id != "logger" {
		t.Fatalf("expected direct logger when provider is nil, got %q", got.id)
	}
	if resolvedProvider == nil {
		t.Fatalf("expected provider wrapper from logger")
	}

	_, resolved = Resolve("tandas", nil, nil)
	if resolved == nil {
		t.Fatalf("expected nop logger fallback")
	}
}

func TestGoJobBridgeCompatibility(t *testing.T) {
	providerLogger := &capturingLogger{id: "provider"}
	provider := &capturingProvider{logger: providerLogger}

	_, _, jobProvider, jobLogger := ResolveForJob("tandas", provider, nil)
	if jobProvider == nil {
		t.Fatalf("expected go-job provider bridge")
	}
	if jobLogger == nil {
		t.Fatalf("expected go-job logger bridge")
	}

	bridged := jobProvider.GetLogger("tandas.jobs")
	bridged.Info("saga expired", "saga_id", "saga_1")

	captured := providerLogger.lastInfo
	if captured.msg != "saga expired" {
		t.Fatalf("expected bridged message, got %q", captured.msg)
	}
	if captured.args[0] != "saga_id" || captured.args[1] != "saga_1" {
		t.Fatalf("expected bridged args, got %#v", captured.args)
	}
}

func TestComponentProviderTagsEntries(t *testing.T) {
	base := &capturingLogger{id: "base"}
	provider := NewComponentProvider(base)

	logger := provider.GetLogger("ledger")
	logger.Info("round closed", "tanda_id", "t1")

	captured := base.lastInfo
	if captured.msg != "round closed" {
		t.Fatalf("unexpected message %q", captured.msg)
	}
	if len(captured.args) != 4 || captured.args[0] != "component" || captured.args[1] != "ledger" {
		t.Fatalf("expected component prefix, got %#v", captured.args)
	}
	if captured.args[2] != "tanda_id" || captured.args[3] != "t1" {
		t.Fatalf("expected caller args after component, got %#v", captured.args)
	}

	withCtx := logger.WithContext(context.Background())
	withCtx.Info("again")
	if base.lastInfo.args[1] != "ledger" {
		t.Fatalf("expected component to survive WithContext")
	}

	if provider.GetLogger(" ") != glog.Logger(base) {
		t.Fatalf("expected blank component to return base logger")
	}
	if NewComponentProvider(nil).GetLogger("x") == nil {
		t.Fatalf("expected nop fallback for nil base")
	}
}

var (
	_ glog.Logger         = (*capturingLogger)(nil)
	_ glog.LoggerProvider = (*capturingProvider)(nil)
)

type capturingProvider struct {
	logger *capturingLogger
}

func (p *capturingProvider) GetLogger(string) glog.Logger {
	if p == nil || p.logger == nil {
		return glog.Nop()
	}
	return p.logger
}

type infoCall struct {
	msg  string
	args []any
}

type capturingLogger struct {
	id       string
	lastInfo infoCall
}

func (l *capturingLogger) Trace(string, ...any) {}
func (l *capturingLogger) Debug(string, ...any) {}
func (l *capturingLogger) Warn(string, ...any)  {}
func (l *capturingLogger) Error(string, ...any) {}
func (l *capturingLogger) Fatal(string, ...any) {}

func (l *capturingLogger) Info(msg string, args ...any) {
	l.lastInfo = infoCall{
		msg:  msg,
		args: append([]any(nil), args...),
	}
}

func (l *capturingLogger) WithContext(context.Context) glog.Logger {
	return l
}
