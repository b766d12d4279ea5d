package gocommand

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
	"github.com/goliatone/go-tandas/core"
)

// MessagePrefix namespaces every command and query type this package routes.
const MessagePrefix = "tandas."

// validateTandaMessage runs the message's own Validate and rejects types
// outside the tandas namespace.
func validateTandaMessage(msg any) error {
	if err := command.ValidateMessage(msg); err != nil {
		return err
	}
	m, ok := msg.(command.Message)
	if !ok {
		return core.ValidationError(core.ErrorValidation, "type", "message must implement Type() string")
	}
	kind := strings.TrimSpace(m.Type())
	if !strings.HasPrefix(kind, MessagePrefix) || kind == MessagePrefix {
		return core.ValidationError(core.ErrorValidation, "type", fmt.Sprintf("message type %q is not a tandas message", kind))
	}
	return nil
}

// HandlerRegistry tracks the tandas handlers in a go-command registry so
// resolvers (the job queue mirror) see them on Initialize.
type HandlerRegistry struct {
	registry *command.Registry
	types    []string
}

func NewHandlerRegistry(registry *command.Registry) *HandlerRegistry {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &HandlerRegistry{registry: registry}
}

// MirrorToJobQueue copies every registered command into queueRegistry on
// Initialize so the sweep can run as a queued job.
func (r *HandlerRegistry) MirrorToJobQueue(key string, queueRegistry *jobqueuecommand.Registry) error {
	if r == nil || r.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	return r.registry.AddResolver(strings.TrimSpace(key), jobqueuecommand.QueueResolver(queueRegistry))
}

func (r *HandlerRegistry) Initialize() error {
	if r == nil || r.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return r.registry.Initialize()
}

// Types lists registered message types in registration order.
func (r *HandlerRegistry) Types() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.types...)
}

func (r *HandlerRegistry) track(messageType string, register func() error, sub commanddispatcher.Subscription) (commanddispatcher.Subscription, error) {
	if err := register(); err != nil {
		if sub != nil {
			sub.Unsubscribe()
		}
		return nil, err
	}
	r.types = append(r.types, messageType)
	return sub, nil
}

func registerCommand[T command.Message](r *HandlerRegistry, cmd command.Commander[T], runnerOpts ...runner.Option) (commanddispatcher.Subscription, error) {
	if r == nil || r.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if cmd == nil {
		return nil, fmt.Errorf("gocommand: command is required")
	}
	var zero T
	if err := requireTandaType(zero.Type()); err != nil {
		return nil, err
	}
	sub := commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
	return r.track(zero.Type(), func() error { return r.registry.RegisterCommand(cmd) }, sub)
}

func registerQuery[T command.Message, R any](r *HandlerRegistry, qry command.Querier[T, R], runnerOpts ...runner.Option) (commanddispatcher.Subscription, error) {
	if r == nil || r.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if qry == nil {
		return nil, fmt.Errorf("gocommand: query is required")
	}
	var zero T
	if err := requireTandaType(zero.Type()); err != nil {
		return nil, err
	}
	sub := commanddispatcher.SubscribeQuery(qry, runnerOpts...)
	return r.track(zero.Type(), func() error { return r.registry.RegisterCommand(qry) }, sub)
}

func requireTandaType(kind string) error {
	if !strings.HasPrefix(kind, MessagePrefix) {
		return fmt.Errorf("gocommand: %q is outside the %s namespace", kind, MessagePrefix)
	}
	return nil
}

// DispatchResult dispatches msg and returns the value its command stored in
// the result collector. ok is false when the command stored nothing.
func DispatchResult[T any, R any](ctx context.Context, msg T) (result R, ok bool, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := validateTandaMessage(msg); err != nil {
		return result, false, err
	}
	collector := command.NewResult[R]()
	if err := commanddispatcher.Dispatch(command.ContextWithResult(ctx, collector), msg); err != nil {
		return result, false, err
	}
	result, ok = collector.Load()
	return result, ok, nil
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := validateTandaMessage(msg); err != nil {
		var zero R
		return zero, err
	}
	return commanddispatcher.Query[T, R](ctx, msg)
}
