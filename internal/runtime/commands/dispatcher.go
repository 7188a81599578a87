package commands

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"mcpd/internal/events"
)

// Host command names understood by the controller.
const (
	CommandStart   = "server.start"
	CommandStop    = "server.stop"
	CommandRestart = "server.restart"
	CommandStatus  = "server.status"
)

// ErrUnknownCommand is returned when no handler exists for a command.
var ErrUnknownCommand = errors.New("commands: unknown command")

// Command is a host request routed through the dispatcher.
type Command struct {
	Name   string
	Source string
}

// Response is the handler's result; nil when there is nothing to say.
type Response any

// Handler processes a command.
type Handler interface {
	Handle(ctx context.Context, cmd Command) (Response, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, cmd Command) (Response, error)

func (f HandlerFunc) Handle(ctx context.Context, cmd Command) (Response, error) {
	return f(ctx, cmd)
}

// Middleware intercepts command handling and may short-circuit.
type Middleware func(ctx context.Context, cmd Command, next Handler) (Response, error)

// Dispatcher routes commands to registered handlers. Names are matched
// case-insensitively.
type Dispatcher struct {
	mu         sync.RWMutex
	handlers   map[string]Handler
	middleware []Middleware
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register associates a handler with a command name. It panics on duplicates.
func (d *Dispatcher) Register(name string, h Handler) {
	key := normalize(name)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[key]; exists {
		panic("commands: handler already registered for " + name)
	}
	d.handlers[key] = h
}

// Use appends a middleware; the first registered runs outermost.
func (d *Dispatcher) Use(m Middleware) {
	d.mu.Lock()
	d.middleware = append(d.middleware, m)
	d.mu.Unlock()
}

// Names lists registered commands in sorted order.
func (d *Dispatcher) Names() []string {
	d.mu.RLock()
	out := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		out = append(out, name)
	}
	d.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Dispatch routes cmd to its handler through the middleware chain.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (Response, error) {
	d.mu.RLock()
	h, ok := d.handlers[normalize(cmd.Name)]
	mws := append([]Middleware(nil), d.middleware...)
	d.mu.RUnlock()
	if !ok {
		return nil, &UnknownCommandError{Name: cmd.Name}
	}
	final := h
	for i := len(mws) - 1; i >= 0; i-- {
		mw := mws[i]
		next := final
		final = HandlerFunc(func(ctx context.Context, c Command) (Response, error) {
			return mw(ctx, c, next)
		})
	}
	return final.Handle(ctx, cmd)
}

// UnknownCommandError names the command that had no handler.
type UnknownCommandError struct {
	Name string
}

func (e *UnknownCommandError) Error() string { return "commands: unknown command " + e.Name }

func (e *UnknownCommandError) Is(target error) bool { return target == ErrUnknownCommand }

// Publish returns a middleware that announces every handled command on bus.
func Publish(bus *events.Bus) Middleware {
	return func(ctx context.Context, cmd Command, next Handler) (Response, error) {
		resp, err := next.Handle(ctx, cmd)
		evt := events.CommandReceived{Name: normalize(cmd.Name), Source: cmd.Source}
		if err != nil {
			evt.Error = err.Error()
		}
		bus.Publish(events.TopicCommand, evt)
		return resp, err
	}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
