// Package command implements the command registry: name-based dispatch of
// imperative operations with JSON-Schema input validation.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/homecore/errors"
	"github.com/c360/homecore/metric"
	"github.com/c360/homecore/types"
)

// ResponseMode declares whether a command returns a response payload.
type ResponseMode int

// Response modes.
const (
	ResponseNone ResponseMode = iota
	ResponseOptional
	ResponseRequired
)

// String returns the configuration name of the mode.
func (m ResponseMode) String() string {
	switch m {
	case ResponseNone:
		return "none"
	case ResponseOptional:
		return "optional"
	case ResponseRequired:
		return "required"
	default:
		return "unknown"
	}
}

// Call is one invocation handed to a Handler.
type Call struct {
	Domain         string
	Name           string
	Data           map[string]any
	Context        *types.Context
	ReturnResponse bool
}

// Handler executes a command. The returned map is the response payload and
// is ignored unless the caller asked for a response.
type Handler func(ctx context.Context, call *Call) (map[string]any, error)

// Descriptor describes a command at registration time.
type Descriptor struct {
	Domain      string
	Name        string
	Description string
	// Schema is a JSON Schema for the call data: a map, json.RawMessage,
	// []byte or string. Nil disables validation.
	Schema   any
	Handler  Handler
	Response ResponseMode
}

// Key returns "domain.name".
func (d Descriptor) Key() string { return d.Domain + "." + d.Name }

type registered struct {
	desc   Descriptor
	schema *gojsonschema.Schema
}

// Publisher is the part of the event bus the registry needs.
type Publisher interface {
	Publish(event *types.Event) error
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics registers command metrics with registrar.
func WithMetrics(registrar metric.MetricsRegistrar) Option {
	return func(r *Registry) {
		r.metrics = newCommandMetrics(registrar)
	}
}

// Registry maps (domain, name) to handlers.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]map[string]*registered

	bus     Publisher
	logger  *slog.Logger
	metrics *commandMetrics
}

// NewRegistry creates a Registry publishing lifecycle and call events to bus.
// bus may be nil.
func NewRegistry(bus Publisher, opts ...Option) *Registry {
	r := &Registry{
		commands: make(map[string]map[string]*registered),
		bus:      bus,
		logger:   slog.Default().With("component", "command"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a command. The schema is compiled once here.
func (r *Registry) Register(desc Descriptor) error {
	if desc.Domain == "" || desc.Name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "CommandRegistry", "Register",
			"domain and name are required")
	}
	if desc.Handler == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "CommandRegistry", "Register",
			fmt.Sprintf("handler required for %s", desc.Key()))
	}

	schema, err := compileSchema(desc.Schema)
	if err != nil {
		return errors.WrapInvalid(err, "CommandRegistry", "Register",
			fmt.Sprintf("compile schema for %s", desc.Key()))
	}

	r.mu.Lock()
	byName, ok := r.commands[desc.Domain]
	if !ok {
		byName = make(map[string]*registered)
		r.commands[desc.Domain] = byName
	}
	if _, exists := byName[desc.Name]; exists {
		r.mu.Unlock()
		return errors.WrapInvalid(errors.ErrCommandExists, "CommandRegistry", "Register",
			fmt.Sprintf("register %s", desc.Key()))
	}
	byName[desc.Name] = &registered{desc: desc, schema: schema}
	total := r.countLocked()
	r.mu.Unlock()

	r.metrics.setRegistered(total)
	r.logger.Debug("Command registered", "command", desc.Key(), "response", desc.Response.String())
	r.publish(types.EventServiceRegistered, types.ServiceEventData{Domain: desc.Domain, Service: desc.Name}, nil)
	return nil
}

// Unregister removes a command. In-flight calls are unaffected.
// Returns false if the command was not registered.
func (r *Registry) Unregister(domain, name string) bool {
	r.mu.Lock()
	byName, ok := r.commands[domain]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if _, ok := byName[name]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(byName, name)
	if len(byName) == 0 {
		delete(r.commands, domain)
	}
	total := r.countLocked()
	r.mu.Unlock()

	r.metrics.setRegistered(total)
	r.publish(types.EventServiceRemoved, types.ServiceEventData{Domain: domain, Service: name}, nil)
	return true
}

// UnregisterDomain removes every command in domain and returns how many.
func (r *Registry) UnregisterDomain(domain string) int {
	r.mu.Lock()
	byName := r.commands[domain]
	delete(r.commands, domain)
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	total := r.countLocked()
	r.mu.Unlock()

	sort.Strings(names)
	r.metrics.setRegistered(total)
	for _, name := range names {
		r.publish(types.EventServiceRemoved, types.ServiceEventData{Domain: domain, Service: name}, nil)
	}
	return len(names)
}

// Has reports whether domain.name is registered.
func (r *Registry) Has(domain, name string) bool {
	_, ok := r.lookup(domain, name)
	return ok
}

// Describe returns the descriptor of domain.name.
func (r *Registry) Describe(domain, name string) (Descriptor, bool) {
	reg, ok := r.lookup(domain, name)
	if !ok {
		return Descriptor{}, false
	}
	return reg.desc, true
}

// Domains returns every domain with a registered command, sorted.
func (r *Registry) Domains() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.commands))
	for d := range r.commands {
		out = append(out, d)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// All returns every descriptor sorted by key.
func (r *Registry) All() []Descriptor {
	r.mu.RLock()
	var out []Descriptor
	for _, byName := range r.commands {
		for _, reg := range byName {
			out = append(out, reg.desc)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Call validates data and invokes the handler of domain.name outside any
// registry lock. The response is returned only when wantResponse is set.
func (r *Registry) Call(ctx context.Context, domain, name string, data map[string]any,
	callCtx *types.Context, wantResponse bool) (map[string]any, error) {
	reg, ok := r.lookup(domain, name)
	if !ok {
		r.metrics.recordCall(domain, name, "not_found", 0)
		return nil, errors.WrapInvalid(errors.ErrCommandNotFound, "CommandRegistry", "Call",
			fmt.Sprintf("lookup %s.%s", domain, name))
	}
	if data == nil {
		data = map[string]any{}
	}
	if callCtx == nil {
		callCtx = types.NewContext()
	}

	if err := validate(reg, data); err != nil {
		r.metrics.recordCall(domain, name, "invalid", 0)
		return nil, errors.WrapInvalid(err, "CommandRegistry", "Call", "validate data")
	}

	switch {
	case reg.desc.Response == ResponseRequired && !wantResponse:
		r.metrics.recordCall(domain, name, "invalid", 0)
		return nil, errors.WrapInvalid(errors.ErrResponseRequired, "CommandRegistry", "Call",
			fmt.Sprintf("call %s", reg.desc.Key()))
	case reg.desc.Response == ResponseNone && wantResponse:
		r.metrics.recordCall(domain, name, "invalid", 0)
		return nil, errors.WrapInvalid(errors.ErrResponseNotSupported, "CommandRegistry", "Call",
			fmt.Sprintf("call %s", reg.desc.Key()))
	}

	r.publish(types.EventCallService, types.CallServiceData{
		Domain:      domain,
		Service:     name,
		ServiceData: data,
	}, callCtx)

	call := &Call{Domain: domain, Name: name, Data: data, Context: callCtx, ReturnResponse: wantResponse}
	start := time.Now()
	resp, err := invoke(ctx, reg.desc.Handler, call)
	elapsed := time.Since(start)
	if err != nil {
		r.metrics.recordCall(domain, name, "error", elapsed)
		return nil, errors.Wrap(err, "CommandRegistry", "Call", fmt.Sprintf("handle %s", reg.desc.Key()))
	}
	r.metrics.recordCall(domain, name, "success", elapsed)

	if !wantResponse {
		return nil, nil
	}
	return resp, nil
}

func (r *Registry) lookup(domain, name string) (*registered, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.commands[domain][name]
	return reg, ok
}

func (r *Registry) countLocked() int {
	n := 0
	for _, byName := range r.commands {
		n += len(byName)
	}
	return n
}

func (r *Registry) publish(eventType string, data any, ctx *types.Context) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(types.NewEvent(eventType, data, ctx)); err != nil {
		r.logger.Debug("Command event not published", "event_type", eventType, "error", err)
	}
}

// invoke runs the handler, turning a panic into an error.
func invoke(ctx context.Context, h Handler, call *Call) (resp map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return h(ctx, call)
}

func compileSchema(schema any) (*gojsonschema.Schema, error) {
	var loader gojsonschema.JSONLoader
	switch s := schema.(type) {
	case nil:
		return nil, nil
	case string:
		loader = gojsonschema.NewStringLoader(s)
	case []byte:
		loader = gojsonschema.NewBytesLoader(s)
	case json.RawMessage:
		loader = gojsonschema.NewBytesLoader(s)
	default:
		loader = gojsonschema.NewGoLoader(s)
	}
	return gojsonschema.NewSchema(loader)
}

// ValidationError lists every schema violation of one call.
type ValidationError struct {
	Command    string
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Command, errors.ErrSchemaValidation, strings.Join(e.Violations, "; "))
}

// Unwrap makes ValidationError match ErrSchemaValidation.
func (e *ValidationError) Unwrap() error { return errors.ErrSchemaValidation }

func validate(reg *registered, data map[string]any) error {
	if reg.schema == nil {
		return nil
	}
	result, err := reg.schema.Validate(gojsonschema.NewGoLoader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrSchemaValidation, err)
	}
	if result.Valid() {
		return nil
	}
	violations := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		violations = append(violations, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return &ValidationError{Command: reg.desc.Key(), Violations: violations}
}
