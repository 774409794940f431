// Package handler maps job types to their handlers and binds payloads to
// typed, validated structs before execution.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/teacurran/village-homepage/pkg/jobqueue"
)

// Declaration describes a handler's operational envelope.
type Declaration struct {
	// Type is the job type this handler serves.
	Type string

	// Family is the queue family jobs of this type are enqueued to by
	// default.
	Family jobqueue.Family

	// Capabilities names the shared resources the handler needs, e.g.
	// "browser", "ai", "stripe". Declarative only: Register does not
	// check them, and pools carry no capability set.
	Capabilities []string

	// MaxDuration is the wall-clock deadline the worker enforces.
	MaxDuration time.Duration

	// MaxAttempts overrides the queue default when positive.
	MaxAttempts int
}

// Handler executes one job type. Validate runs before Run and its error is
// always treated as non-retryable.
type Handler interface {
	Declare() Declaration
	Validate(payload json.RawMessage) error
	Run(ctx context.Context, payload json.RawMessage) error
}

// Registry is the startup-checked map of job type to handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Registering the same type twice or a handler
// with a broken declaration is a programming error caught at startup.
func (r *Registry) Register(h Handler) error {
	d := h.Declare()
	if d.Type == "" {
		return fmt.Errorf("handler declares empty job type")
	}
	if !d.Family.Valid() {
		return fmt.Errorf("handler %s declares invalid family %q", d.Type, d.Family)
	}
	if d.MaxDuration <= 0 {
		return fmt.Errorf("handler %s declares no max duration", d.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[d.Type]; dup {
		return fmt.Errorf("handler %s registered twice", d.Type)
	}
	r.handlers[d.Type] = h
	return nil
}

// MustRegister panics on registration failure; used from wiring code where
// a broken registration should stop the process.
func (r *Registry) MustRegister(hs ...Handler) {
	for _, h := range hs {
		if err := r.Register(h); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the handler for a job type, or ErrUnknownType.
func (r *Registry) Lookup(jobType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	if !ok {
		return nil, fmt.Errorf("%q: %w", jobType, jobqueue.ErrUnknownType)
	}
	return h, nil
}

// Types returns all registered job types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Declared returns the declaration for a job type, or false.
func (r *Registry) Declared(jobType string) (Declaration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	if !ok {
		return Declaration{}, false
	}
	return h.Declare(), true
}

// payloadValidator validates bound payload structs by tag.
var payloadValidator = validator.New(validator.WithRequiredStructEnabled())

// Bind unmarshals a payload into dst and runs struct-tag validation.
// Unknown fields are ignored; required-field violations are returned as
// non-retryable validation failures.
func Bind(payload json.RawMessage, dst any) error {
	if err := json.Unmarshal(payload, dst); err != nil {
		return jobqueue.Invalid(fmt.Errorf("decoding payload: %w", err))
	}
	if err := payloadValidator.Struct(dst); err != nil {
		return jobqueue.Invalid(fmt.Errorf("validating payload: %w", err))
	}
	return nil
}
