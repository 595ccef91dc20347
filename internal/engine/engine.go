package engine

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/a-essam23/go-courier/internal/call"
	"github.com/a-essam23/go-courier/internal/chat"
	"github.com/a-essam23/go-courier/pkg/config"
	"github.com/a-essam23/go-courier/pkg/pipeline"
	"github.com/a-essam23/go-courier/pkg/state"
)

// Services are the components the core actions drive.
type Services struct {
	Registry        state.Registry
	Bootstrapper    *chat.Bootstrapper
	Dispatcher      *chat.Dispatcher
	Calls           *call.Coordinator
	ConnectionLimit config.ConnectionLimitConfig
}

/*
* The central registry for all executable and context-aware components.
* It holds one action per request kind and the modifier factories that
* configuration can attach in front of them.
 */
type Registry struct {
	logger   *slog.Logger
	services Services
	now      func() time.Time

	actions  map[string]pipeline.ActionFunc
	actionMu sync.RWMutex

	modifiers  map[string]pipeline.ModifierFactory
	modifierMu sync.RWMutex
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		actions:   make(map[string]pipeline.ActionFunc),
		modifiers: make(map[string]pipeline.ModifierFactory),
		logger:    logger.With(slog.String("component", "engine")),
		now:       time.Now,
	}
}

// RegisterCore registers the actions for every chat kind and signaling event,
// and the built-in modifiers.
func (e *Registry) RegisterCore(svc Services) {
	e.services = svc
	e.registerChatActions()
	e.registerSignalActions()
	e.registerCoreModifiers()
}

func (e *Registry) registerCoreModifiers() {
	e.RegisterModifier("rate_limit", e.newRateLimitModifier)
	e.RegisterModifier("secure", newSecureModifier)
	e.RegisterModifier("log", newLogModifier)
	e.logger.Info("Registered core modifiers", slog.Int("count", len(e.modifiers)))
}

// --- Action Methods ---

func (e *Registry) RegisterAction(kind string, fn pipeline.ActionFunc) {
	e.actionMu.Lock()
	defer e.actionMu.Unlock()
	if _, exists := e.actions[kind]; exists {
		panic("action function already registered: " + kind)
	}
	e.actions[kind] = fn
}

func (e *Registry) GetActionFunc(kind string) (pipeline.ActionFunc, bool) {
	e.actionMu.RLock()
	defer e.actionMu.RUnlock()
	fn, ok := e.actions[kind]
	return fn, ok
}

// Kinds lists every kind with a registered action, sorted.
func (e *Registry) Kinds() []string {
	e.actionMu.RLock()
	defer e.actionMu.RUnlock()
	kinds := make([]string, 0, len(e.actions))
	for k := range e.actions {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// --- Modifier Methods ---

func (e *Registry) RegisterModifier(name string, factory pipeline.ModifierFactory) {
	e.modifierMu.Lock()
	defer e.modifierMu.Unlock()
	if _, exists := e.modifiers[name]; exists {
		panic("modifier function already registered: " + name)
	}
	e.modifiers[name] = factory
}

func (e *Registry) GetModifierFactory(name string) (pipeline.ModifierFactory, bool) {
	e.modifierMu.RLock()
	defer e.modifierMu.RUnlock()
	factory, ok := e.modifiers[name]
	return factory, ok
}
