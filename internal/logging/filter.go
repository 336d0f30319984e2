package logging

import (
	"context"
	"log/slog"
	"sync"
)

// ComponentFilterHandler filters records by the "component" attribute.
// Components without an override use the default level. Overrides can be
// changed at runtime.
type ComponentFilterHandler struct {
	next      slog.Handler
	state     *filterState
	component string // from WithAttrs, if any
}

type filterState struct {
	mu           sync.RWMutex
	defaultLevel slog.Level
	levels       map[string]slog.Level
}

// NewComponentFilterHandler wraps next with per-component level filtering.
func NewComponentFilterHandler(next slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	return &ComponentFilterHandler{
		next: next,
		state: &filterState{
			defaultLevel: defaultLevel,
			levels:       make(map[string]slog.Level),
		},
	}
}

// SetLevel overrides the minimum level for one component.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	h.state.mu.Lock()
	h.state.levels[component] = level
	h.state.mu.Unlock()
}

// ClearLevel removes a component override.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	h.state.mu.Lock()
	delete(h.state.levels, component)
	h.state.mu.Unlock()
}

// Level returns the effective minimum level for a component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	h.state.mu.RLock()
	defer h.state.mu.RUnlock()
	if l, ok := h.state.levels[component]; ok {
		return l
	}
	return h.state.defaultLevel
}

// DefaultLevel returns the level used for components without an override.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	h.state.mu.RLock()
	defer h.state.mu.RUnlock()
	return h.state.defaultLevel
}

// minLevel is the lowest level any component accepts, used by Enabled
// before the record's attributes are known.
func (h *ComponentFilterHandler) minLevel() slog.Level {
	h.state.mu.RLock()
	defer h.state.mu.RUnlock()
	if h.component != "" {
		if l, ok := h.state.levels[h.component]; ok {
			return l
		}
		return h.state.defaultLevel
	}
	lowest := h.state.defaultLevel
	for _, l := range h.state.levels {
		if l < lowest {
			lowest = l
		}
	}
	return lowest
}

func (h *ComponentFilterHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.minLevel()
}

func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	component := h.component
	if component == "" {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == "component" {
				component = a.Value.String()
				return false
			}
			return true
		})
	}
	if r.Level < h.Level(component) {
		return nil
	}
	if h.next == nil {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	component := h.component
	for _, a := range attrs {
		if a.Key == "component" {
			component = a.Value.String()
		}
	}
	var next slog.Handler
	if h.next != nil {
		next = h.next.WithAttrs(attrs)
	}
	return &ComponentFilterHandler{next: next, state: h.state, component: component}
}

func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	var next slog.Handler
	if h.next != nil {
		next = h.next.WithGroup(name)
	}
	return &ComponentFilterHandler{next: next, state: h.state, component: h.component}
}
