package gateway

import "strings"

// ModelRegistry resolves engine ids and model context windows. It is built
// from configuration at startup.
type ModelRegistry struct {
	engines        map[string]bool
	contextWindows map[string]int
}

// codexDefaultContextWindow is the heuristic window applied when a codex run
// reports usage but no window is configured for the model.
const codexDefaultContextWindow = 400000

// NewModelRegistry builds a registry from the configured engine ids and the
// per-model context window table.
func NewModelRegistry(engines []string, contextWindows map[string]int) *ModelRegistry {
	r := &ModelRegistry{
		engines:        make(map[string]bool, len(engines)),
		contextWindows: make(map[string]int, len(contextWindows)),
	}
	for _, e := range engines {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			r.engines[e] = true
		}
	}
	for model, window := range contextWindows {
		if window > 0 {
			r.contextWindows[strings.ToLower(model)] = window
		}
	}
	return r
}

// IsEngine reports whether id is a registered engine id.
func (r *ModelRegistry) IsEngine(id string) bool {
	if r == nil {
		return false
	}
	return r.engines[strings.ToLower(strings.TrimSpace(id))]
}

// EngineForModel treats a model string as an engine selector when its prefix
// before ':' is a registered engine id. Returns ("", false) otherwise.
func (r *ModelRegistry) EngineForModel(model string) (string, bool) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", false
	}
	prefix := model
	if idx := strings.IndexByte(model, ':'); idx >= 0 {
		prefix = model[:idx]
	}
	if r.IsEngine(prefix) {
		return strings.ToLower(prefix), true
	}
	return "", false
}

// ContextWindow resolves the context window for a run in priority order:
// explicit config for the model, registry lookup, engine heuristic. Returns
// 0 when unknown.
func (r *ModelRegistry) ContextWindow(model, engineID string, configured int) int {
	if configured > 0 {
		return configured
	}
	if r != nil {
		if w, ok := r.contextWindows[strings.ToLower(strings.TrimSpace(model))]; ok {
			return w
		}
	}
	if strings.EqualFold(strings.TrimSpace(engineID), "codex") {
		return codexDefaultContextWindow
	}
	return 0
}
