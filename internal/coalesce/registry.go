package coalesce

import (
	"sync"

	"github.com/lemonhq/lemon/internal/outbound"
	"github.com/lemonhq/lemon/internal/session"
)

// Registry lazily creates and caches the coalescer pair for each
// (session key, channel id). Instances survive across runs on the same
// session so known message ids carry over.
type Registry struct {
	outbox    outbound.Outbox
	resume    ResumeIndexer
	streamCfg StreamConfig
	statusCfg ToolStatusConfig

	mu       sync.Mutex
	adapters map[string]Adapter
	streams  map[string]*StreamCoalescer
	statuses map[string]*ToolStatusCoalescer
}

// NewRegistry builds a Registry sharing one outbox and resume indexer.
func NewRegistry(outbox outbound.Outbox, resume ResumeIndexer, streamCfg StreamConfig, statusCfg ToolStatusConfig) *Registry {
	return &Registry{
		outbox:    outbox,
		resume:    resume,
		streamCfg: streamCfg,
		statusCfg: statusCfg,
		adapters:  make(map[string]Adapter),
		streams:   make(map[string]*StreamCoalescer),
		statuses:  make(map[string]*ToolStatusCoalescer),
	}
}

// RegisterAdapter installs the adapter used for a channel id. Unregistered
// channels get a plain text adapter without edit support.
func (r *Registry) RegisterAdapter(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ChannelID()] = a
}

// Adapter returns the adapter for a channel id, defaulting to a plain text
// adapter for channels never registered.
func (r *Registry) Adapter(channelID string) Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.adapterLocked(channelID)
}

func (r *Registry) adapterLocked(channelID string) Adapter {
	if a, ok := r.adapters[channelID]; ok {
		return a
	}
	a := NewAdapter(channelID, Capabilities{})
	r.adapters[channelID] = a
	return a
}

// Stream returns the stream coalescer for the pair, creating it on first
// use.
func (r *Registry) Stream(key session.Key, channelID string) *StreamCoalescer {
	id := key.String() + "|" + channelID
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.streams[id]; ok {
		return c
	}
	c := NewStreamCoalescer(key, r.adapterLocked(channelID), r.outbox, r.resume, r.streamCfg)
	r.streams[id] = c
	return c
}

// ToolStatus returns the tool-status coalescer for the pair, creating it on
// first use.
func (r *Registry) ToolStatus(key session.Key, channelID string) *ToolStatusCoalescer {
	id := key.String() + "|" + channelID
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.statuses[id]; ok {
		return c
	}
	c := NewToolStatusCoalescer(key, r.adapterLocked(channelID), r.outbox, r.statusCfg)
	r.statuses[id] = c
	return c
}

// Stop shuts down every coalescer.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.streams {
		c.Stop()
	}
	for _, c := range r.statuses {
		c.Stop()
	}
}
