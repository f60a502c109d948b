package server

import (
	"sync"

	"github.com/donnalabs/donna/internal/config"
)

// Settings is the mutable business configuration shared by the admin API and
// the call pipeline. The admin PUT handler replaces it; new calls read it
// when they build their greeting and system prompt. Safe for concurrent use.
type Settings struct {
	mu  sync.RWMutex
	biz config.BusinessConfig
}

// NewSettings seeds the settings with the loaded business config.
func NewSettings(biz config.BusinessConfig) *Settings {
	if biz.AgentName == "" {
		biz.AgentName = config.DefaultAgentName
	}
	return &Settings{biz: biz}
}

// Business returns the current business configuration.
func (s *Settings) Business() config.BusinessConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.biz
}

// Update replaces the business configuration. Calls already in progress keep
// the settings they started with.
func (s *Settings) Update(biz config.BusinessConfig) {
	if biz.AgentName == "" {
		biz.AgentName = config.DefaultAgentName
	}
	s.mu.Lock()
	s.biz = biz
	s.mu.Unlock()
}
