package api

import (
	"context"
	"sync"
)

// AgentState tracks the in-VM agent's bootstrap and TLS-readiness
// flags, read by the host lifecycle worker's health poll and written by
// the bootstrap monitor and the edge-TLS monitor respectively.
type AgentState struct {
	mu           sync.RWMutex
	bootstrapped bool
	httpsReady   bool
}

// SetReady implements tlsmonitor.SystemState: the edge TLS proxy has a
// valid certificate.
func (s *AgentState) SetReady(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.httpsReady = true
	return nil
}

// MarkBootstrapped records that the tenant composition came up
// successfully.
func (s *AgentState) MarkBootstrapped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bootstrapped = true
}

// Snapshot returns the current (bootstrapped, httpsReady) pair.
func (s *AgentState) Snapshot() (bootstrapped bool, httpsReady bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bootstrapped, s.httpsReady
}
