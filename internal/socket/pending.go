package socket

import (
	"encoding/json"
	"sync"
)

type ackResult struct {
	payload json.RawMessage
	err     error
}

// pendingAcks correlates outbound requests with their acknowledgements by
// ack id. Every added entry is resolved exactly once: by the matching ack,
// by timeout, or by drain when the connection closes.
type pendingAcks struct {
	mu sync.Mutex
	m  map[string]chan ackResult
}

func newPendingAcks() *pendingAcks {
	return &pendingAcks{m: make(map[string]chan ackResult)}
}

// add registers a pending request and returns its result channel.
func (p *pendingAcks) add(ackID string) chan ackResult {
	ch := make(chan ackResult, 1)
	p.mu.Lock()
	p.m[ackID] = ch
	p.mu.Unlock()
	return ch
}

// resolve delivers an ack payload to the matching pending request. It
// returns false when no request is waiting for the id.
func (p *pendingAcks) resolve(ackID string, payload json.RawMessage) bool {
	p.mu.Lock()
	ch, ok := p.m[ackID]
	if ok {
		delete(p.m, ackID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- ackResult{payload: payload}
	return true
}

// fail removes a pending request and delivers err to it, if still present.
func (p *pendingAcks) fail(ackID string, err error) {
	p.mu.Lock()
	ch, ok := p.m[ackID]
	if ok {
		delete(p.m, ackID)
	}
	p.mu.Unlock()
	if ok {
		ch <- ackResult{err: err}
	}
}

// drain fails every pending request with err.
func (p *pendingAcks) drain(err error) {
	p.mu.Lock()
	pending := p.m
	p.m = make(map[string]chan ackResult)
	p.mu.Unlock()
	for _, ch := range pending {
		ch <- ackResult{err: err}
	}
}

func (p *pendingAcks) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
