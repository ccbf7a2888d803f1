package registry

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

type pendingResult struct {
	payload json.RawMessage
	err     error
}

// pendingRequest is one in-flight remote execution.
type pendingRequest struct {
	MessageID       string
	OriginProcessID string
	ChannelID       string
	CommandID       string
	CreatedAt       time.Time

	done  chan pendingResult
	timer *time.Timer
}

// PendingInfo is a read-only view of one pending request.
type PendingInfo struct {
	MessageID       string
	OriginProcessID string
	ChannelID       string
	CommandID       string
	CreatedAt       time.Time
}

// pendingRequests correlates MessageIDs to waiting callers. Every entry leaves
// the map exactly once: on response, rejection, timeout, or cancel.
type pendingRequests struct {
	mu    sync.Mutex
	items map[string]*pendingRequest
}

func newPendingRequests() *pendingRequests {
	return &pendingRequests{items: make(map[string]*pendingRequest)}
}

// add stores req and arms its timeout. On expiry the entry is removed and
// rejected with the error built by onTimeout.
func (p *pendingRequests) add(req *pendingRequest, timeout time.Duration, onTimeout func(*pendingRequest) error) {
	req.done = make(chan pendingResult, 1)
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	// The timer is armed under the lock so take never observes an entry
	// without it.
	if timeout > 0 {
		req.timer = time.AfterFunc(timeout, func() {
			if taken, ok := p.take(req.MessageID); ok {
				taken.done <- pendingResult{err: onTimeout(taken)}
			}
		})
	}
	p.items[req.MessageID] = req
}

// take removes and returns the entry for messageID.
func (p *pendingRequests) take(messageID string) (*pendingRequest, bool) {
	p.mu.Lock()
	req, ok := p.items[messageID]
	if ok {
		delete(p.items, messageID)
		if req.timer != nil {
			req.timer.Stop()
		}
	}
	p.mu.Unlock()
	return req, ok
}

func (p *pendingRequests) resolve(messageID string, payload json.RawMessage) bool {
	req, ok := p.take(messageID)
	if !ok {
		return false
	}
	req.done <- pendingResult{payload: payload}
	return true
}

func (p *pendingRequests) reject(messageID string, err error) bool {
	req, ok := p.take(messageID)
	if !ok {
		return false
	}
	req.done <- pendingResult{err: err}
	return true
}

// rejectChannel fails every request routed through channelID.
func (p *pendingRequests) rejectChannel(channelID string, err error) int {
	p.mu.Lock()
	ids := make([]string, 0)
	for id, req := range p.items {
		if req.ChannelID == channelID {
			ids = append(ids, id)
		}
	}
	p.mu.Unlock()
	n := 0
	for _, id := range ids {
		if p.reject(id, err) {
			n++
		}
	}
	return n
}

func (p *pendingRequests) rejectAll(err error) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.items))
	for id := range p.items {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		p.reject(id, err)
	}
}

func (p *pendingRequests) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

func (p *pendingRequests) List() []PendingInfo {
	p.mu.Lock()
	out := make([]PendingInfo, 0, len(p.items))
	for _, req := range p.items {
		out = append(out, PendingInfo{
			MessageID:       req.MessageID,
			OriginProcessID: req.OriginProcessID,
			ChannelID:       req.ChannelID,
			CommandID:       req.CommandID,
			CreatedAt:       req.CreatedAt,
		})
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].MessageID < out[j].MessageID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
