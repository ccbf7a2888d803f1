package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// IsReady blocks until every process in processIDs is reachable through a
// Ready channel and its _new.channel.registered event has been published.
// The wait is bounded by the handshake timeout.
func (r *Registry) IsReady(ctx context.Context, processIDs ...string) error {
	timeout := r.cfg.HandshakeTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		missing, wake := r.missing(processIDs)
		if len(missing) == 0 {
			return nil
		}
		select {
		case <-wake:
		case <-timer.C:
			return newError(KindHandshakeTimeout, "processes not ready after %s: %s",
				timeout, strings.Join(missing, ", "))
		case <-ctx.Done():
			return ctx.Err()
		case <-r.ctx.Done():
			return ErrClosed
		}
	}
}

// missing reports which of processIDs are not yet announced, along with the
// channel closed on the next announcement.
func (r *Registry) missing(processIDs []string) ([]string, <-chan struct{}) {
	r.mu.RLock()
	reach := r.reachableLocked()
	wake := r.announceWake
	out := make([]string, 0)
	for _, pid := range processIDs {
		if pid == r.id {
			continue
		}
		_, ok := reach[pid]
		if _, announced := r.announced[pid]; !ok || !announced {
			out = append(out, pid)
		}
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out, wake
}

func (r *Registry) String() string {
	return fmt.Sprintf("registry(%s/%s)", r.id, r.role)
}
