package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/danmuck/xprocbus/internal/channel"
	"github.com/danmuck/xprocbus/internal/observability"
	"github.com/danmuck/xprocbus/internal/protocol/envelope"
	"github.com/danmuck/xprocbus/internal/protocol/session"
	"github.com/sourcegraph/conc/pool"
)

type ChannelState int

const (
	StatePending ChannelState = iota
	StateReady
)

func (s ChannelState) String() string {
	if s == StateReady {
		return "ready"
	}
	return "pending"
}

// ChannelRecord is a snapshot of one channel.
type ChannelRecord struct {
	ChannelID     string
	PeerProcessID string
	State         ChannelState
	// Reachable lists processes the peer relays to, excluding the peer itself.
	Reachable []string
	Catalog   session.Catalog
}

// EventChannelRemoved fires locally after a channel is disconnected. Like
// _new.channel.registered it never crosses a channel.
const EventChannelRemoved = "_channel.removed"

// ChannelRegistered is the payload of the local _new.channel.registered and
// _channel.removed events.
type ChannelRegistered struct {
	ProcessID string `json:"processId"`
	ChannelID string `json:"channelId"`
}

type channelState struct {
	id     string
	conn   channel.Channel
	events *eventQueue

	// guarded by Registry.mu
	peer       string
	state      ChannelState
	regStarted bool
	sent       bool
	received   bool
	catalog    session.Catalog
	removed    bool
}

// AddChannel registers a channel this process opened: it sends its own
// registration first and then waits for the peer's.
func (r *Registry) AddChannel(ch channel.Channel) (string, error) {
	cs, err := r.attach(ch, true)
	if err != nil {
		return "", err
	}
	if err := r.sendInitial(cs); err != nil {
		r.disconnect(cs, err)
		return "", fmt.Errorf("registry: send registration on %s: %w", cs.id, err)
	}
	return cs.id, nil
}

// AcceptChannel registers a channel opened by the peer: it waits for the
// peer's registration and replies with its own.
func (r *Registry) AcceptChannel(ch channel.Channel) (string, error) {
	cs, err := r.attach(ch, false)
	if err != nil {
		return "", err
	}
	return cs.id, nil
}

func (r *Registry) attach(ch channel.Channel, opener bool) (*channelState, error) {
	if ch == nil {
		return nil, errors.New("registry: nil channel")
	}
	cs := &channelState{
		id:         fmt.Sprintf("ch-%d", r.chanSeq.Add(1)),
		conn:       ch,
		events:     newEventQueue(),
		regStarted: opener,
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.channels[cs.id] = cs
	r.wg.Go(func() { r.readLoop(cs) })
	r.wg.Go(func() { cs.events.run(func(ev Event) { r.bus.publish(ev) }) })
	r.mu.Unlock()

	r.log.Debug().Str("channel_id", cs.id).Bool("opener", opener).Msg("channel attached")
	return cs, nil
}

// ListChannels returns the ids of Ready channels in sorted order.
func (r *Registry) ListChannels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.channels))
	for _, cs := range r.readyLocked() {
		out = append(out, cs.id)
	}
	return out
}

// Channels snapshots every attached channel, Pending ones included.
func (r *Registry) Channels() []ChannelRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ChannelRecord, 0, len(r.channels))
	for _, cs := range r.channels {
		out = append(out, ChannelRecord{
			ChannelID:     cs.id,
			PeerProcessID: cs.peer,
			State:         cs.state,
			Reachable:     append([]string(nil), cs.catalog.Processes...),
			Catalog:       cs.catalog,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// Reachable maps every process reachable through a Ready channel to that
// channel's id.
func (r *Registry) Reachable() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reachableLocked()
}

// CloseChannel disconnects one channel.
func (r *Registry) CloseChannel(channelID string) bool {
	r.mu.RLock()
	cs := r.channels[channelID]
	r.mu.RUnlock()
	if cs == nil {
		return false
	}
	r.disconnect(cs, channel.ErrClosed)
	return true
}

func (r *Registry) readyLocked() []*channelState {
	out := make([]*channelState, 0, len(r.channels))
	for _, cs := range r.channels {
		if cs.state == StateReady {
			out = append(out, cs)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (r *Registry) reachableLocked() map[string]string {
	out := make(map[string]string)
	for _, cs := range r.readyLocked() {
		if cs.peer != "" && cs.peer != r.id {
			if _, ok := out[cs.peer]; !ok {
				out[cs.peer] = cs.id
			}
		}
		for _, pid := range cs.catalog.Processes {
			if pid == r.id {
				continue
			}
			if _, ok := out[pid]; !ok {
				out[pid] = cs.id
			}
		}
	}
	return out
}

// rebuildRemoteLocked recomputes remote command pointers from Ready channels.
// The lowest channel id wins when two peers advertise the same command.
func (r *Registry) rebuildRemoteLocked() {
	remote := make(map[string]string)
	for _, cs := range r.readyLocked() {
		for _, id := range cs.catalog.Commands {
			if session.IsPrivate(id) {
				continue
			}
			if _, ok := remote[id]; !ok {
				remote[id] = cs.id
			}
		}
	}
	r.remote = remote
}

// catalogLocked builds the catalog sent on channel target. A hub advertises
// what it can relay from its other Ready channels.
func (r *Registry) catalogLocked(target *channelState) session.Catalog {
	c := session.Catalog{
		Commands: make([]string, 0, len(r.local)),
		Events:   r.bus.publicIDs(),
	}
	for id, cmd := range r.local {
		if !cmd.private {
			c.Commands = append(c.Commands, id)
		}
	}
	if r.role == RoleHub {
		for _, cs := range r.readyLocked() {
			if cs == target {
				continue
			}
			c.Commands = append(c.Commands, cs.catalog.Commands...)
			c.Events = append(c.Events, cs.catalog.Events...)
			c.Processes = append(c.Processes, cs.peer)
			c.Processes = append(c.Processes, cs.catalog.Processes...)
		}
	}
	procs := c.Processes[:0]
	for _, pid := range c.Processes {
		if pid != r.id && pid != target.peer {
			procs = append(procs, pid)
		}
	}
	c.Processes = procs
	return c.Normalize()
}

func (r *Registry) sendRegistration(cs *channelState) error {
	r.mu.RLock()
	reg := session.Registration{ProcessID: r.id, Catalog: r.catalogLocked(cs)}
	r.mu.RUnlock()
	return cs.conn.Send(r.ctx, envelope.Envelope{Type: envelope.TypeRegister, Register: &reg})
}

// sendInitial sends the first registration on cs and marks it sent.
func (r *Registry) sendInitial(cs *channelState) error {
	r.announceMu.Lock()
	err := r.sendRegistration(cs)
	if err == nil {
		r.mu.Lock()
		cs.sent = true
		r.mu.Unlock()
	}
	r.announceMu.Unlock()
	if err != nil {
		return err
	}
	r.transition(cs, nil)
	return nil
}

func (r *Registry) announceAsync(exclude string) {
	r.spawn(func() { r.announce(exclude) })
}

// announce re-sends this process's catalog on every channel whose initial
// registration went out, except exclude.
func (r *Registry) announce(exclude string) {
	r.announceMu.Lock()
	defer r.announceMu.Unlock()

	r.mu.RLock()
	targets := make([]*channelState, 0, len(r.channels))
	for _, cs := range r.channels {
		if cs.sent && !cs.removed && cs.id != exclude {
			targets = append(targets, cs)
		}
	}
	r.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	p := pool.New().WithErrors()
	for _, cs := range targets {
		cs := cs
		p.Go(func() error {
			if err := r.sendRegistration(cs); err != nil {
				return fmt.Errorf("%s: %w", cs.id, err)
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		r.log.Warn().Err(err).Msg("catalog announce failed")
		return
	}
	r.log.Debug().Int("channels", len(targets)).Msg("catalog announced")
}

// handleRegister applies a peer registration: the first one completes the
// handshake, later ones replace the peer's catalog.
func (r *Registry) handleRegister(cs *channelState, reg session.Registration) {
	if reg.ProcessID == r.id {
		r.log.Warn().Str("channel_id", cs.id).Msg("peer registered with our own process id")
		r.disconnect(cs, fmt.Errorf("%w: duplicate process id %q", session.ErrInvalidRegistration, reg.ProcessID))
		return
	}
	if idc, ok := cs.conn.(channel.Identified); ok {
		if identity := idc.PeerIdentity(); identity != "" && identity != reg.ProcessID {
			r.log.Warn().
				Str("channel_id", cs.id).
				Str("identity", identity).
				Str("process_id", reg.ProcessID).
				Msg("registration does not match peer identity")
			r.disconnect(cs, fmt.Errorf("%w: peer identity %q registered as %q",
				session.ErrInvalidRegistration, identity, reg.ProcessID))
			return
		}
	}
	reply := false
	r.transition(cs, func() bool {
		if cs.peer != "" && cs.peer != reg.ProcessID {
			r.log.Warn().
				Str("channel_id", cs.id).
				Str("old_peer", cs.peer).
				Str("new_peer", reg.ProcessID).
				Msg("peer changed process id")
		}
		cs.peer = reg.ProcessID
		cs.catalog = reg.Catalog.Normalize()
		cs.received = true
		if !cs.regStarted {
			cs.regStarted = true
			reply = true
		}
		return cs.state == StateReady
	})
	if reply {
		r.spawn(func() {
			if err := r.sendInitial(cs); err != nil {
				r.disconnect(cs, err)
			}
		})
	}
}

// transition applies fn under the lock, promotes cs to Ready once the
// registration went both ways, then publishes reachability changes. fn
// reports whether the Ready catalog set changed.
func (r *Registry) transition(cs *channelState, fn func() bool) {
	r.mu.Lock()
	if cs.removed {
		r.mu.Unlock()
		return
	}
	before := r.reachableLocked()
	changed := false
	if fn != nil {
		changed = fn()
	}
	becameReady := false
	if cs.state == StatePending && cs.sent && cs.received {
		cs.state = StateReady
		becameReady = true
		changed = true
	}
	if !changed {
		r.mu.Unlock()
		return
	}
	r.rebuildRemoteLocked()
	after := r.reachableLocked()
	r.pruneAnnouncedLocked(after)
	ready := len(r.readyLocked())
	peer := cs.peer
	hub := r.role == RoleHub && !r.closed
	r.mu.Unlock()

	if becameReady {
		observability.SetReadyChannels(r.id, ready)
		r.log.Info().Str("channel_id", cs.id).Str("peer", peer).Msg("channel ready")
	}
	newly := make([]string, 0)
	for pid := range after {
		if _, ok := before[pid]; !ok || (becameReady && pid == peer) {
			newly = append(newly, pid)
		}
	}
	sort.Strings(newly)
	for _, pid := range newly {
		r.emitRegistered(pid, after[pid])
		r.markAnnounced(pid)
	}
	if hub {
		r.announceAsync(cs.id)
	}
}

// markAnnounced lets IsReady report pid once its registration event is out.
func (r *Registry) markAnnounced(pid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.reachableLocked()[pid]; ok {
		r.announced[pid] = struct{}{}
		close(r.announceWake)
		r.announceWake = make(chan struct{})
	}
}

func (r *Registry) pruneAnnouncedLocked(reach map[string]string) {
	for pid := range r.announced {
		if _, ok := reach[pid]; !ok {
			delete(r.announced, pid)
		}
	}
}

func (r *Registry) emitRegistered(processID, channelID string) {
	payload, _ := json.Marshal(ChannelRegistered{ProcessID: processID, ChannelID: channelID})
	r.bus.publish(Event{
		ID:              session.EventNewChannelRegistered,
		Payload:         payload,
		OriginProcessID: r.id,
	})
}

// disconnect removes cs, fails everything routed through it and, on a hub,
// re-announces the shrunken catalog.
func (r *Registry) disconnect(cs *channelState, cause error) {
	r.mu.Lock()
	if cs.removed {
		r.mu.Unlock()
		return
	}
	cs.removed = true
	delete(r.channels, cs.id)
	wasReady := cs.state == StateReady
	peer := cs.peer
	r.rebuildRemoteLocked()
	r.pruneAnnouncedLocked(r.reachableLocked())
	failed := make([]*relayEntry, 0)
	for id, e := range r.relays {
		switch cs.id {
		case e.to:
			failed = append(failed, e)
		case e.from:
		default:
			continue
		}
		e.timer.Stop()
		delete(r.relays, id)
	}
	closed := r.closed
	ready := len(r.readyLocked())
	r.mu.Unlock()

	observability.SetReadyChannels(r.id, ready)
	if err := cs.conn.Close(); err != nil {
		r.log.Debug().Err(err).Str("channel_id", cs.id).Msg("channel close failed")
	}
	rejected := r.pending.rejectChannel(cs.id, channelClosed(cs.id))
	for _, e := range failed {
		observability.RecordCommand(r.id, observability.RouteRelay, string(KindChannelClosed), time.Since(e.started))
		r.replyError(e.from, e.messageID, e.origin, channelClosed(cs.id))
	}

	ev := r.log.Info()
	if cause != nil && !errors.Is(cause, channel.ErrClosed) && !errors.Is(cause, context.Canceled) {
		ev = r.log.Warn().Err(cause)
	}
	ev.Str("channel_id", cs.id).
		Str("peer", peer).
		Int("rejected", rejected).
		Int("relays_failed", len(failed)).
		Msg("channel removed")

	payload, _ := json.Marshal(ChannelRegistered{ProcessID: peer, ChannelID: cs.id})
	r.bus.publish(Event{ID: EventChannelRemoved, Payload: payload, OriginProcessID: r.id})

	if wasReady && r.role == RoleHub && !closed {
		r.announceAsync("")
	}
}
