package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/xprocbus/internal/channel"
	"github.com/danmuck/xprocbus/internal/observability"
	"github.com/danmuck/xprocbus/internal/protocol/envelope"
	"github.com/danmuck/xprocbus/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
)

// relayEntry routes a relayed response back along the reverse path.
type relayEntry struct {
	messageID string
	from      string
	to        string
	origin    string
	timer     *time.Timer
	started   time.Time
}

func (r *Registry) readLoop(cs *channelState) {
	var cause error
	defer func() {
		r.disconnect(cs, cause)
		cs.events.close()
	}()
	for {
		env, err := cs.conn.Recv(r.ctx)
		if err != nil {
			if errors.Is(err, channel.ErrMalformed) {
				r.log.Warn().Err(err).Str("channel_id", cs.id).Msg("dropping malformed envelope")
				continue
			}
			cause = err
			return
		}
		r.dispatch(cs, env)
	}
}

func (r *Registry) dispatch(cs *channelState, env envelope.Envelope) {
	if err := env.Validate(); err != nil {
		r.log.Warn().Err(err).Str("channel_id", cs.id).Msg("dropping invalid envelope")
		return
	}
	if env.Type == envelope.TypeRegister {
		r.handleRegister(cs, *env.Register)
		return
	}
	r.mu.RLock()
	received := cs.received
	r.mu.RUnlock()
	if !received {
		r.log.Warn().
			Str("channel_id", cs.id).
			Str("type", string(env.Type)).
			Msg("dropping envelope received before registration")
		return
	}
	switch env.Type {
	case envelope.TypeExecute:
		r.handleExecute(cs, env)
	case envelope.TypeResult, envelope.TypeError:
		r.handleResponse(cs, env)
	case envelope.TypeEvent:
		r.handleEvent(cs, env)
	}
}

// executeRemote sends an execute envelope on channelID and waits for the
// correlated response, the request timeout, or ctx.
func (r *Registry) executeRemote(ctx context.Context, channelID, commandID string, payload json.RawMessage) (json.RawMessage, error) {
	req := &pendingRequest{
		MessageID:       uuid.NewString(),
		OriginProcessID: r.id,
		ChannelID:       channelID,
		CommandID:       commandID,
	}
	timeout := r.cfg.RequestTimeout
	r.pending.add(req, timeout, func(p *pendingRequest) error {
		r.log.Warn().
			Str("message_id", p.MessageID).
			Str("command_id", p.CommandID).
			Str("channel_id", p.ChannelID).
			Dur("timeout", timeout).
			Msg("remote execution timed out")
		return newError(KindTimeout, "command %q timed out after %s", p.CommandID, timeout)
	})
	observability.SetPending(r.id, r.pending.Len())
	defer func() { observability.SetPending(r.id, r.pending.Len()) }()

	// Lookup happens after add so a concurrent disconnect either finds the
	// entry or we find no channel.
	r.mu.RLock()
	cs := r.channels[channelID]
	r.mu.RUnlock()
	if cs == nil {
		r.pending.take(req.MessageID)
		return nil, channelClosed(channelID)
	}

	err := cs.conn.Send(ctx, envelope.Envelope{
		Type:            envelope.TypeExecute,
		MessageID:       req.MessageID,
		OriginProcessID: r.id,
		CommandID:       commandID,
		Payload:         payload,
	})
	if err != nil {
		r.pending.take(req.MessageID)
		switch {
		case errors.Is(err, channel.ErrClosed):
			return nil, channelClosed(channelID)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		}
		return nil, &Error{Kind: KindInvalidEnvelope, Message: err.Error(), Err: err}
	}

	select {
	case res := <-req.done:
		return res.payload, res.err
	case <-ctx.Done():
		if _, ok := r.pending.take(req.MessageID); ok {
			return nil, ctx.Err()
		}
		res := <-req.done
		return res.payload, res.err
	}
}

// handleExecute answers an inbound execute: locally owned commands run on
// their own goroutine, a hub relays commands owned elsewhere, anything else
// is not found.
func (r *Registry) handleExecute(src *channelState, env envelope.Envelope) {
	r.mu.RLock()
	cmd := r.local[env.CommandID]
	target := r.remote[env.CommandID]
	r.mu.RUnlock()

	if cmd != nil && !cmd.private {
		r.spawn(func() {
			ctx, cancel := context.WithTimeout(r.ctx, r.cfg.RequestTimeout)
			defer cancel()
			start := time.Now()
			out, err := r.invokeLocal(ctx, cmd, env.Payload)
			observability.RecordCommand(r.id, observability.RouteInbound, outcome(err), time.Since(start))
			if err != nil {
				r.replyError(src.id, env.MessageID, env.OriginProcessID, err)
				return
			}
			r.reply(src.id, envelope.Envelope{
				Type:            envelope.TypeResult,
				MessageID:       env.MessageID,
				OriginProcessID: env.OriginProcessID,
				Payload:         out,
			})
		})
		return
	}
	if r.role == RoleHub && target != "" && target != src.id {
		r.relay(src, target, env)
		return
	}
	r.replyError(src.id, env.MessageID, env.OriginProcessID, commandNotFound(env.CommandID))
}

func (r *Registry) relay(src *channelState, targetID string, env envelope.Envelope) {
	r.mu.Lock()
	dst := r.channels[targetID]
	if dst == nil || dst.state != StateReady {
		r.mu.Unlock()
		observability.RecordCommand(r.id, observability.RouteRelay, string(KindChannelClosed), 0)
		r.replyError(src.id, env.MessageID, env.OriginProcessID, channelClosed(targetID))
		return
	}
	if _, dup := r.relays[env.MessageID]; dup {
		r.mu.Unlock()
		r.log.Warn().Str("message_id", env.MessageID).Msg("duplicate relayed message id")
		return
	}
	entry := &relayEntry{
		messageID: env.MessageID,
		from:      src.id,
		to:        dst.id,
		origin:    env.OriginProcessID,
		started:   time.Now(),
	}
	timeout := r.cfg.RequestTimeout
	entry.timer = time.AfterFunc(timeout, func() {
		if r.takeRelay(entry.messageID, "") != nil {
			observability.RecordCommand(r.id, observability.RouteRelay, string(KindTimeout), time.Since(entry.started))
			r.replyError(entry.from, entry.messageID, entry.origin,
				newError(KindTimeout, "command %q timed out after %s", env.CommandID, timeout))
		}
	})
	r.relays[env.MessageID] = entry
	r.mu.Unlock()

	if err := dst.conn.Send(r.ctx, env); err != nil {
		if r.takeRelay(env.MessageID, "") != nil {
			observability.RecordCommand(r.id, observability.RouteRelay, string(KindChannelClosed), time.Since(entry.started))
			r.replyError(src.id, env.MessageID, env.OriginProcessID, channelClosed(dst.id))
		}
		return
	}
	r.log.Debug().
		Str("message_id", env.MessageID).
		Str("command_id", env.CommandID).
		Str("from", src.id).
		Str("to", dst.id).
		Msg("execute relayed")
}

// takeRelay removes the relay entry for messageID. When to is set the entry
// is only taken if the response arrived on that channel.
func (r *Registry) takeRelay(messageID, to string) *relayEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.relays[messageID]
	if !ok || (to != "" && e.to != to) {
		return nil
	}
	delete(r.relays, messageID)
	e.timer.Stop()
	return e
}

func (r *Registry) handleResponse(src *channelState, env envelope.Envelope) {
	if env.Type == envelope.TypeResult {
		if r.pending.resolve(env.MessageID, env.Payload) {
			return
		}
	} else if r.pending.reject(env.MessageID, fromWire(env.Error)) {
		return
	}
	if e := r.takeRelay(env.MessageID, src.id); e != nil {
		result := observability.OutcomeOK
		if env.Error != nil {
			result = env.Error.Kind
		}
		observability.RecordCommand(r.id, observability.RouteRelay, result, time.Since(e.started))
		r.reply(e.from, env)
		return
	}
	r.log.Debug().
		Str("message_id", env.MessageID).
		Str("channel_id", src.id).
		Str("type", string(env.Type)).
		Msg("discarding unmatched response")
}

func (r *Registry) replyError(channelID, messageID, origin string, err error) {
	r.reply(channelID, envelope.Envelope{
		Type:            envelope.TypeError,
		MessageID:       messageID,
		OriginProcessID: origin,
		Error:           toWire(err),
	})
}

func (r *Registry) reply(channelID string, env envelope.Envelope) {
	r.mu.RLock()
	cs := r.channels[channelID]
	r.mu.RUnlock()
	if cs == nil {
		r.log.Debug().
			Str("channel_id", channelID).
			Str("message_id", env.MessageID).
			Msg("reply dropped, channel gone")
		return
	}
	err := cs.conn.Send(r.ctx, env)
	if err == nil || errors.Is(err, channel.ErrClosed) || r.ctx.Err() != nil {
		if err != nil {
			r.log.Debug().Err(err).
				Str("channel_id", channelID).
				Str("message_id", env.MessageID).
				Msg("reply send failed")
		}
		return
	}
	r.log.Warn().Err(err).
		Str("channel_id", channelID).
		Str("message_id", env.MessageID).
		Str("type", string(env.Type)).
		Msg("reply could not be encoded")
	if env.Type != envelope.TypeResult {
		return
	}
	// The caller still needs an answer; a bare error envelope always fits.
	r.replyError(channelID, env.MessageID, env.OriginProcessID,
		newError(KindHandler, "result for message %s could not be sent: %v", env.MessageID, err))
}

// EmitEvent delivers id to local listeners and, unless id is private, to
// every Ready channel. It returns payload encoding errors and joined send
// errors.
func (r *Registry) EmitEvent(id string, payload any) error {
	if id == "" {
		return errors.New("registry: empty event id")
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}
	ev := Event{ID: id, Payload: raw, OriginProcessID: r.id}
	observability.RecordEvent(r.id, observability.EventEmitted)
	r.bus.publish(ev)
	if session.IsPrivate(id) {
		return nil
	}
	return r.broadcast(ev, "")
}

func (r *Registry) handleEvent(src *channelState, env envelope.Envelope) {
	origin := env.OriginProcessID
	if origin == "" {
		r.mu.RLock()
		origin = src.peer
		r.mu.RUnlock()
	}
	ev := Event{ID: env.EventID, Payload: env.Payload, OriginProcessID: origin}
	observability.RecordEvent(r.id, observability.EventReceived)
	src.events.push(ev)
	if r.role != RoleHub {
		return
	}
	observability.RecordEvent(r.id, observability.EventRelayed)
	if err := r.broadcast(ev, src.id); err != nil {
		r.log.Warn().Err(err).Str("event_id", ev.ID).Msg("event relay failed")
	}
}

// broadcast sends ev on every Ready channel except exclude and the channel
// whose peer originated it.
func (r *Registry) broadcast(ev Event, exclude string) error {
	r.mu.RLock()
	targets := make([]*channelState, 0, len(r.channels))
	for _, cs := range r.readyLocked() {
		if cs.id == exclude || cs.peer == ev.OriginProcessID {
			continue
		}
		targets = append(targets, cs)
	}
	r.mu.RUnlock()

	env := envelope.Envelope{
		Type:            envelope.TypeEvent,
		EventID:         ev.ID,
		OriginProcessID: ev.OriginProcessID,
		Payload:         ev.Payload,
	}
	p := pool.New().WithErrors()
	for _, cs := range targets {
		cs := cs
		p.Go(func() error {
			if err := cs.conn.Send(r.ctx, env); err != nil {
				return fmt.Errorf("%s: %w", cs.id, err)
			}
			return nil
		})
	}
	return p.Wait()
}
