package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/danmuck/xprocbus/internal/observability"
	"github.com/danmuck/xprocbus/internal/protocol/session"
)

// Handler executes one command. The returned value is encoded as JSON.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

// Command describes one entry of ListCommands. Local entries are owned by
// this process; remote entries point at the channel that can execute them.
type Command struct {
	ID        string
	Local     bool
	Private   bool
	ChannelID string
	ProcessID string
}

// CommandSpec is one row of a start-up command table.
type CommandSpec struct {
	ID      string
	Handler Handler
}

type localCommand struct {
	id      string
	private bool
	handler Handler
}

func validateCommandID(id string) error {
	if id == "" || strings.TrimSpace(id) != id {
		return fmt.Errorf("%w: %q", ErrInvalidCommandID, id)
	}
	return nil
}

// RegisterCommand stores a local handler, replacing any previous handler for
// id. Executions already running on the old handler finish on it. A public
// command is announced to every peer asynchronously.
func (r *Registry) RegisterCommand(id string, handler Handler) error {
	public, err := r.storeCommand(id, handler)
	if err != nil {
		return err
	}
	if public {
		r.announceAsync("")
	}
	return nil
}

// RegisterCommands registers a command table in order and stops at the first
// invalid row. Rows before it stay registered.
func (r *Registry) RegisterCommands(specs []CommandSpec) error {
	announce := false
	defer func() {
		if announce {
			r.announceAsync("")
		}
	}()
	for i, spec := range specs {
		public, err := r.storeCommand(spec.ID, spec.Handler)
		if err != nil {
			return fmt.Errorf("registry: command table row %d: %w", i, err)
		}
		announce = announce || public
	}
	return nil
}

func (r *Registry) storeCommand(id string, handler Handler) (bool, error) {
	if err := validateCommandID(id); err != nil {
		return false, err
	}
	if handler == nil {
		return false, fmt.Errorf("%w: %q", ErrNilHandler, id)
	}
	private := session.IsPrivate(id)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false, ErrClosed
	}
	_, replaced := r.local[id]
	r.local[id] = &localCommand{id: id, private: private, handler: handler}
	r.mu.Unlock()

	r.log.Debug().
		Str("command_id", id).
		Bool("private", private).
		Bool("replaced", replaced).
		Msg("command registered")
	return !private && !replaced, nil
}

// UnregisterCommand removes a local command and reports whether it existed.
func (r *Registry) UnregisterCommand(id string) bool {
	r.mu.Lock()
	cmd, ok := r.local[id]
	if ok {
		delete(r.local, id)
	}
	r.mu.Unlock()
	if ok && !cmd.private {
		r.announceAsync("")
	}
	return ok
}

// ListCommands returns public local commands and remote commands reachable
// through Ready channels. A local command shadows a remote one.
func (r *Registry) ListCommands() map[string]Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Command, len(r.local)+len(r.remote))
	for id, chID := range r.remote {
		cs := r.channels[chID]
		if cs == nil || cs.state != StateReady {
			continue
		}
		out[id] = Command{ID: id, ChannelID: chID, ProcessID: cs.peer}
	}
	for id, cmd := range r.local {
		if cmd.private {
			continue
		}
		out[id] = Command{ID: id, Local: true}
	}
	return out
}

// ExecuteCommand runs id locally when this process owns it, otherwise
// forwards it to the channel advertising it. payload may be nil, a
// json.RawMessage, or any JSON-encodable value.
func (r *Registry) ExecuteCommand(ctx context.Context, id string, payload any) (out json.RawMessage, err error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	cmd := r.local[id]
	chID := r.remote[id]
	closed := r.closed
	r.mu.RUnlock()

	route := observability.RouteRemote
	if cmd != nil {
		route = observability.RouteLocal
	}
	start := time.Now()
	defer func() {
		observability.RecordCommand(r.id, route, outcome(err), time.Since(start))
	}()

	switch {
	case closed:
		return nil, ErrClosed
	case cmd != nil:
		return r.invokeLocal(ctx, cmd, raw)
	case chID != "":
		return r.executeRemote(ctx, chID, id, raw)
	}
	return nil, commandNotFound(id)
}

// invokeLocal calls the handler, converting failures and panics to *Error.
func (r *Registry) invokeLocal(ctx context.Context, cmd *localCommand, payload json.RawMessage) (out json.RawMessage, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().
				Str("command_id", cmd.id).
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("command handler panicked")
			out = nil
			err = newError(KindHandler, "command %q panicked: %v", cmd.id, rec)
		}
	}()
	v, herr := cmd.handler(ctx, payload)
	if herr != nil {
		return nil, handlerError(herr)
	}
	if raw, ok := v.(json.RawMessage); ok && len(raw) > 0 {
		return raw, nil
	}
	b, merr := json.Marshal(v)
	if merr != nil {
		return nil, &Error{Kind: KindHandler, Message: fmt.Sprintf("command %q result: %v", cmd.id, merr), Err: merr}
	}
	return b, nil
}
