package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/danmuck/xprocbus/internal/logging"
	"github.com/danmuck/xprocbus/internal/protocol/session"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

// Role is a process's place in the star topology.
type Role int

const (
	RoleLeaf Role = iota
	RoleHub
)

func (r Role) String() string {
	switch r {
	case RoleHub:
		return "hub"
	default:
		return "leaf"
	}
}

// ParseRole maps "hub" or "leaf" to a Role.
func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "hub":
		return RoleHub, nil
	case "", "leaf":
		return RoleLeaf, nil
	}
	return RoleLeaf, fmt.Errorf("registry: unknown role %q", raw)
}

type Options struct {
	ProcessID string
	Role      Role
	Session   session.Config
	// Logger overrides the default component logger.
	Logger *zerolog.Logger
}

// Registry is the per-process command and event registry.
type Registry struct {
	id   string
	role Role
	cfg  session.Config
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu       sync.RWMutex
	local    map[string]*localCommand
	remote   map[string]string
	channels map[string]*channelState
	relays   map[string]*relayEntry
	// announced holds reachable processes whose _new.channel.registered
	// event has already been published. IsReady only trusts these.
	announced map[string]struct{}
	// announceWake is closed and replaced whenever announced grows.
	announceWake chan struct{}
	closed       bool

	// announceMu serializes catalog sends so a channel never sees an older
	// catalog after a newer one.
	announceMu sync.Mutex
	chanSeq    atomic.Uint64

	bus     *eventBus
	pending *pendingRequests
}

func New(opts Options) (*Registry, error) {
	id := strings.TrimSpace(opts.ProcessID)
	if id == "" {
		return nil, errors.New("registry: process id is required")
	}
	if session.IsPrivate(id) {
		return nil, fmt.Errorf("registry: process id %q must not start with %q", id, session.PrivatePrefix)
	}
	lg := logging.Component("registry").With().
		Str("process_id", id).
		Str("role", opts.Role.String()).
		Logger()
	if opts.Logger != nil {
		lg = *opts.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		id:           id,
		role:         opts.Role,
		cfg:          opts.Session.WithDefaults(),
		log:          lg,
		ctx:          ctx,
		cancel:       cancel,
		local:        make(map[string]*localCommand),
		remote:       make(map[string]string),
		channels:     make(map[string]*channelState),
		relays:       make(map[string]*relayEntry),
		announced:    make(map[string]struct{}),
		announceWake: make(chan struct{}),
		bus:          newEventBus(lg),
		pending:      newPendingRequests(),
	}, nil
}

func (r *Registry) ProcessID() string { return r.id }

func (r *Registry) Role() Role { return r.role }

func (r *Registry) Config() session.Config { return r.cfg }

// PendingLen reports how many remote executions are awaiting a response.
func (r *Registry) PendingLen() int { return r.pending.Len() }

func (r *Registry) PendingRequests() []PendingInfo { return r.pending.List() }

// RelayLen reports how many relayed executions the hub is still tracking.
func (r *Registry) RelayLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.relays)
}

// Close disconnects every channel, rejects every pending request and waits
// for reader and handler goroutines to finish.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	chans := make([]*channelState, 0, len(r.channels))
	for _, cs := range r.channels {
		chans = append(chans, cs)
	}
	r.mu.Unlock()

	r.cancel()
	for _, cs := range chans {
		if err := cs.conn.Close(); err != nil {
			r.log.Debug().Err(err).Str("channel_id", cs.id).Msg("registry.Close channel close failed")
		}
	}
	r.pending.rejectAll(&Error{Kind: KindChannelClosed, Message: "registry closed", Err: ErrClosed})
	r.wg.Wait()
	r.log.Info().Int("channels", len(chans)).Msg("registry closed")
	return nil
}

func (r *Registry) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// spawn runs fn on a tracked goroutine unless the registry is closed.
func (r *Registry) spawn(fn func()) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	r.wg.Go(fn)
	return true
}

// encodePayload turns an arbitrary value into the JSON carried by envelopes.
func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, errors.New("registry: payload bytes are not valid json")
		}
		return json.RawMessage(v), nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("registry: encode payload: %w", err)
	}
	return b, nil
}
