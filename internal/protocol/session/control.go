package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	// ControlRegisterNewChannel is the handshake envelope type, sent by either
	// side when a channel opens and again whenever its catalog changes.
	ControlRegisterNewChannel = "register.new.channel"

	// EventNewChannelRegistered fires locally once a peer becomes reachable.
	// It is private and never re-broadcast.
	EventNewChannelRegistered = "_new.channel.registered"

	PrivatePrefix = "_"
)

var (
	ErrInvalidRegistration = errors.New("session: invalid registration")
	ErrPrivateIdentifier   = errors.New("session: private identifier in catalog")
	ErrCatalogTooLarge     = errors.New("session: catalog too large")
)

const maxCatalogBytes = 1024 * 1024

// IsPrivate reports whether a command or event id is process-local.
func IsPrivate(id string) bool {
	return strings.HasPrefix(id, PrivatePrefix)
}

// Catalog is the public view of what a process can reach: commands it can
// execute (locally or by relay), events it listens to, and processes reachable
// through it.
type Catalog struct {
	Commands  []string `json:"commands"`
	Events    []string `json:"events"`
	Processes []string `json:"processes"`
}

// Normalize sorts and de-duplicates every list and drops empty entries.
func (c Catalog) Normalize() Catalog {
	return Catalog{
		Commands:  normalizeIDs(c.Commands),
		Events:    normalizeIDs(c.Events),
		Processes: normalizeIDs(c.Processes),
	}
}

func (c Catalog) Validate() error {
	for _, id := range c.Commands {
		if IsPrivate(id) {
			return fmt.Errorf("%w: command %q", ErrPrivateIdentifier, id)
		}
	}
	for _, id := range c.Events {
		if IsPrivate(id) {
			return fmt.Errorf("%w: event %q", ErrPrivateIdentifier, id)
		}
	}
	return nil
}

// Registration is the register.new.channel payload.
type Registration struct {
	ProcessID string  `json:"process_id"`
	Catalog   Catalog `json:"catalog"`
}

func (r Registration) Validate() error {
	if strings.TrimSpace(r.ProcessID) == "" {
		return fmt.Errorf("%w: missing process_id", ErrInvalidRegistration)
	}
	return r.Catalog.Validate()
}

// EncodeCatalog marshals a validated catalog for the wire.
func EncodeCatalog(c Catalog) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(c.Normalize())
}

// DecodeCatalog parses and validates a wire catalog.
func DecodeCatalog(b []byte) (Catalog, error) {
	if len(b) > maxCatalogBytes {
		return Catalog{}, ErrCatalogTooLarge
	}
	var c Catalog
	if err := json.Unmarshal(b, &c); err != nil {
		return Catalog{}, fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, err
	}
	return c.Normalize(), nil
}

func normalizeIDs(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, id := range in {
		v := strings.TrimSpace(id)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
