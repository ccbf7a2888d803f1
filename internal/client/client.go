// Package client is the application-facing facade over one process registry.
// It holds no protocol logic; every call forwards to the registry it wraps.
package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/danmuck/xprocbus/internal/registry"
)

type Client struct {
	reg *registry.Registry
}

func New(reg *registry.Registry) *Client {
	return &Client{reg: reg}
}

func (c *Client) Registry() *registry.Registry { return c.reg }

func (c *Client) ProcessID() string { return c.reg.ProcessID() }

func (c *Client) RegisterCommand(id string, h registry.Handler) error {
	return c.reg.RegisterCommand(id, h)
}

func (c *Client) RegisterCommands(specs []registry.CommandSpec) error {
	return c.reg.RegisterCommands(specs)
}

func (c *Client) UnregisterCommand(id string) bool {
	return c.reg.UnregisterCommand(id)
}

func (c *Client) ExecuteCommand(ctx context.Context, id string, payload any) (json.RawMessage, error) {
	return c.reg.ExecuteCommand(ctx, id, payload)
}

func (c *Client) EmitEvent(id string, payload any) error {
	return c.reg.EmitEvent(id, payload)
}

// AddEventListener subscribes fn and returns the function that removes it.
func (c *Client) AddEventListener(id string, fn registry.Listener) func() {
	return c.reg.AddEventListener(id, fn).Unsubscribe
}

// Subscribe is AddEventListener returning the subscription handle.
func (c *Client) Subscribe(id string, fn registry.Listener) registry.Subscription {
	return c.reg.AddEventListener(id, fn)
}

func (c *Client) RemoveEventListener(sub registry.Subscription) {
	c.reg.RemoveEventListener(sub)
}

func (c *Client) ListCommands() map[string]registry.Command {
	return c.reg.ListCommands()
}

func (c *Client) ListChannels() []string {
	return c.reg.ListChannels()
}

func (c *Client) ListEvents() []string {
	return c.reg.ListEvents()
}

func (c *Client) IsReady(ctx context.Context, processIDs ...string) error {
	return c.reg.IsReady(ctx, processIDs...)
}

// Execute runs id and decodes its JSON result into R.
func Execute[R any](ctx context.Context, c *Client, id string, payload any) (R, error) {
	var out R
	raw, err := c.ExecuteCommand(ctx, id, payload)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("client: decode %s result: %w", id, err)
	}
	return out, nil
}

// Handle adapts a typed function to a registry.Handler. An empty payload
// decodes as the zero P.
func Handle[P, R any](fn func(context.Context, P) (R, error)) registry.Handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var in P
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, fmt.Errorf("client: decode payload: %w", err)
			}
		}
		return fn(ctx, in)
	}
}

// On adapts a typed event listener. Events whose payload does not decode as
// P are skipped.
func On[P any](fn func(P, registry.Event)) registry.Listener {
	return func(ev registry.Event) {
		var in P
		if len(ev.Payload) > 0 {
			if err := json.Unmarshal(ev.Payload, &in); err != nil {
				return
			}
		}
		fn(in, ev)
	}
}
