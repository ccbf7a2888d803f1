package node

import (
	"context"
	"sort"
	"time"

	"github.com/danmuck/xprocbus/internal/client"
	"github.com/danmuck/xprocbus/internal/protocol/session"
	"github.com/danmuck/xprocbus/internal/registry"
)

type PingRequest struct {
	Message string `json:"message,omitempty"`
}

type PingReply struct {
	ProcessID string `json:"processId"`
	Role      string `json:"role"`
	Message   string `json:"message,omitempty"`
	Time      string `json:"time"`
}

type CommandInfo struct {
	ID        string `json:"id"`
	Local     bool   `json:"local"`
	ProcessID string `json:"processId,omitempty"`
}

type ChannelInfo struct {
	ChannelID     string   `json:"channelId"`
	PeerProcessID string   `json:"peerProcessId"`
	State         string   `json:"state"`
	Reachable     []string `json:"reachable"`
}

type Stats struct {
	ProcessID  string `json:"processId"`
	Pending    int    `json:"pending"`
	Relays     int    `json:"relays"`
	Listeners  int    `json:"listeners"`
	Heartbeats uint64 `json:"heartbeats"`
	UptimeMS   int64  `json:"uptimeMs"`
}

// Built-in command names. Every process registers them under its own id,
// see CommandID.
const (
	CmdPing     = "sys.ping"
	CmdCommands = "sys.commands"
	CmdChannels = "sys.channels"
	// CmdStats is private and only callable in-process.
	CmdStats = "_sys.stats"
)

// CommandID scopes a built-in to one process so that every process's
// built-ins stay addressable: CommandID("main", CmdPing) is "main.sys.ping".
// Private built-ins are not scoped.
func CommandID(processID, name string) string {
	if session.IsPrivate(name) {
		return name
	}
	return processID + "." + name
}

func (s *Service) registerBuiltins() error {
	id := s.cfg.ProcessID
	return s.client.RegisterCommands([]registry.CommandSpec{
		{ID: CommandID(id, CmdPing), Handler: client.Handle(s.ping)},
		{ID: CommandID(id, CmdCommands), Handler: client.Handle(s.commands)},
		{ID: CommandID(id, CmdChannels), Handler: client.Handle(s.channels)},
		{ID: CommandID(id, CmdStats), Handler: client.Handle(s.stats)},
	})
}

func (s *Service) ping(_ context.Context, in PingRequest) (PingReply, error) {
	return PingReply{
		ProcessID: s.cfg.ProcessID,
		Role:      s.cfg.Role.String(),
		Message:   in.Message,
		Time:      time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

func (s *Service) commands(context.Context, struct{}) ([]CommandInfo, error) {
	cmds := s.reg.ListCommands()
	out := make([]CommandInfo, 0, len(cmds))
	for id, cmd := range cmds {
		out = append(out, CommandInfo{ID: id, Local: cmd.Local, ProcessID: cmd.ProcessID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Service) channels(context.Context, struct{}) ([]ChannelInfo, error) {
	recs := s.reg.Channels()
	out := make([]ChannelInfo, 0, len(recs))
	for _, rec := range recs {
		if rec.State != registry.StateReady {
			continue
		}
		out = append(out, ChannelInfo{
			ChannelID:     rec.ChannelID,
			PeerProcessID: rec.PeerProcessID,
			State:         rec.State.String(),
			Reachable:     rec.Reachable,
		})
	}
	return out, nil
}

func (s *Service) stats(context.Context, struct{}) (Stats, error) {
	return Stats{
		ProcessID:  s.cfg.ProcessID,
		Pending:    s.reg.PendingLen(),
		Relays:     s.reg.RelayLen(),
		Listeners:  s.reg.ListenerCount(),
		Heartbeats: s.beats.Load(),
		UptimeMS:   time.Since(s.startedAt).Milliseconds(),
	}, nil
}
