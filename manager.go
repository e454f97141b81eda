package cadenza

import (
	"context"
	"sync"

	"github.com/ashvale/cadenza/discord"
)

// Manager hands out one Call per guild, creating them on demand. A
// multi-guild bot keeps a single manager and wires two forwarders from its
// gateway event loop into UpdateState and UpdateServer.
type Manager struct {
	gateway GatewaySender
	userID  discord.UserID
	cfg     Config

	mut   sync.Mutex
	calls map[discord.GuildID]*Call
}

func NewManager(gw GatewaySender, userID discord.UserID, cfg Config) *Manager {
	return &Manager{
		gateway: gw,
		userID:  userID,
		cfg:     cfg,
		calls:   make(map[discord.GuildID]*Call),
	}
}

// Call returns the guild's call, creating it if needed.
func (m *Manager) Call(guildID discord.GuildID) *Call {
	m.mut.Lock()
	defer m.mut.Unlock()

	c, ok := m.calls[guildID]
	if !ok {
		c = NewCall(m.gateway, guildID, m.userID, m.cfg)
		m.calls[guildID] = c
	}
	return c
}

// Leave tears the guild's call down and forgets it. The next Call for the
// guild starts fresh.
func (m *Manager) Leave(ctx context.Context, guildID discord.GuildID) error {
	m.mut.Lock()
	c := m.calls[guildID]
	delete(m.calls, guildID)
	m.mut.Unlock()

	if c == nil {
		return nil
	}

	err := c.Leave(ctx)
	if cerr := c.Driver().Close(); err == nil {
		err = cerr
	}
	return err
}

// UpdateState routes a voice-state event to the call it belongs to.
func (m *Manager) UpdateState(ev VoiceStateUpdate) {
	if c := m.lookup(ev.GuildID); c != nil {
		c.UpdateState(ev)
	}
}

// UpdateServer routes a voice-server event to the call it belongs to.
func (m *Manager) UpdateServer(ev VoiceServerUpdate) {
	if c := m.lookup(ev.GuildID); c != nil {
		c.UpdateServer(ev)
	}
}

func (m *Manager) lookup(guildID discord.GuildID) *Call {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.calls[guildID]
}

// Close stops every call's driver without telling Discord anything; it is
// meant for host shutdown, when the main gateway is going away too.
func (m *Manager) Close() {
	m.mut.Lock()
	defer m.mut.Unlock()

	for id, c := range m.calls {
		c.Driver().Close()
		delete(m.calls, id)
	}
}
