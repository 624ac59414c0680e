package channels

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/telclaude-kernel/internal/bus"
)

// Manager owns the set of registered channel adapters and drains the bus's
// outbound queue, dispatching each reply to the matching channel's Send.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
	bus      *bus.MessageBus
	cancel   context.CancelFunc
}

func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{channels: make(map[string]Channel), bus: msgBus}
}

// Register adds a channel adapter under its own Name().
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// Get returns a registered channel by name.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// StartAll starts every registered channel and begins draining the
// outbound queue. Returns once all Start calls have been issued; adapters
// run their own background loops.
func (m *Manager) StartAll(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		if err := ch.Start(runCtx); err != nil {
			slog.Warn("channels.start_failed", "channel", name, "error", err)
			continue
		}
		ch.(interface{ SetRunning(bool) }).SetRunning(true)
	}

	go m.dispatchOutbound(runCtx)
	return nil
}

// StopAll stops every registered channel.
func (m *Manager) StopAll(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		if err := ch.Stop(ctx); err != nil {
			slog.Warn("channels.stop_failed", "channel", name, "error", err)
		}
	}
}

func (m *Manager) dispatchOutbound(ctx context.Context) {
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		ch, found := m.Get(msg.Channel)
		if !found {
			slog.Warn("channels.unknown_outbound_channel", "channel", msg.Channel)
			continue
		}
		if err := ch.Send(ctx, msg); err != nil {
			slog.Warn("channels.send_failed", "channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
		}
	}
}
