// Package telegram is a thin Telegram Bot API adapter: it turns inbound
// updates into bus.InboundMessage and bus.OutboundMessage replies back into
// SendMessage calls. Every trust decision (who may talk to the agent, at
// what tier, whether the message is even dispatched) lives downstream in
// the mediator — this adapter only applies the coarse DM/group admission
// policy before handing a message to the bus.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/telclaude-kernel/internal/bus"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/channels"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/config"
)

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	*channels.BaseChannel
	bot    *telego.Bot
	config config.TelegramConfig

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a Telegram channel from config.
func New(cfg config.TelegramConfig, msgBus *bus.MessageBus) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: new bot: %w", err)
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", msgBus, cfg.AllowFrom),
		bot:         bot,
		config:      cfg,
	}, nil
}

// Start begins long polling for Telegram updates.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("telegram: start long polling: %w", err)
	}

	c.SetRunning(true)

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, *update.Message)
				}
			}
		}
	}()

	return nil
}

// Stop cancels long polling and waits for the poll loop to exit.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram.stop_timeout")
		}
	}
	return nil
}

func (c *Channel) handleMessage(ctx context.Context, msg telego.Message) {
	if msg.Text == "" || msg.From == nil {
		return
	}

	senderID := strconv.FormatInt(msg.From.ID, 10)
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	peerKind := "direct"
	if msg.Chat.Type != telego.ChatTypePrivate {
		peerKind = "group"
	}

	requireMention := c.config.RequireMention == nil || *c.config.RequireMention
	if peerKind == "group" && requireMention {
		me, err := c.bot.GetMe(ctx)
		if err == nil && me.Username != "" && !strings.Contains(msg.Text, "@"+me.Username) {
			return
		}
	}

	if !c.CheckPolicy(peerKind, c.config.DMPolicy, c.config.GroupPolicy, senderID) {
		return
	}

	c.HandleMessage(senderID, chatID, msg.Text, nil, peerKind)
}

// Send delivers an outbound message to a Telegram chat.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", msg.ChatID, err)
	}
	_, sendErr := c.bot.SendMessage(ctx, &telego.SendMessageParams{
		ChatID: telego.ChatID{ID: chatID},
		Text:   channels.Truncate(msg.Content, 4096),
	})
	return sendErr
}
