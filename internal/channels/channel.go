// Package channels is the thin adapter layer between external chat
// platforms and the kernel's message bus (spec §1: the chat/messaging
// transport itself is a deliberately external collaborator — the kernel
// only specifies the interface it consumes from it). Adapters here do the
// minimum needed to turn a platform event into a bus.InboundMessage and a
// bus.OutboundMessage back into a platform API call; every trust decision
// (tier, scope, approval, redaction) happens downstream in the mediator.
package channels

import (
	"context"
	"strings"

	"github.com/nextlevelbuilder/telclaude-kernel/internal/bus"
)

// DMPolicy controls how direct messages from an unrecognized sender are handled.
type DMPolicy string

const (
	DMPolicyPairing   DMPolicy = "pairing"
	DMPolicyAllowlist DMPolicy = "allowlist"
	DMPolicyOpen      DMPolicy = "open"
	DMPolicyDisabled  DMPolicy = "disabled"
)

// GroupPolicy controls how group messages are handled.
type GroupPolicy string

const (
	GroupPolicyOpen      GroupPolicy = "open"
	GroupPolicyAllowlist GroupPolicy = "allowlist"
	GroupPolicyDisabled  GroupPolicy = "disabled"
)

// Channel is the interface every platform adapter implements.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

// BaseChannel implements the allowlist/policy bookkeeping shared by every
// adapter; concrete channels embed it. ingressLimiter bounds how fast a
// single sender can push messages into the bus — a coarse webhook/polling-
// ingress guard that sits in front of the mediator's own per-user token
// buckets (§4.C), protecting the channel adapter itself from being the
// amplifier in a flood.
type BaseChannel struct {
	name           string
	bus            *bus.MessageBus
	running        bool
	allowList      []string
	ingressLimiter *WebhookRateLimiter
}

func NewBaseChannel(name string, msgBus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{name: name, bus: msgBus, allowList: allowList, ingressLimiter: NewWebhookRateLimiter()}
}

func (c *BaseChannel) Name() string           { return c.name }
func (c *BaseChannel) IsRunning() bool         { return c.running }
func (c *BaseChannel) SetRunning(running bool) { c.running = running }
func (c *BaseChannel) Bus() *bus.MessageBus    { return c.bus }
func (c *BaseChannel) HasAllowList() bool      { return len(c.allowList) > 0 }

// IsAllowed reports whether senderID is permitted by the channel allowlist.
// An empty allowlist permits everyone — gating then happens entirely at the
// mediator via tier resolution.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	for _, allowed := range c.allowList {
		if senderID == allowed || senderID == strings.TrimPrefix(allowed, "@") {
			return true
		}
	}
	return false
}

// CheckPolicy evaluates the DM/group admission policy for an inbound
// message. peerKind is "direct" or "group".
func (c *BaseChannel) CheckPolicy(peerKind string, dmPolicy, groupPolicy, senderID string) bool {
	policy := dmPolicy
	if peerKind == "group" {
		policy = groupPolicy
	}
	switch DMPolicy(policy) {
	case DMPolicyDisabled:
		return false
	case DMPolicyAllowlist:
		return c.IsAllowed(senderID)
	case DMPolicyPairing:
		// Without a pairing service wired, an unrecognized sender still
		// needs an allowlist entry or an identity link established
		// out-of-band; the mediator's tier resolution is the real gate.
		return c.IsAllowed(senderID)
	default: // "open" or unset
		return true
	}
}

// HandleMessage publishes an inbound message to the bus on behalf of a
// concrete channel, after the allowlist check and the per-sender ingress
// rate limit. Channels call this as the single entry point into the
// kernel.
func (c *BaseChannel) HandleMessage(senderID, chatID, content string, media []string, peerKind string) {
	if !c.IsAllowed(senderID) {
		return
	}
	if !c.ingressLimiter.Allow(c.name + ":" + senderID) {
		return
	}
	c.bus.PublishInbound(bus.InboundMessage{
		Channel:  c.name,
		SenderID: senderID,
		ChatID:   chatID,
		Content:  content,
		Media:    media,
		PeerKind: peerKind,
		UserID:   senderID,
	})
}

// Truncate shortens s to maxLen runes, appending "..." when truncated.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
