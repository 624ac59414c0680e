// Package sessions implements the session manager (§4.J): a lookup from
// (thread_key, pool_key) to the session_id the agent runtime uses to resume
// conversation state, with pool-key segregation so untrusted content never
// shares a session with a trusted turn.
package sessions

import "fmt"

// PoolKind names a conversation purpose. Pool keys partition sessions so
// that, for example, a social-surface reply never shares state with an
// operator's direct query even when both happen to share a thread key.
type PoolKind string

const (
	PoolSocial        PoolKind = "social"
	PoolProactive     PoolKind = "proactive"
	PoolOperatorQuery PoolKind = "operator-query"
	PoolAutonomous    PoolKind = "autonomous"
)

// BuildPoolKey scopes a PoolKind to the service/channel it belongs to, e.g.
// "telegram:operator-query".
func BuildPoolKey(service string, kind PoolKind) string {
	return fmt.Sprintf("%s:%s", service, kind)
}

// BuildThreadKey builds the channel-scoped conversation identifier a
// session is keyed on: "{channel}:{chatID}", or with a forum-topic suffix
// when topicID is non-zero.
func BuildThreadKey(channel, chatID string, topicID int) string {
	if topicID != 0 {
		return fmt.Sprintf("%s:%s:topic:%d", channel, chatID, topicID)
	}
	return fmt.Sprintf("%s:%s", channel, chatID)
}
