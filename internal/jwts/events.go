// Package jwts builds and signs Security Event Tokens (RFC 8417) for relying
// parties. Every supported account event maps to exactly one SecurityEvent
// variant; EventFromNotification is the only place that mapping happens.
package jwts

import (
	"errors"
	"fmt"

	"eventbroker/internal/types"
)

// ErrUnsupportedEvent is returned for notification kinds with no SET builder.
var ErrUnsupportedEvent = errors.New("jwts: unsupported event kind")

const eventSchemaBase = "https://schemas.accounts.firefox.com/event/"

// Event type URIs used as keys of the "events" claim.
const (
	SubscriptionStateChangeURI = eventSchemaBase + "subscription-state-change"
	DeleteUserURI              = eventSchemaBase + "delete-user"
	PasswordChangeURI          = eventSchemaBase + "password-change"
	ProfileChangeURI           = eventSchemaBase + "profile-change"
)

// Target identifies who a SET is about and who it is for.
type Target struct {
	ClientID string // aud
	UID      string // sub
}

// SecurityEvent is the closed set of events the broker can sign. The
// unexported method keeps other packages from adding variants.
type SecurityEvent interface {
	target() Target
	uri() string
	claims() map[string]any
}

// SubscriptionStateChange reports the user's current capabilities for the
// relying party.
type SubscriptionStateChange struct {
	Target
	Capabilities []string
	IsActive     bool
	ChangeTime   int64
}

func (e SubscriptionStateChange) target() Target { return e.Target }
func (SubscriptionStateChange) uri() string      { return SubscriptionStateChangeURI }
func (e SubscriptionStateChange) claims() map[string]any {
	caps := e.Capabilities
	if caps == nil {
		caps = []string{}
	}
	return map[string]any{
		"capabilities": caps,
		"isActive":     e.IsActive,
		"changeTime":   e.ChangeTime,
	}
}

// AccountDeletion tells the relying party the account no longer exists.
type AccountDeletion struct {
	Target
}

func (e AccountDeletion) target() Target       { return e.Target }
func (AccountDeletion) uri() string            { return DeleteUserURI }
func (AccountDeletion) claims() map[string]any { return map[string]any{} }

// PasswordChange covers both a user-initiated change and a reset; relying
// parties treat them the same way.
type PasswordChange struct {
	Target
	ChangeTime int64
	Reset      bool
}

func (e PasswordChange) target() Target { return e.Target }
func (PasswordChange) uri() string      { return PasswordChangeURI }
func (e PasswordChange) claims() map[string]any {
	// An absent changeTime stays absent.
	if e.ChangeTime == 0 {
		return map[string]any{}
	}
	return map[string]any{"changeTime": e.ChangeTime}
}

// ProfileChange signals that profile data, including the primary email,
// should be refetched.
type ProfileChange struct {
	Target
	Kind types.EventKind
}

func (e ProfileChange) target() Target       { return e.Target }
func (ProfileChange) uri() string            { return ProfileChangeURI }
func (ProfileChange) claims() map[string]any { return map[string]any{} }

// EventFromNotification maps a decoded notification to its SecurityEvent.
// The returned error wraps ErrUnsupportedEvent for any unknown kind.
func EventFromNotification(clientID string, n types.Notification) (SecurityEvent, error) {
	kind, ok := types.ParseEventKind(n.Event)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEvent, n.Event)
	}
	t := Target{ClientID: clientID, UID: n.UID}

	switch kind {
	case types.EventSubscriptionUpdate:
		return SubscriptionStateChange{
			Target:       t,
			Capabilities: n.Capabilities,
			IsActive:     n.IsActive,
			ChangeTime:   n.ChangeTime,
		}, nil
	case types.EventDelete:
		return AccountDeletion{Target: t}, nil
	case types.EventPasswordChange, types.EventPasswordReset:
		return PasswordChange{
			Target:     t,
			ChangeTime: n.ChangeTime,
			Reset:      kind == types.EventPasswordReset,
		}, nil
	case types.EventPrimaryEmailChanged, types.EventProfileChange:
		return ProfileChange{Target: t, Kind: kind}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedEvent, n.Event)
}
