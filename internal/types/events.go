package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// EventKind identifies the account-change event carried by a notification.
// Values are the wire strings published by the account service.
type EventKind string

const (
	EventSubscriptionUpdate  EventKind = "subscription:update"
	EventDelete              EventKind = "delete"
	EventPasswordReset       EventKind = "reset"
	EventPasswordChange      EventKind = "passwordChange"
	EventPrimaryEmailChanged EventKind = "primaryEmailChanged"
	EventProfileChange       EventKind = "profileDataChange"
)

// eventKindAliases maps alternate spellings seen from older publishers onto
// the canonical kind.
var eventKindAliases = map[string]EventKind{
	"subscriptionUpdate": EventSubscriptionUpdate,
}

// ParseEventKind normalizes a raw event string. The second return value is
// false when the string does not name a known kind.
func ParseEventKind(raw string) (EventKind, bool) {
	switch k := EventKind(raw); k {
	case EventSubscriptionUpdate, EventDelete, EventPasswordReset,
		EventPasswordChange, EventPrimaryEmailChanged, EventProfileChange:
		return k, true
	}
	if k, ok := eventKindAliases[raw]; ok {
		return k, true
	}
	return EventKind(raw), false
}

// Notification is the decoded Pub/Sub message payload. It lives only for the
// duration of one delivery attempt.
type Notification struct {
	Event        string   `json:"event"`
	UID          string   `json:"uid"`
	ClientID     string   `json:"clientId,omitempty"`
	Timestamp    int64    `json:"timestamp"`            // epoch milliseconds at publish
	ChangeTime   int64    `json:"changeTime,omitempty"` // epoch seconds for subscription events
	Capabilities []string `json:"capabilities,omitempty"`
	IsActive     bool     `json:"isActive,omitempty"`
}

// UnmarshalJSON accepts any JSON number for the time fields, truncating
// fractions and exponent forms such as 1.7e12 to whole units.
func (n *Notification) UnmarshalJSON(b []byte) error {
	type plain Notification
	aux := struct {
		*plain
		Timestamp  json.Number `json:"timestamp"`
		ChangeTime json.Number `json:"changeTime"`
	}{plain: (*plain)(n)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	var err error
	if n.Timestamp, err = truncateNumber(aux.Timestamp); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if n.ChangeTime, err = truncateNumber(aux.ChangeTime); err != nil {
		return fmt.Errorf("changeTime: %w", err)
	}
	return nil
}

func truncateNumber(num json.Number) (int64, error) {
	if num == "" {
		return 0, nil
	}
	if i, err := num.Int64(); err == nil {
		return i, nil
	}
	f, err := strconv.ParseFloat(string(num), 64)
	if err != nil {
		return 0, err
	}
	if math.IsInf(f, 0) || math.IsNaN(f) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("%s out of range", num)
	}
	return int64(f), nil
}

// PushEnvelope is the body Google Pub/Sub POSTs to a push endpoint.
type PushEnvelope struct {
	Message      PushMessage `json:"message" validate:"required"`
	Subscription string      `json:"subscription,omitempty"`
}

// PushMessage is the message portion of a push delivery. Data is base64 of a
// UTF-8 JSON document.
type PushMessage struct {
	Data        string            `json:"data" validate:"required"`
	MessageID   string            `json:"messageId,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	PublishTime string            `json:"publishTime,omitempty"`

	// Pub/Sub sends both spellings of the id fields.
	LegacyMessageID   string `json:"message_id,omitempty"`
	LegacyPublishTime string `json:"publish_time,omitempty"`
}

// ID returns the message id regardless of which spelling the transport used.
func (m PushMessage) ID() string {
	if m.MessageID != "" {
		return m.MessageID
	}
	return m.LegacyMessageID
}

// RawNotification pairs the decoded notification with the exact JSON bytes it
// was decoded from, which are forwarded to the webhook unchanged.
type RawNotification struct {
	Notification
	Raw json.RawMessage
}
