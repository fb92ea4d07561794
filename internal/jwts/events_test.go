package jwts

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventbroker/internal/types"
)

func TestEventFromNotification(t *testing.T) {
	tests := []struct {
		name string
		n    types.Notification
		want SecurityEvent
	}{
		{
			name: "subscription update",
			n: types.Notification{Event: "subscription:update", UID: "u1", Capabilities: []string{"cap1"},
				IsActive: true, ChangeTime: 1700000000},
			want: SubscriptionStateChange{Target: Target{"abc123", "u1"}, Capabilities: []string{"cap1"},
				IsActive: true, ChangeTime: 1700000000},
		},
		{
			name: "subscription update alias",
			n:    types.Notification{Event: "subscriptionUpdate", UID: "u1", ChangeTime: 5},
			want: SubscriptionStateChange{Target: Target{"abc123", "u1"}, ChangeTime: 5},
		},
		{
			name: "delete",
			n:    types.Notification{Event: "delete", UID: "u2"},
			want: AccountDeletion{Target: Target{"abc123", "u2"}},
		},
		{
			name: "password change",
			n:    types.Notification{Event: "passwordChange", UID: "u3", ChangeTime: 77},
			want: PasswordChange{Target: Target{"abc123", "u3"}, ChangeTime: 77},
		},
		{
			name: "password reset ignores publish timestamp",
			n:    types.Notification{Event: "reset", UID: "u3", Timestamp: 1700000000123},
			want: PasswordChange{Target: Target{"abc123", "u3"}, Reset: true},
		},
		{
			name: "primary email",
			n:    types.Notification{Event: "primaryEmailChanged", UID: "u4"},
			want: ProfileChange{Target: Target{"abc123", "u4"}, Kind: types.EventPrimaryEmailChanged},
		},
		{
			name: "profile data",
			n:    types.Notification{Event: "profileDataChange", UID: "u4"},
			want: ProfileChange{Target: Target{"abc123", "u4"}, Kind: types.EventProfileChange},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EventFromNotification("abc123", tt.n)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEventFromNotificationUnsupported(t *testing.T) {
	for _, kind := range []string{"login", "", "Delete", "subscription-update"} {
		_, err := EventFromNotification("abc123", types.Notification{Event: kind, UID: "u"})
		assert.True(t, errors.Is(err, ErrUnsupportedEvent), "kind %q should be unsupported", kind)
	}
}
