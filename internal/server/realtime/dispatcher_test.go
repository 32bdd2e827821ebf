package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/dmitrijs2005/otpkeeper/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_EmitWireFormat(t *testing.T) {
	h := NewHub()
	owner, other := &fakeWriter{}, &fakeWriter{}
	h.Register(&Connection{UserID: "owner", Writer: owner})
	h.Register(&Connection{UserID: "friend", Writer: other})

	d := NewDispatcher(h, logging.Nop{})
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	n := d.Emit("owner", OTPEvent{AccountTag: "Main#1234", OTP: "AB12CD", Timestamp: ts})

	assert.Equal(t, 1, n)
	assert.Empty(t, other.msgs, "grantees never receive pushes")
	require.Len(t, owner.msgs, 1)

	var got struct {
		Event   string            `json:"event"`
		Payload map[string]string `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(owner.msgs[0], &got))
	assert.Equal(t, "otp", got.Event)
	assert.Equal(t, "Main#1234", got.Payload["accountTag"])
	assert.Equal(t, "AB12CD", got.Payload["otp"])
	assert.Equal(t, "2024-05-01T11:00:00Z", got.Payload["timestamp"])
}

func TestDispatcher_OwnerOffline(t *testing.T) {
	d := NewDispatcher(NewHub(), logging.Nop{})
	assert.Zero(t, d.Emit("nobody", OTPEvent{OTP: "X"}))
}
