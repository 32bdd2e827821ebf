package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dmitrijs2005/otpkeeper/internal/logging"
)

const (
	EventOTP               = "otp"
	EventConnectionSuccess = "connectionSuccess"
	EventPong              = "pong"
)

// Envelope is the frame sent over the socket.
type Envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// OTPEvent announces a freshly retrieved passcode to the account owner.
type OTPEvent struct {
	AccountTag string    `json:"accountTag"`
	OTP        string    `json:"otp"`
	Timestamp  time.Time `json:"timestamp"`
}

// Dispatcher delivers events fire-and-forget: an owner without a live
// session simply misses the push and reads the stored OTP later.
type Dispatcher struct {
	hub    *Hub
	logger logging.Logger
}

// NewDispatcher sends through hub.
func NewDispatcher(hub *Hub, logger logging.Logger) *Dispatcher {
	return &Dispatcher{hub: hub, logger: logger.With("module", "realtime")}
}

// Emit sends ev only to ownerID's connections and returns the number of
// connections that received it.
func (d *Dispatcher) Emit(ownerID string, ev OTPEvent) int {
	ev.Timestamp = ev.Timestamp.UTC()
	data, err := json.Marshal(Envelope{Event: EventOTP, Payload: ev})
	if err != nil {
		d.logger.Error(context.Background(), "failed to encode otp event", "error", err)
		return 0
	}

	n := d.hub.Broadcast(ownerID, data)
	if n == 0 {
		d.logger.Debug(context.Background(), "owner has no live session, otp not pushed", "owner", ownerID)
	}
	return n
}
