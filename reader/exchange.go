package reader

import (
	"errors"

	"github.com/alisitki/quantlab/models"
)

// Normalize error classes. Exchanges wrap one of these so the supervisor can
// count the drop under the right reason and keep reading.
var (
	ErrDecode        = errors.New("undecodable frame")
	ErrValidation    = errors.New("invalid field")
	ErrUnknownStream = errors.New("unknown stream")
)

// Subscription describes how to open a market-data session.
type Subscription struct {
	URL     string
	Streams []string
	// Request is written once after the handshake when the exchange expects
	// an explicit subscribe message. Empty for URL-encoded subscriptions.
	Request []byte
}

// Exchange adapts one venue's wire format to canonical events.
type Exchange interface {
	Name() string
	Subscription(symbols []string) (Subscription, error)
	// Normalize turns one frame into zero or more events. It never returns
	// a partial result together with an error.
	Normalize(frame []byte, recvMs int64) ([]models.Event, error)
}
