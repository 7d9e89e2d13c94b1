package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crynk/paysplit/units"
)

// Event is implemented by every protocol event. EventID is unique per
// emission; Kind is a stable name for routing.
type Event interface {
	EventID() string
	Kind() string
}

// EventSink receives protocol events. Emit must not block settlement;
// slow consumers should buffer on their side.
type EventSink interface {
	Emit(event Event)
}

// Meta stamps an event with its identity and emission time. The id is
// supplied by the emitter (a UUID in practice) so events stay comparable
// across sinks.
type Meta struct {
	ID   string    `json:"eventId"`
	Time time.Time `json:"time"`
}

func (m Meta) EventID() string { return m.ID }

// PaymentCreated is emitted by initiation. It is the only observable
// artifact of that step besides the record itself, since no funds move.
type PaymentCreated struct {
	Meta
	PaymentID   PaymentID      `json:"paymentId"`
	User        common.Address `json:"user"`
	MerchantID  uint64         `json:"merchantId"`
	TotalAmount units.USD18    `json:"totalAmount"`
	PlatformFee units.USD18    `json:"platformFee"`
}

func (PaymentCreated) Kind() string { return "payment_created" }

// PaymentSettled is emitted when every leg of a pull transferred, carrying
// the actual native amounts moved per leg.
type PaymentSettled struct {
	Meta
	PaymentID PaymentID    `json:"paymentId"`
	Legs      []SettledLeg `json:"legs"`
}

func (PaymentSettled) Kind() string { return "payment_settled" }

// PaymentFailed is emitted when a pull was attempted and aborted.
type PaymentFailed struct {
	Meta
	PaymentID PaymentID `json:"paymentId"`
	Reason    string    `json:"reason"`
}

func (PaymentFailed) Kind() string { return "payment_failed" }

// PaymentCancelled is emitted when a pending payment is explicitly
// cancelled before settlement.
type PaymentCancelled struct {
	Meta
	PaymentID PaymentID      `json:"paymentId"`
	By        common.Address `json:"by"`
}

func (PaymentCancelled) Kind() string { return "payment_cancelled" }

// AdminChanged is emitted by every owner-gated mutation.
type AdminChanged struct {
	Meta
	Field string `json:"field"`
	Value string `json:"value"`
}

func (AdminChanged) Kind() string { return "admin_changed" }
