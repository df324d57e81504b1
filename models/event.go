package models

// EventKind is the discriminator of a decoded inbound message.
type EventKind string

const (
	KindTick      EventKind = "tick"
	KindTrade     EventKind = "trade"
	KindHeartbeat EventKind = "heartbeat"
	KindStatus    EventKind = "status"
	KindUnknown   EventKind = "unknown"
)

// Event is one decoded message. Epoch identifies the connection that
// delivered it; consumers drop events whose epoch is no longer current.
type Event struct {
	Kind   EventKind
	Epoch  uint64
	Tick   *Tick
	Trade  *TradeRow
	Status string
}
