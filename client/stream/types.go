package stream

// ConnectionState is the lifecycle phase of the streaming connection.
type ConnectionState int

const (
	StateClosed ConnectionState = iota
	StateConnecting
	StateOpen
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Quote is the last known price snapshot for a symbol.
type Quote struct {
	Price            float64 `json:"price"`
	Change24hPercent float64 `json:"change_24h_percent"`
}

// PriceUpdate is delivered on the updates channel for each applied price
// event.
type PriceUpdate struct {
	Symbol string
	Quote  Quote
}

// subscribeMessage is the outbound control message naming the full symbol
// set.
type subscribeMessage struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

// priceMessage is the inbound data message.
type priceMessage struct {
	Type             string  `json:"type"`
	Symbol           string  `json:"symbol"`
	Price            float64 `json:"price"`
	Change24hPercent float64 `json:"change_24h_percent"`
}
