package models

import "time"

type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Sell {
		return "sell"
	}
	return "buy"
}

func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Sign is +1 for buys and -1 for sells.
func (s Side) Sign() float64 {
	if s == Sell {
		return -1
	}
	return 1
}

func ParseSide(v string) (Side, bool) {
	switch v {
	case "buy":
		return Buy, true
	case "sell":
		return Sell, true
	}
	return 0, false
}

type OrderType int

const (
	Market OrderType = iota
	Limit
	Stop
	TWAP
	VWAP
)

func (t OrderType) String() string {
	switch t {
	case Market:
		return "market"
	case Limit:
		return "limit"
	case Stop:
		return "stop"
	case TWAP:
		return "twap"
	case VWAP:
		return "vwap"
	default:
		return "unknown"
	}
}

func (t OrderType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func ParseOrderType(v string) (OrderType, bool) {
	for _, t := range []OrderType{Market, Limit, Stop, TWAP, VWAP} {
		if t.String() == v {
			return t, true
		}
	}
	return 0, false
}

// Sliced order types execute as several child fills.
func (t OrderType) Sliced() bool { return t == TWAP || t == VWAP }

type OrderStatus int

const (
	StatusNew OrderStatus = iota
	StatusRouted
	StatusPartial
	StatusFilled
	StatusCancelled
	StatusRejected
)

func (s OrderStatus) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusRouted:
		return "routed"
	case StatusPartial:
		return "partial"
	case StatusFilled:
		return "filled"
	case StatusCancelled:
		return "cancelled"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

func (s OrderStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func ParseOrderStatus(v string) (OrderStatus, bool) {
	for s := StatusNew; s <= StatusRejected; s++ {
		if s.String() == v {
			return s, true
		}
	}
	return 0, false
}

func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// Cancellable orders are live on a venue or waiting to be routed.
func (s OrderStatus) Cancellable() bool { return !s.Terminal() }

type Order struct {
	ID              string      `json:"id"`
	Symbol          string      `json:"symbol"`
	Side            Side        `json:"side"`
	Type            OrderType   `json:"type"`
	Quantity        float64     `json:"quantity"`
	LimitPrice      float64     `json:"limit_price,omitempty"`
	StopPrice       float64     `json:"stop_price,omitempty"`
	Status          OrderStatus `json:"status"`
	Exchange        string      `json:"exchange"`
	ExchangeOrderID string      `json:"exchange_order_id,omitempty"`
	FilledQty       float64     `json:"filled_qty"`
	AvgFillPrice    float64     `json:"avg_fill_price"`
	Reason          string      `json:"reason,omitempty"`
	PredictionID    string      `json:"prediction_id,omitempty"`
	SubmittedAt     time.Time   `json:"submitted_at"`
	TerminalAt      *time.Time  `json:"terminal_at,omitempty"`
}

func (o Order) Remaining() float64 { return o.Quantity - o.FilledQty }

// Transition is one recorded state change of an order.
type Transition struct {
	OrderID string      `json:"order_id"`
	From    OrderStatus `json:"from"`
	To      OrderStatus `json:"to"`
	Reason  string      `json:"reason,omitempty"`
	At      time.Time   `json:"at"`
}

// Fill is what a venue reports for (part of) an order.
type Fill struct {
	ExchangeOrderID string    `json:"exchange_order_id"`
	Quantity        float64   `json:"quantity"`
	Price           float64   `json:"price"`
	Fee             float64   `json:"fee"`
	At              time.Time `json:"at"`
}

// Execution is a reconciled fill with cost attribution.
type Execution struct {
	ID            string        `json:"id"`
	OrderID       string        `json:"order_id"`
	Exchange      string        `json:"exchange"`
	Symbol        string        `json:"symbol"`
	Side          Side          `json:"side"`
	Quantity      float64       `json:"quantity"`
	Price         float64       `json:"price"`
	ExpectedPrice float64       `json:"expected_price"`
	SlippageBps   float64       `json:"slippage_bps"`
	Fee           float64       `json:"fee"`
	Latency       time.Duration `json:"latency"`
	ExecutedAt    time.Time     `json:"executed_at"`
}

// Quote is a venue's indicative terms for an order.
type Quote struct {
	Exchange    string  `json:"exchange"`
	Price       float64 `json:"price"`
	FeeBps      float64 `json:"fee_bps"`
	SlippageBps float64 `json:"slippage_bps"`
	Health      float64 `json:"health"`
}
