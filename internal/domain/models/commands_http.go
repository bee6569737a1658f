package models

// Requests for the operator HTTP endpoints.

type CommandRequest struct {
	Args []string `json:"args" validate:"min=1,dive,required"`
}

type GapsRequest struct {
	Symbol string `query:"symbol" json:"symbol" validate:"required,symbol"`
	Days   int    `query:"days" json:"days" default:"730" validate:"gte=1,lte=5000"`
}

type RefreshRequest struct {
	Symbols []string `json:"symbols" validate:"dive,symbol"`
}

type AlertsRequest struct {
	Limit int `query:"limit" json:"limit" default:"50" validate:"gte=1,lte=1000"`
}

type PerformanceRequest struct {
	Days int `query:"days" json:"days" default:"30" validate:"gte=1,lte=3650"`
}

type CalibrateRequest struct {
	Symbols []string `json:"symbols" validate:"dive,symbol"`
}

type SentimentOverrideRequest struct {
	Symbol string  `json:"symbol" validate:"required,symbol"`
	Score  float64 `json:"score" validate:"gte=-1,lte=1"`
	Day    string  `json:"day" validate:"omitempty,datetime=2006-01-02"`
}

type ParameterSetRequest struct {
	Key   string `json:"key" validate:"required,param_key"`
	Value string `json:"value" validate:"required"`
}

type ModeRequest struct {
	Mode string `json:"mode" validate:"required,oneof=paper live"`
}

type OrderRequest struct {
	Symbol       string  `json:"symbol" validate:"required,symbol"`
	Side         string  `json:"side" validate:"required,oneof=buy sell"`
	Type         string  `json:"type" default:"market" validate:"oneof=market limit stop twap vwap"`
	Quantity     float64 `json:"quantity" validate:"gt=0"`
	LimitPrice   float64 `json:"limit_price" validate:"gte=0"`
	StopPrice    float64 `json:"stop_price" validate:"gte=0"`
	PredictionID string  `json:"prediction_id"`
}

// Requests for the read endpoints.

type BarsRequest struct {
	Symbol string `query:"symbol" validate:"required,symbol"`
	From   string `query:"from"`
	To     string `query:"to"`
	Limit  int    `query:"limit" default:"5000" validate:"gte=1,lte=20000"`
}

type SignalsRequest struct {
	Symbols string `query:"symbols"`
	Persist bool   `query:"persist"`
}
