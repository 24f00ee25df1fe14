package domain

import "time"

type TaskStatus string

const (
	StatusActive    TaskStatus = "active"
	StatusTriggered TaskStatus = "triggered"
	StatusExpired   TaskStatus = "expired"
	StatusCancelled TaskStatus = "cancelled"
	StatusError     TaskStatus = "error"
)

// Terminal reports whether a task can never leave the status except by deletion.
func (s TaskStatus) Terminal() bool {
	return s != StatusActive
}

type TriggerDirection string

const (
	DirectionUpCross   TriggerDirection = "up_cross"
	DirectionDownCross TriggerDirection = "down_cross"
	DirectionNone      TriggerDirection = ""
)

type InstrumentKind string

const (
	InstrumentOption InstrumentKind = "option"
	InstrumentSpot   InstrumentKind = "spot"
)

// OptionInfo holds the parsed parts of an option contract symbol
// such as BTC-17JAN25-100000-C or BTC-17JAN25-100000-C-USDT.
type OptionInfo struct {
	Symbol      string  `json:"symbol"`
	BaseCoin    string  `json:"base_coin"`
	StrikePrice float64 `json:"strike_price"`
	ExpiryDate  string  `json:"expiry_date"`
	OptionType  string  `json:"option_type"` // "Call" or "Put"
}

// MonitorTask is one watch+webhook rule with one-shot trigger semantics.
type MonitorTask struct {
	TaskID            string           `json:"task_id"`
	OptionInfo        OptionInfo       `json:"option_info"`
	MonitorInstrument InstrumentKind   `json:"monitor_instrument"`
	MonitorSymbol     string           `json:"monitor_symbol"`
	TargetPrice       float64          `json:"target_price"`
	WebhookURL        string           `json:"webhook_url"`
	CreatedAt         time.Time        `json:"created_at"`
	ExpiresAt         time.Time        `json:"expires_at"`
	Status            TaskStatus       `json:"status"`
	LastPrice         *float64         `json:"last_price,omitempty"`
	PreviousPrice     *float64         `json:"previous_price,omitempty"`
	TriggerDirection  TriggerDirection `json:"trigger_direction,omitempty"`
	TriggeredAt       *time.Time       `json:"triggered_at,omitempty"`
	TriggeredPrice    *float64         `json:"triggered_price,omitempty"`
	// FinishedAt marks entry into a terminal status; the sweep uses it for retention.
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	NotifyAttempts int        `json:"notify_attempts"`

	// Opaque passthrough fields, carried but never interpreted.
	StrategyID  string         `json:"strategy_id,omitempty"`
	LevelID     string         `json:"level_id,omitempty"`
	MonitorType string         `json:"monitor_type,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Clone returns a deep enough copy that callers can mutate freely.
func (t *MonitorTask) Clone() *MonitorTask {
	cp := *t
	if t.LastPrice != nil {
		v := *t.LastPrice
		cp.LastPrice = &v
	}
	if t.PreviousPrice != nil {
		v := *t.PreviousPrice
		cp.PreviousPrice = &v
	}
	if t.TriggeredAt != nil {
		v := *t.TriggeredAt
		cp.TriggeredAt = &v
	}
	if t.TriggeredPrice != nil {
		v := *t.TriggeredPrice
		cp.TriggeredPrice = &v
	}
	if t.FinishedAt != nil {
		v := *t.FinishedAt
		cp.FinishedAt = &v
	}
	if t.Metadata != nil {
		meta := make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			meta[k] = v
		}
		cp.Metadata = meta
	}
	return &cp
}

// PriceUpdate is the single normalized event both the websocket stream
// and the spot poller publish.
type PriceUpdate struct {
	Symbol     string
	Price      float64
	ObservedAt time.Time
}

// WebhookPayload is the fixed-shape body POSTed to a task's webhook URL.
// Retries resend the identical payload so receivers can deduplicate by task_id.
type WebhookPayload struct {
	TaskID            string         `json:"task_id"`
	OptionSymbol      string         `json:"option_symbol,omitempty"`
	SpotSymbol        string         `json:"spot_symbol,omitempty"`
	MonitorSymbol     string         `json:"monitor_symbol"`
	MonitorInstrument InstrumentKind `json:"monitor_instrument"`
	TargetPrice       float64        `json:"target_price"`
	TriggeredPrice    float64        `json:"triggered_price"`
	PreviousPrice     float64        `json:"previous_price"`
	TriggerDirection  string         `json:"trigger_direction"`
	TriggeredAt       string         `json:"triggered_at"`
	StrategyID        string         `json:"strategy_id,omitempty"`
	LevelID           string         `json:"level_id,omitempty"`
	MonitorType       string         `json:"monitor_type,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}
