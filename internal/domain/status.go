package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Tone string

const (
	ToneInfo    Tone = "info"
	ToneSuccess Tone = "success"
	ToneAlert   Tone = "alert"
)

// Action is the control the UI should offer next to a status message.
type Action string

const (
	ActionNone        Action = ""
	ActionScan        Action = "scan"
	ActionRetry       Action = "retry"
	ActionReset       Action = "reset"
	ActionPresentCard Action = "present_card"
	ActionRestart     Action = "restart"
	ActionRedirect    Action = "redirect"
)

// StatusEvent is what the engine reports to the presentation layer.
type StatusEvent struct {
	Tone      Tone             `json:"tone"`
	Message   string           `json:"message"`
	State     EngineState      `json:"state"`
	Action    Action           `json:"action,omitempty"`
	Reference string           `json:"reference,omitempty"`
	CardID    string           `json:"card_id,omitempty"`
	Balance   *decimal.Decimal `json:"balance,omitempty"`
	At        time.Time        `json:"at"`
}
