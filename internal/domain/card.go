// internal/domain/card.go
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TagEvent is one physical presentation of a tag as delivered by a medium adapter.
type TagEvent struct {
	CardID  string `json:"card_id"`
	Payload []byte `json:"payload"`
}

// CardSnapshot is the balance observed on a card at read time.
// A fresh read always supersedes an earlier snapshot.
type CardSnapshot struct {
	Balance    decimal.Decimal `json:"balance"`
	CardID     string          `json:"card_id"`
	ObservedAt time.Time       `json:"observed_at"`
}

// MaskCardID keeps the last four characters of a card id for display and logs.
func MaskCardID(cardID string) string {
	if len(cardID) <= 4 {
		return cardID
	}
	return "****" + cardID[len(cardID)-4:]
}
