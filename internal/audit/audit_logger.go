package audit

import (
	"encoding/json"
	"log"
	"time"

	"github.com/shopspring/decimal"
)

type Event struct {
	Timestamp time.Time       `json:"timestamp"`
	EventType string          `json:"event_type"`
	UnitID    string          `json:"unit_id"`
	AccountID string          `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"`
	Details   any             `json:"details"`
}

type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

// LogMutation records one balance mutation inside a ledger unit of work.
func (a *Logger) LogMutation(unitID, accountID, kind string, amount decimal.Decimal) {
	event := Event{
		Timestamp: time.Now(),
		EventType: kind,
		UnitID:    unitID,
		AccountID: accountID,
		Amount:    amount,
		Status:    "SUCCESS",
	}
	a.log(event)
}

func (a *Logger) LogBurn(unitID, accountID, action string, amount decimal.Decimal) {
	event := Event{
		Timestamp: time.Now(),
		EventType: "BURN",
		UnitID:    unitID,
		AccountID: accountID,
		Amount:    amount,
		Status:    "SUCCESS",
		Details:   map[string]string{"action": action},
	}
	a.log(event)
}

func (a *Logger) LogError(unitID, accountID string, err error) {
	event := Event{
		Timestamp: time.Now(),
		EventType: "ERROR",
		UnitID:    unitID,
		AccountID: accountID,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	}
	a.log(event)
}

func (a *Logger) log(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[AUDIT] Failed to marshal event: %v", err)
		return
	}
	log.Printf("[AUDIT] %s", string(data))
}
