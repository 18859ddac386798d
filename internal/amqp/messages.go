package amqp

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"expenseview/internal/core"
)

// ChangeOp is the kind of change carried by an expense.changed message.
type ChangeOp string

const (
	OpUpsert ChangeOp = "upsert"
	OpDelete ChangeOp = "delete"
)

// RoutingKeyExpenseChanged is the event name written into every message.
const RoutingKeyExpenseChanged = "expense.changed"

// ExpenseChangedMessage announces that one expense was created, edited or
// deleted through the service. Upserts carry the full record so consumers
// can update their list without another backend round trip.
type ExpenseChangedMessage struct {
	Event     string           `json:"event"`
	Op        ChangeOp         `json:"op"`
	ExpenseID string           `json:"expense_id"`
	Record    *core.RawExpense `json:"record,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// NewUpsertMessage builds the message for a created or edited expense.
func NewUpsertMessage(e core.Expense) *ExpenseChangedMessage {
	raw := e.ToRaw()
	return &ExpenseChangedMessage{
		Event:     RoutingKeyExpenseChanged,
		Op:        OpUpsert,
		ExpenseID: e.ID,
		Record:    &raw,
		Timestamp: time.Now(),
	}
}

// NewDeleteMessage builds the message for a deleted expense.
func NewDeleteMessage(id string) *ExpenseChangedMessage {
	return &ExpenseChangedMessage{
		Event:     RoutingKeyExpenseChanged,
		Op:        OpDelete,
		ExpenseID: id,
		Timestamp: time.Now(),
	}
}

// Validate checks that the message can be applied.
func (m *ExpenseChangedMessage) Validate() error {
	if m.ExpenseID == "" {
		return errors.New("missing expense_id")
	}
	switch m.Op {
	case OpUpsert:
		if m.Record == nil {
			return errors.New("upsert without record")
		}
	case OpDelete:
	default:
		return fmt.Errorf("unknown op %q", m.Op)
	}
	return nil
}

// ToJSON converts the message to JSON bytes
func (m *ExpenseChangedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ExpenseChangedMessageFromJSON decodes and validates a message.
func ExpenseChangedMessageFromJSON(data []byte) (*ExpenseChangedMessage, error) {
	var msg ExpenseChangedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid expense.changed message: %w", err)
	}
	return &msg, nil
}
