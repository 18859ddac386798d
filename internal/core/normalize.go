package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// RawExpense is one expense record as the backend returns it. The identifier
// can arrive as id or as the legacy expense_id; ids and amounts can be JSON
// strings or numbers.
type RawExpense struct {
	ID          Scalar `json:"id,omitempty"`
	ExpenseID   Scalar `json:"expense_id,omitempty"`
	Amount      Scalar `json:"amount"`
	Category    string `json:"category"`
	Description string `json:"description"`
	Timestamp   string `json:"timestamp"`
}

// Scalar holds a JSON string or number verbatim. Numbers keep their literal
// text so that no float conversion happens before decimal parsing.
type Scalar string

// UnmarshalJSON accepts strings, numbers and null.
func (s *Scalar) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = Scalar(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.New("expected string or number")
	}
	*s = Scalar(n.String())
	return nil
}

// timestampLayouts lists the accepted timestamp forms, most specific first.
// Layouts without a zone are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp parses the backend's ISO-8601 timestamp forms.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, ErrInvalidTimestamp
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, ErrInvalidTimestamp
}

// Normalize maps a raw backend record onto the canonical Expense.
//
// The id comes from id when it is present and non-empty, otherwise from
// expense_id. Records missing both, with a negative or non-numeric amount,
// or with an unreadable timestamp fail with a *MalformedRecordError.
func Normalize(raw RawExpense) (Expense, error) {
	id := strings.TrimSpace(string(raw.ID))
	if id == "" {
		id = strings.TrimSpace(string(raw.ExpenseID))
	}
	if id == "" {
		return Expense{}, &MalformedRecordError{Field: "id", Err: ErrMissingID}
	}

	amount, err := ParseAmount(string(raw.Amount))
	if err != nil {
		return Expense{}, &MalformedRecordError{ID: id, Field: "amount", Err: err}
	}

	ts, err := ParseTimestamp(raw.Timestamp)
	if err != nil {
		return Expense{}, &MalformedRecordError{ID: id, Field: "timestamp", Err: err}
	}

	return Expense{
		ID:          id,
		Amount:      amount,
		Category:    raw.Category,
		Description: raw.Description,
		Timestamp:   ts,
	}, nil
}

// NormalizeAll normalizes a batch, keeping the valid records in input order
// and returning the rejected ones separately. A repeated id keeps its first
// occurrence.
func NormalizeAll(raws []RawExpense) ([]Expense, []*MalformedRecordError) {
	out := make([]Expense, 0, len(raws))
	seen := make(map[string]struct{}, len(raws))
	var rejected []*MalformedRecordError
	for _, raw := range raws {
		e, err := Normalize(raw)
		if err != nil {
			var mre *MalformedRecordError
			if errors.As(err, &mre) {
				rejected = append(rejected, mre)
			}
			continue
		}
		if _, dup := seen[e.ID]; dup {
			rejected = append(rejected, &MalformedRecordError{ID: e.ID, Field: "id", Err: ErrDuplicateID})
			continue
		}
		seen[e.ID] = struct{}{}
		out = append(out, e)
	}
	return out, rejected
}

// ToRaw converts a canonical expense back to the backend record shape.
// Normalize(e.ToRaw()) yields e again.
func (e Expense) ToRaw() RawExpense {
	return RawExpense{
		ID:          Scalar(e.ID),
		Amount:      Scalar(e.Amount.String()),
		Category:    e.Category,
		Description: e.Description,
		Timestamp:   e.Timestamp.Format(time.RFC3339Nano),
	}
}
