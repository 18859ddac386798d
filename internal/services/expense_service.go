package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"expenseview/internal/amqp"
	"expenseview/internal/api"
	"expenseview/internal/core"
	"expenseview/internal/log"
	"expenseview/internal/metrics"
)

var (
	ErrCategoryRequired = errors.New("category is required")
	ErrIDRequired       = errors.New("expense id is required")
)

// ExpenseBackend is the mutating part of the backend API.
type ExpenseBackend interface {
	CreateExpense(ctx context.Context, in api.ExpenseInput) (core.RawExpense, error)
	UpdateExpense(ctx context.Context, id string, in api.ExpenseInput) (*core.RawExpense, error)
	DeleteExpense(ctx context.Context, id string) error
	UploadReceipt(ctx context.Context, up api.ReceiptUpload) (api.ReceiptResult, error)
}

// ChangePublisher announces expense changes to other processes.
type ChangePublisher interface {
	PublishExpenseChanged(ctx context.Context, msg *amqp.ExpenseChangedMessage) error
}

// ExpenseDraft is a validated create or edit request.
type ExpenseDraft struct {
	Amount      core.Money
	Category    string
	Description string
}

func (d ExpenseDraft) validate() error {
	if strings.TrimSpace(d.Category) == "" {
		return ErrCategoryRequired
	}
	return nil
}

func (d ExpenseDraft) input() api.ExpenseInput {
	return api.ExpenseInput{
		Amount:      d.Amount.String(),
		Category:    strings.TrimSpace(d.Category),
		Description: strings.TrimSpace(d.Description),
	}
}

// ExpenseService forwards mutations to the backend and, once the backend
// accepted them, updates the book by id and publishes a change event.
type ExpenseService struct {
	backend   ExpenseBackend
	book      *ExpenseBook
	publisher ChangePublisher
	logger    *log.Logger
	now       func() time.Time
}

// NewExpenseService wires the service. publisher may be nil.
func NewExpenseService(backend ExpenseBackend, book *ExpenseBook, publisher ChangePublisher, logger *log.Logger) *ExpenseService {
	if logger == nil {
		logger = log.Default()
	}
	return &ExpenseService{
		backend:   backend,
		book:      book,
		publisher: publisher,
		logger:    logger.WithComponent(log.ComponentBackend),
		now:       time.Now,
	}
}

// Create creates an expense on the backend and adds it to the book.
func (s *ExpenseService) Create(ctx context.Context, d ExpenseDraft) (core.Expense, error) {
	if err := d.validate(); err != nil {
		return core.Expense{}, err
	}

	raw, err := s.backend.CreateExpense(ctx, d.input())
	s.recordMutation(log.OpCreate, err)
	if err != nil {
		return core.Expense{}, fmt.Errorf("create expense: %w", err)
	}

	e, err := core.Normalize(raw)
	if err != nil {
		return core.Expense{}, fmt.Errorf("create expense: backend record: %w", err)
	}

	s.book.Upsert(ctx, e)
	s.publish(ctx, amqp.NewUpsertMessage(e))
	s.logMutation(ctx, log.OpCreate, e)
	return e, nil
}

// Update edits an expense. When the backend does not echo the record, the
// edited fields are merged onto the known expense.
func (s *ExpenseService) Update(ctx context.Context, id string, d ExpenseDraft) (core.Expense, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return core.Expense{}, ErrIDRequired
	}
	if err := d.validate(); err != nil {
		return core.Expense{}, err
	}

	raw, err := s.backend.UpdateExpense(ctx, id, d.input())
	s.recordMutation(log.OpUpdate, err)
	if err != nil {
		return core.Expense{}, fmt.Errorf("update expense %s: %w", id, err)
	}

	var e core.Expense
	if raw != nil {
		if e, err = core.Normalize(*raw); err != nil {
			return core.Expense{}, fmt.Errorf("update expense %s: backend record: %w", id, err)
		}
	} else {
		in := d.input()
		e = core.Expense{
			ID:          id,
			Amount:      d.Amount,
			Category:    in.Category,
			Description: in.Description,
			Timestamp:   s.knownTimestamp(id),
		}
	}

	s.book.Upsert(ctx, e)
	s.publish(ctx, amqp.NewUpsertMessage(e))
	s.logMutation(ctx, log.OpUpdate, e)
	return e, nil
}

// Delete removes an expense on the backend and from the book.
func (s *ExpenseService) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrIDRequired
	}

	err := s.backend.DeleteExpense(ctx, id)
	s.recordMutation(log.OpDelete, err)
	if err != nil {
		return fmt.Errorf("delete expense %s: %w", id, err)
	}

	s.book.Remove(ctx, id)
	s.publish(ctx, amqp.NewDeleteMessage(id))
	s.logger.InfoContext(ctx, "Expense deleted", log.FieldExpenseID, id)
	return nil
}

// UploadReceipt forwards a receipt to the backend.
func (s *ExpenseService) UploadReceipt(ctx context.Context, up api.ReceiptUpload) (api.ReceiptResult, error) {
	res, err := s.backend.UploadReceipt(ctx, up)
	s.recordMutation(log.OpUpload, err)
	if err != nil {
		return api.ReceiptResult{}, fmt.Errorf("upload receipt: %w", err)
	}
	s.logger.InfoContext(ctx, "Receipt uploaded",
		log.FieldExpenseID, up.ExpenseID,
		"file_name", res.FileName,
		"bytes", len(up.Data))
	return res, nil
}

func (s *ExpenseService) knownTimestamp(id string) time.Time {
	list := s.book.State().Expenses
	if i := slices.IndexFunc(list, func(e core.Expense) bool { return e.ID == id }); i >= 0 {
		return list[i].Timestamp
	}
	return s.now().UTC()
}

// publish is best effort: the backend already holds the change.
func (s *ExpenseService) publish(ctx context.Context, msg *amqp.ExpenseChangedMessage) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishExpenseChanged(ctx, msg); err != nil {
		s.logger.WarnContext(ctx, "Failed to publish expense.changed",
			log.FieldExpenseID, msg.ExpenseID,
			log.FieldError, err.Error())
	}
}

func (s *ExpenseService) recordMutation(op string, err error) {
	status := metrics.OutcomeSuccess
	if err != nil {
		status = metrics.OutcomeFailure
	}
	metrics.MutationsTotal.WithLabelValues(op, status).Inc()
}

func (s *ExpenseService) logMutation(ctx context.Context, op string, e core.Expense) {
	fields := log.NewFields().
		WithOperation(op).
		WithExpense(e.ID, e.Amount.Cents, e.Category)
	s.logger.InfoContext(ctx, "Expense saved", fields.ToSlice()...)
}
