// Package lifecycle drives the loan state machine. Every transition
// runs inside one transaction: the status change, ledger mutation and
// receipt commit together or not at all.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"lendcore/pkg/apperr"
	"lendcore/pkg/billing"
	"lendcore/pkg/delivery"
	"lendcore/pkg/events"
	"lendcore/pkg/inventory"
	"lendcore/pkg/models"
)

// Config holds the due-date constant. Independent of billing's base
// period; the two are configured separately on purpose.
type Config struct {
	DefaultLoanDays int
}

func DefaultConfig() Config {
	return Config{DefaultLoanDays: 14}
}

type Manager struct {
	db        *gorm.DB
	cfg       Config
	ledger    *inventory.Ledger
	engine    *billing.Engine
	addresses delivery.AddressBook
	sink      events.Sink
}

func NewManager(db *gorm.DB, cfg Config, billingCfg billing.Config, addresses delivery.AddressBook, sink events.Sink) *Manager {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Manager{
		db:        db,
		cfg:       cfg,
		ledger:    inventory.NewLedger(db),
		engine:    billing.NewEngine(db, billingCfg),
		addresses: addresses,
		sink:      sink,
	}
}

type LoanRequest struct {
	TitleUid           string
	DeliveryMethod     models.DeliveryMethod
	DeliveryAddressRef string
	Notes              string
}

// RequestLoan creates a PENDING loan for the caller. The delivery
// choice is recorded now and validated at handoff time.
func (m *Manager) RequestLoan(ctx context.Context, caller models.Caller, req LoanRequest) (*models.LoanRecord, error) {
	if caller.ID == "" {
		return nil, apperr.Unauthorized("caller identity is required")
	}
	switch req.DeliveryMethod {
	case models.DeliveryPickup, models.DeliveryCourier:
	default:
		return nil, apperr.Validation("unknown delivery method %q", req.DeliveryMethod)
	}

	var title models.Title
	if err := m.db.WithContext(ctx).Where("title_uid = ?", req.TitleUid).First(&title).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("title %s not found", req.TitleUid)
		}
		return nil, apperr.Unavailable("load title: %v", err)
	}

	addressRef := req.DeliveryAddressRef
	if req.DeliveryMethod == models.DeliveryPickup {
		addressRef = ""
	}
	loan := models.LoanRecord{
		LoanUid:            uuid.New().String(),
		TitleUid:           title.TitleUid,
		BranchUid:          title.BranchUid,
		BorrowerID:         caller.ID,
		Status:             models.StatusPending,
		RequestDate:        time.Now(),
		DeliveryMethod:     req.DeliveryMethod,
		DeliveryAddressRef: addressRef,
		Notes:              req.Notes,
	}
	if err := m.db.WithContext(ctx).Create(&loan).Error; err != nil {
		return nil, apperr.Unavailable("create loan: %v", err)
	}
	return &loan, nil
}

// Approve moves PENDING to APPROVED.
func (m *Manager) Approve(ctx context.Context, caller models.Caller, loanUid string) (*models.LoanRecord, error) {
	if !caller.IsStaff() {
		return nil, apperr.Unauthorized("role %s may not approve loans", caller.Role)
	}

	var out models.LoanRecord
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loan, err := loadLoan(tx, loanUid)
		if err != nil {
			return err
		}
		if loan.Status != models.StatusPending {
			return apperr.InvalidTransition("loan %s is %s, cannot approve", loanUid, loan.Status)
		}
		if err := setStatus(tx, loan, models.StatusApproved, map[string]interface{}{
			"handled_by": caller.ID,
		}); err != nil {
			return err
		}
		loan.HandledBy = caller.ID
		out = *loan
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.sink.Publish(events.Event{
		Type:       events.LoanApproved,
		LoanUid:    out.LoanUid,
		BorrowerID: out.BorrowerID,
		OccurredAt: time.Now(),
	})
	return &out, nil
}

// Reject moves PENDING to the terminal REJECTED state.
func (m *Manager) Reject(ctx context.Context, caller models.Caller, loanUid string, reason string) (*models.LoanRecord, error) {
	if !caller.IsStaff() {
		return nil, apperr.Unauthorized("role %s may not reject loans", caller.Role)
	}

	var out models.LoanRecord
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loan, err := loadLoan(tx, loanUid)
		if err != nil {
			return err
		}
		if loan.Status != models.StatusPending {
			return apperr.InvalidTransition("loan %s is %s, cannot reject", loanUid, loan.Status)
		}
		updates := map[string]interface{}{"handled_by": caller.ID}
		if reason != "" {
			updates["notes"] = reason
		}
		if err := setStatus(tx, loan, models.StatusRejected, updates); err != nil {
			return err
		}
		loan.HandledBy = caller.ID
		if reason != "" {
			loan.Notes = reason
		}
		out = *loan
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Borrow hands the copy out: APPROVED to BORROW. Validates the
// delivery choice, reserves a copy, stamps the dates and writes the
// BORROW receipt, all in one transaction.
func (m *Manager) Borrow(ctx context.Context, caller models.Caller, loanUid string) (*models.LoanRecord, *models.Receipt, error) {
	if !caller.IsStaff() {
		return nil, nil, apperr.Unauthorized("role %s may not hand out loans", caller.Role)
	}

	// The address-book lookup can block on a collaborator, so it runs
	// before the transaction opens; the status is re-checked inside.
	loan, err := loadLoan(m.db.WithContext(ctx), loanUid)
	if err != nil {
		return nil, nil, err
	}
	if loan.Status != models.StatusApproved {
		return nil, nil, apperr.InvalidTransition("loan %s is %s, cannot hand out", loanUid, loan.Status)
	}
	if err := delivery.Validate(ctx, m.addresses, loan); err != nil {
		return nil, nil, err
	}

	var out models.LoanRecord
	var receipt *models.Receipt
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loan, err := loadLoan(tx, loanUid)
		if err != nil {
			return err
		}
		if loan.Status != models.StatusApproved {
			return apperr.InvalidTransition("loan %s is %s, cannot hand out", loanUid, loan.Status)
		}
		if err := m.ledger.WithTx(tx).ReserveCopy(ctx, loan.TitleUid); err != nil {
			return err
		}

		now := time.Now()
		due := now.AddDate(0, 0, m.cfg.DefaultLoanDays)
		if err := setStatus(tx, loan, models.StatusBorrow, map[string]interface{}{
			"borrow_date": now,
			"due_date":    due,
			"handled_by":  caller.ID,
		}); err != nil {
			return err
		}
		loan.BorrowDate = &now
		loan.DueDate = &due
		loan.HandledBy = caller.ID

		receipt, err = m.engine.WithTx(tx).GenerateReceipt(ctx, loan, models.ReceiptBorrow, caller.ID)
		if err != nil {
			return err
		}
		out = *loan
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	m.publishReceipt(&out, receipt)
	return &out, receipt, nil
}

// Return takes the copy back: BORROW or OVERDUE to RETURNED. Marking a
// loan overdue never blocks its return. Releases the copy and writes
// the RETURN receipt with any late charge.
func (m *Manager) Return(ctx context.Context, caller models.Caller, loanUid string) (*models.LoanRecord, *models.Receipt, error) {
	if !caller.IsStaff() {
		return nil, nil, apperr.Unauthorized("role %s may not take returns", caller.Role)
	}

	var out models.LoanRecord
	var receipt *models.Receipt
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loan, err := loadLoan(tx, loanUid)
		if err != nil {
			return err
		}
		if loan.Status != models.StatusBorrow && loan.Status != models.StatusOverdue {
			return apperr.InvalidTransition("loan %s is %s, cannot return", loanUid, loan.Status)
		}
		if err := m.ledger.WithTx(tx).ReleaseCopy(ctx, loan.TitleUid); err != nil {
			return err
		}

		now := time.Now()
		if err := setStatus(tx, loan, models.StatusReturned, map[string]interface{}{
			"return_date": now,
			"handled_by":  caller.ID,
		}); err != nil {
			return err
		}
		loan.ReturnDate = &now
		loan.HandledBy = caller.ID

		receipt, err = m.engine.WithTx(tx).GenerateReceipt(ctx, loan, models.ReceiptReturn, caller.ID)
		if err != nil {
			return err
		}
		out = *loan
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	m.publishReceipt(&out, receipt)
	return &out, receipt, nil
}

// MarkOverdue moves BORROW to OVERDUE once the due date has passed.
// Called by the external scanner; has no effect on a later return.
func (m *Manager) MarkOverdue(ctx context.Context, caller models.Caller, loanUid string) (*models.LoanRecord, error) {
	if !caller.IsStaff() {
		return nil, apperr.Unauthorized("role %s may not mark loans overdue", caller.Role)
	}

	var out models.LoanRecord
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loan, err := loadLoan(tx, loanUid)
		if err != nil {
			return err
		}
		if loan.Status != models.StatusBorrow {
			return apperr.InvalidTransition("loan %s is %s, cannot mark overdue", loanUid, loan.Status)
		}
		if loan.DueDate == nil {
			return apperr.Validation("loan %s has no due date", loanUid)
		}
		if !time.Now().After(*loan.DueDate) {
			return apperr.Validation("loan %s is not past due", loanUid)
		}
		if err := setStatus(tx, loan, models.StatusOverdue, nil); err != nil {
			return err
		}
		out = *loan
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.sink.Publish(events.Event{
		Type:       events.LoanOverdue,
		LoanUid:    out.LoanUid,
		BorrowerID: out.BorrowerID,
		OccurredAt: time.Now(),
	})
	return &out, nil
}

// GetLoan returns one loan. Borrowers only see their own records.
func (m *Manager) GetLoan(ctx context.Context, caller models.Caller, loanUid string) (*models.LoanRecord, error) {
	loan, err := loadLoan(m.db.WithContext(ctx), loanUid)
	if err != nil {
		return nil, err
	}
	if !caller.IsStaff() && loan.BorrowerID != caller.ID {
		return nil, apperr.Unauthorized("loan %s belongs to another borrower", loanUid)
	}
	return loan, nil
}

type ListFilter struct {
	BorrowerID string
	Status     models.LoanStatus
	DueBefore  *time.Time
}

// ListLoans returns loans matching the filter. Borrowers are pinned to
// their own records regardless of the filter.
func (m *Manager) ListLoans(ctx context.Context, caller models.Caller, filter ListFilter) ([]models.LoanRecord, error) {
	if !caller.IsStaff() {
		if caller.ID == "" {
			return nil, apperr.Unauthorized("caller identity is required")
		}
		filter.BorrowerID = caller.ID
	}

	query := m.db.WithContext(ctx).Model(&models.LoanRecord{})
	if filter.BorrowerID != "" {
		query = query.Where("borrower_id = ?", filter.BorrowerID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.DueBefore != nil {
		query = query.Where("due_date IS NOT NULL AND due_date < ?", *filter.DueBefore)
	}

	var loans []models.LoanRecord
	if err := query.Order("request_date").Find(&loans).Error; err != nil {
		return nil, apperr.Unavailable("list loans: %v", err)
	}
	return loans, nil
}

func (m *Manager) publishReceipt(loan *models.LoanRecord, receipt *models.Receipt) {
	m.sink.Publish(events.Event{
		Type:       events.ReceiptGenerated,
		LoanUid:    loan.LoanUid,
		BorrowerID: loan.BorrowerID,
		OccurredAt: time.Now(),
		Detail: map[string]interface{}{
			"receiptUid":  receipt.ReceiptUid,
			"kind":        receipt.Kind,
			"totalCharge": receipt.TotalCharge,
		},
	})
}

func loadLoan(tx *gorm.DB, loanUid string) (*models.LoanRecord, error) {
	var loan models.LoanRecord
	if err := tx.Where("loan_uid = ?", loanUid).First(&loan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("loan %s not found", loanUid)
		}
		return nil, apperr.Unavailable("load loan: %v", err)
	}
	return &loan, nil
}

// setStatus applies the transition with a status-conditioned UPDATE so
// a concurrent writer cannot slip between the read and the write.
func setStatus(tx *gorm.DB, loan *models.LoanRecord, to models.LoanStatus, extra map[string]interface{}) error {
	updates := map[string]interface{}{"status": to}
	for k, v := range extra {
		updates[k] = v
	}
	res := tx.Model(&models.LoanRecord{}).
		Where("loan_uid = ? AND status = ?", loan.LoanUid, loan.Status).
		Updates(updates)
	if res.Error != nil {
		return apperr.Unavailable("update loan: %v", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.Conflict("loan %s changed concurrently", loan.LoanUid)
	}
	loan.Status = to
	return nil
}
