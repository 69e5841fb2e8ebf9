// Package billing computes and stores the immutable charge receipts a
// loan transition produces. One receipt per (loan, kind); only the
// print flag may change after the row is written.
package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"lendcore/pkg/apperr"
	"lendcore/pkg/models"
)

// Config carries the charge constants. BasePeriodDays is billing
// semantics only; the default loan period is a separate lifecycle
// constant and the two must not be unified.
type Config struct {
	BaseCharge     int
	BasePeriodDays int
	PerDayLateRate int
}

func DefaultConfig() Config {
	return Config{
		BaseCharge:     70,
		BasePeriodDays: 7,
		PerDayLateRate: 2,
	}
}

type Engine struct {
	db  *gorm.DB
	cfg Config
}

func NewEngine(db *gorm.DB, cfg Config) *Engine {
	return &Engine{db: db, cfg: cfg}
}

func (e *Engine) WithTx(tx *gorm.DB) *Engine {
	return &Engine{db: tx, cfg: e.cfg}
}

// GenerateReceipt writes the receipt for one loan transition. A second
// call for the same (loan, kind) pair fails DuplicateReceipt and
// leaves the stored row untouched.
func (e *Engine) GenerateReceipt(ctx context.Context, loan *models.LoanRecord, kind models.ReceiptKind, generatedBy string) (*models.Receipt, error) {
	var existing models.Receipt
	err := e.db.WithContext(ctx).Where("loan_uid = ? AND kind = ?", loan.LoanUid, kind).First(&existing).Error
	if err == nil {
		return nil, apperr.DuplicateReceipt("receipt %s already exists for loan %s", kind, loan.LoanUid)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Unavailable("lookup receipt: %v", err)
	}

	extraDays := 0
	if kind == models.ReceiptReturn {
		if loan.DueDate == nil || loan.ReturnDate == nil {
			return nil, apperr.Validation("loan %s has no due or return date", loan.LoanUid)
		}
		extraDays = lateDays(*loan.ReturnDate, *loan.DueDate)
	}
	extraCharge := extraDays * e.cfg.PerDayLateRate

	receipt := models.Receipt{
		ReceiptUid:  uuid.New().String(),
		LoanUid:     loan.LoanUid,
		Kind:        kind,
		BaseCharge:  e.cfg.BaseCharge,
		ExtraDays:   extraDays,
		ExtraCharge: extraCharge,
		TotalCharge: e.cfg.BaseCharge + extraCharge,
		GeneratedBy: generatedBy,
		GeneratedAt: time.Now(),
	}
	if err := e.db.WithContext(ctx).Create(&receipt).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.DuplicateReceipt("receipt %s already exists for loan %s", kind, loan.LoanUid)
		}
		return nil, apperr.Unavailable("create receipt: %v", err)
	}
	return &receipt, nil
}

// UpdateReceipt flips the print flag and stamps printedAt. Every
// charge field stays as written.
func (e *Engine) UpdateReceipt(ctx context.Context, caller models.Caller, receiptUid string, isPrinted bool) (*models.Receipt, error) {
	if !caller.IsStaff() {
		return nil, apperr.Unauthorized("role %s may not update receipts", caller.Role)
	}

	var receipt models.Receipt
	if err := e.db.WithContext(ctx).Where("receipt_uid = ?", receiptUid).First(&receipt).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("receipt %s not found", receiptUid)
		}
		return nil, apperr.Unavailable("load receipt: %v", err)
	}

	receipt.IsPrinted = isPrinted
	if isPrinted {
		now := time.Now()
		receipt.PrintedAt = &now
	} else {
		receipt.PrintedAt = nil
	}
	err := e.db.WithContext(ctx).Model(&receipt).
		Select("is_printed", "printed_at").
		Updates(map[string]interface{}{
			"is_printed": receipt.IsPrinted,
			"printed_at": receipt.PrintedAt,
		}).Error
	if err != nil {
		return nil, apperr.Unavailable("update receipt: %v", err)
	}
	return &receipt, nil
}

func (e *Engine) GetReceipt(ctx context.Context, receiptUid string) (*models.Receipt, error) {
	var receipt models.Receipt
	if err := e.db.WithContext(ctx).Where("receipt_uid = ?", receiptUid).First(&receipt).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("receipt %s not found", receiptUid)
		}
		return nil, apperr.Unavailable("load receipt: %v", err)
	}
	return &receipt, nil
}

func (e *Engine) ReceiptsForLoan(ctx context.Context, loanUid string) ([]models.Receipt, error) {
	var receipts []models.Receipt
	if err := e.db.WithContext(ctx).Where("loan_uid = ?", loanUid).Order("generated_at").Find(&receipts).Error; err != nil {
		return nil, apperr.Unavailable("list receipts: %v", err)
	}
	return receipts, nil
}

// lateDays counts started 24h periods past the due date.
func lateDays(returned, due time.Time) int {
	if !returned.After(due) {
		return 0
	}
	d := returned.Sub(due)
	days := int(d / (24 * time.Hour))
	if d%(24*time.Hour) != 0 {
		days++
	}
	return days
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "duplicate key")
}
