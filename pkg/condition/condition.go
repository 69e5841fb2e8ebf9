// Package condition records before/after physical-condition evidence
// for a loan. Photo references are opaque and kept in the order they
// were submitted; each side may be attached at most once.
package condition

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"lendcore/pkg/apperr"
	"lendcore/pkg/models"
)

type Registry struct {
	db *gorm.DB
}

func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{db: db}
}

// RecordBefore attaches handoff evidence. Permitted once per loan,
// only after the loan has reached BORROW.
func (r *Registry) RecordBefore(ctx context.Context, caller models.Caller, loan *models.LoanRecord, photos []string, notes string) (*models.ConditionRecord, error) {
	if !caller.IsStaff() {
		return nil, apperr.Unauthorized("role %s may not record condition evidence", caller.Role)
	}
	if len(photos) == 0 {
		return nil, apperr.Validation("at least one photo reference is required")
	}
	if !reachedBorrow(loan.Status) {
		return nil, apperr.Validation("loan %s has not been handed out yet", loan.LoanUid)
	}

	record, err := r.loadOrInit(ctx, loan.LoanUid)
	if err != nil {
		return nil, err
	}
	if record.BeforeRecordedAt != nil {
		return nil, apperr.Conflict("handoff evidence already recorded for loan %s", loan.LoanUid)
	}

	now := time.Now()
	record.BeforePhotos = photos
	record.BeforeNotes = notes
	record.BeforeRecordedAt = &now
	if err := r.db.WithContext(ctx).Save(record).Error; err != nil {
		return nil, apperr.Unavailable("save condition record: %v", err)
	}
	return record, nil
}

// RecordAfter attaches return evidence. Permitted once per loan, only
// after the loan is RETURNED.
func (r *Registry) RecordAfter(ctx context.Context, caller models.Caller, loan *models.LoanRecord, photos []string, notes string) (*models.ConditionRecord, error) {
	if !caller.IsStaff() {
		return nil, apperr.Unauthorized("role %s may not record condition evidence", caller.Role)
	}
	if len(photos) == 0 {
		return nil, apperr.Validation("at least one photo reference is required")
	}
	if loan.Status != models.StatusReturned {
		return nil, apperr.Validation("loan %s has not been returned yet", loan.LoanUid)
	}

	record, err := r.loadOrInit(ctx, loan.LoanUid)
	if err != nil {
		return nil, err
	}
	if record.AfterRecordedAt != nil {
		return nil, apperr.Conflict("return evidence already recorded for loan %s", loan.LoanUid)
	}

	now := time.Now()
	record.AfterPhotos = photos
	record.AfterNotes = notes
	record.AfterRecordedAt = &now
	if err := r.db.WithContext(ctx).Save(record).Error; err != nil {
		return nil, apperr.Unavailable("save condition record: %v", err)
	}
	return record, nil
}

func (r *Registry) Get(ctx context.Context, loanUid string) (*models.ConditionRecord, error) {
	var record models.ConditionRecord
	if err := r.db.WithContext(ctx).Where("loan_uid = ?", loanUid).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("no condition record for loan %s", loanUid)
		}
		return nil, apperr.Unavailable("load condition record: %v", err)
	}
	return &record, nil
}

func (r *Registry) loadOrInit(ctx context.Context, loanUid string) (*models.ConditionRecord, error) {
	var record models.ConditionRecord
	err := r.db.WithContext(ctx).Where("loan_uid = ?", loanUid).First(&record).Error
	if err == nil {
		return &record, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.ConditionRecord{LoanUid: loanUid}, nil
	}
	return nil, apperr.Unavailable("load condition record: %v", err)
}

// reachedBorrow reports whether the loan has passed the handoff point;
// OVERDUE and RETURNED both imply an earlier BORROW.
func reachedBorrow(s models.LoanStatus) bool {
	return s == models.StatusBorrow || s == models.StatusOverdue || s == models.StatusReturned
}
