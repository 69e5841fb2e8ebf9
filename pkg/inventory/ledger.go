// Package inventory owns the per-title copy counts and the bound
// invariant 0 <= available <= total. The Title row is the sole
// serialization point: every mutation is a conditional UPDATE guarded
// by the row's version column.
package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"lendcore/pkg/apperr"
	"lendcore/pkg/models"
)

// How often a lost version check is retried before giving up.
const maxAttempts = 3

type Availability struct {
	TitleUid  string
	Total     int
	Available int
}

type Ledger struct {
	db *gorm.DB
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// WithTx returns a ledger bound to an open transaction so that copy
// mutations commit or roll back together with the caller's writes.
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	return &Ledger{db: tx}
}

func (l *Ledger) CreateTitle(ctx context.Context, caller models.Caller, branchUid, name, author, genre string, totalCopies int) (*models.Title, error) {
	if !caller.IsStaff() {
		return nil, apperr.Unauthorized("role %s may not create titles", caller.Role)
	}
	if name == "" {
		return nil, apperr.Validation("title name is required")
	}
	if branchUid == "" {
		return nil, apperr.Validation("branchUid is required")
	}
	if totalCopies < 0 {
		return nil, apperr.Validation("totalCopies must not be negative")
	}

	title := models.Title{
		TitleUid:        uuid.New().String(),
		BranchUid:       branchUid,
		Name:            name,
		Author:          author,
		Genre:           genre,
		TotalCopies:     totalCopies,
		AvailableCopies: totalCopies,
	}
	if err := l.db.WithContext(ctx).Create(&title).Error; err != nil {
		return nil, apperr.Unavailable("create title: %v", err)
	}
	return &title, nil
}

func (l *Ledger) GetAvailability(ctx context.Context, titleUid string) (Availability, error) {
	title, err := l.load(ctx, titleUid)
	if err != nil {
		return Availability{}, err
	}
	return Availability{
		TitleUid:  title.TitleUid,
		Total:     title.TotalCopies,
		Available: title.AvailableCopies,
	}, nil
}

// AdjustTotalCopies moves the total to newTotal and shifts the
// available count by the same delta, clamped to [0, newTotal].
func (l *Ledger) AdjustTotalCopies(ctx context.Context, caller models.Caller, titleUid string, newTotal int) (Availability, error) {
	if !caller.IsStaff() {
		return Availability{}, apperr.Unauthorized("role %s may not adjust copies", caller.Role)
	}
	if newTotal < 0 {
		return Availability{}, apperr.Validation("totalCopies must not be negative")
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		title, err := l.load(ctx, titleUid)
		if err != nil {
			return Availability{}, err
		}

		newAvailable := clamp(title.AvailableCopies+(newTotal-title.TotalCopies), 0, newTotal)
		res := l.db.WithContext(ctx).Model(&models.Title{}).
			Where("title_uid = ? AND version = ?", titleUid, title.Version).
			Updates(map[string]interface{}{
				"total_copies":     newTotal,
				"available_copies": newAvailable,
				"version":          gorm.Expr("version + 1"),
				"updated_at":       time.Now(),
			})
		if res.Error != nil {
			return Availability{}, apperr.Unavailable("adjust copies: %v", res.Error)
		}
		if res.RowsAffected == 1 {
			return Availability{TitleUid: titleUid, Total: newTotal, Available: newAvailable}, nil
		}
	}
	return Availability{}, apperr.Conflict("title %s changed concurrently", titleUid)
}

// ReserveCopy takes one copy off the shelf. Under N simultaneous calls
// against a single remaining copy exactly one succeeds; the rest see
// OutOfStock once the winner's write lands.
func (l *Ledger) ReserveCopy(ctx context.Context, titleUid string) error {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		title, err := l.load(ctx, titleUid)
		if err != nil {
			return err
		}
		if title.AvailableCopies <= 0 {
			return apperr.OutOfStock("no copies of title %s available", titleUid)
		}

		res := l.db.WithContext(ctx).Model(&models.Title{}).
			Where("title_uid = ? AND version = ? AND available_copies > 0", titleUid, title.Version).
			Updates(map[string]interface{}{
				"available_copies": gorm.Expr("available_copies - 1"),
				"version":          gorm.Expr("version + 1"),
				"updated_at":       time.Now(),
			})
		if res.Error != nil {
			return apperr.Unavailable("reserve copy: %v", res.Error)
		}
		if res.RowsAffected == 1 {
			return nil
		}
	}
	return apperr.Conflict("lost reservation race for title %s", titleUid)
}

// ReleaseCopy puts one copy back, capped at the current total.
func (l *Ledger) ReleaseCopy(ctx context.Context, titleUid string) error {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		title, err := l.load(ctx, titleUid)
		if err != nil {
			return err
		}
		if title.AvailableCopies >= title.TotalCopies {
			return nil
		}

		res := l.db.WithContext(ctx).Model(&models.Title{}).
			Where("title_uid = ? AND version = ? AND available_copies < total_copies", titleUid, title.Version).
			Updates(map[string]interface{}{
				"available_copies": gorm.Expr("available_copies + 1"),
				"version":          gorm.Expr("version + 1"),
				"updated_at":       time.Now(),
			})
		if res.Error != nil {
			return apperr.Unavailable("release copy: %v", res.Error)
		}
		if res.RowsAffected == 1 {
			return nil
		}
	}
	return apperr.Conflict("lost release race for title %s", titleUid)
}

func (l *Ledger) load(ctx context.Context, titleUid string) (*models.Title, error) {
	var title models.Title
	if err := l.db.WithContext(ctx).Where("title_uid = ?", titleUid).First(&title).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("title %s not found", titleUid)
		}
		return nil, apperr.Unavailable("load title: %v", err)
	}
	return &title, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
