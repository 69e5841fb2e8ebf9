package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"lendcore/pkg/apperr"
	"lendcore/pkg/billing"
	"lendcore/pkg/events"
	"lendcore/pkg/inventory"
	"lendcore/pkg/models"
)

func setupTestDB() *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		panic("failed to connect test database")
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	db.AutoMigrate(&models.Title{}, &models.LoanRecord{}, &models.Receipt{}, &models.ConditionRecord{})
	return db
}

type fakeAddressBook struct {
	owners map[string]string
	err    error
}

func (f *fakeAddressBook) Owns(_ context.Context, borrowerID, addressRef string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.owners[addressRef] == borrowerID, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingSink) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) byType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

var (
	staff    = models.Caller{ID: "staff-1", Role: models.RoleBranchStaff}
	admin    = models.Caller{ID: "admin-1", Role: models.RoleAdmin}
	borrower = models.Caller{ID: "reader-1", Role: models.RoleBorrower}
)

func newTestManager(db *gorm.DB) (*Manager, *recordingSink, *fakeAddressBook) {
	sink := &recordingSink{}
	book := &fakeAddressBook{owners: map[string]string{"addr-1": borrower.ID}}
	return NewManager(db, DefaultConfig(), billing.DefaultConfig(), book, sink), sink, book
}

func seedTitle(t *testing.T, db *gorm.DB, total int) *models.Title {
	t.Helper()
	title, err := inventory.NewLedger(db).CreateTitle(context.Background(), staff, "branch-1", "Test Title", "Test Author", "Fiction", total)
	assert.NoError(t, err)
	return title
}

func requestLoan(t *testing.T, m *Manager, titleUid string) *models.LoanRecord {
	t.Helper()
	loan, err := m.RequestLoan(context.Background(), borrower, LoanRequest{
		TitleUid:       titleUid,
		DeliveryMethod: models.DeliveryPickup,
	})
	assert.NoError(t, err)
	return loan
}

func availableCopies(t *testing.T, db *gorm.DB, titleUid string) int {
	t.Helper()
	availability, err := inventory.NewLedger(db).GetAvailability(context.Background(), titleUid)
	assert.NoError(t, err)
	return availability.Available
}

func rewindDueDate(db *gorm.DB, loanUid string, daysLate int) {
	// leave a minute of slack so ceil() lands on exactly daysLate
	due := time.Now().Add(-time.Duration(daysLate)*24*time.Hour + time.Minute)
	db.Model(&models.LoanRecord{}).Where("loan_uid = ?", loanUid).Update("due_date", due)
}

func TestRequestLoanCreatesPending(t *testing.T) {
	db := setupTestDB()
	manager, _, _ := newTestManager(db)
	title := seedTitle(t, db, 1)

	loan := requestLoan(t, manager, title.TitleUid)
	assert.Equal(t, models.StatusPending, loan.Status)
	assert.Equal(t, borrower.ID, loan.BorrowerID)
	assert.Equal(t, title.BranchUid, loan.BranchUid)
	assert.Nil(t, loan.BorrowDate)
}

func TestRequestLoanUnknownTitle(t *testing.T) {
	db := setupTestDB()
	manager, _, _ := newTestManager(db)

	_, err := manager.RequestLoan(context.Background(), borrower, LoanRequest{
		TitleUid:       "missing-title",
		DeliveryMethod: models.DeliveryPickup,
	})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestRequestLoanUnknownMethod(t *testing.T) {
	db := setupTestDB()
	manager, _, _ := newTestManager(db)
	title := seedTitle(t, db, 1)

	_, err := manager.RequestLoan(context.Background(), borrower, LoanRequest{
		TitleUid:       title.TitleUid,
		DeliveryMethod: "DRONE",
	})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestRequestLoanPickupDropsAddressRef(t *testing.T) {
	db := setupTestDB()
	manager, _, _ := newTestManager(db)
	title := seedTitle(t, db, 1)

	loan, err := manager.RequestLoan(context.Background(), borrower, LoanRequest{
		TitleUid:           title.TitleUid,
		DeliveryMethod:     models.DeliveryPickup,
		DeliveryAddressRef: "addr-1",
	})
	assert.NoError(t, err)
	assert.Empty(t, loan.DeliveryAddressRef)
}

func TestApprove(t *testing.T) {
	db := setupTestDB()
	manager, sink, _ := newTestManager(db)
	title := seedTitle(t, db, 1)
	loan := requestLoan(t, manager, title.TitleUid)

	approved, err := manager.Approve(context.Background(), staff, loan.LoanUid)
	assert.NoError(t, err)
	assert.Equal(t, models.StatusApproved, approved.Status)
	assert.Equal(t, staff.ID, approved.HandledBy)
	assert.Len(t, sink.byType(events.LoanApproved), 1)

	// approval itself must not touch the shelf
	assert.Equal(t, 1, availableCopies(t, db, title.TitleUid))
}

func TestApproveUnauthorized(t *testing.T) {
	db := setupTestDB()
	manager, _, _ := newTestManager(db)
	title := seedTitle(t, db, 1)
	loan := requestLoan(t, manager, title.TitleUid)

	_, err := manager.Approve(context.Background(), borrower, loan.LoanUid)
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))
}

func TestRejectIsTerminal(t *testing.T) {
	db := setupTestDB()
	manager, _, _ := newTestManager(db)
	title := seedTitle(t, db, 1)
	loan := requestLoan(t, manager, title.TitleUid)

	rejected, err := manager.Reject(context.Background(), admin, loan.LoanUid, "branch closing")
	assert.NoError(t, err)
	assert.Equal(t, models.StatusRejected, rejected.Status)
	assert.Equal(t, "branch closing", rejected.Notes)

	_, err = manager.Approve(context.Background(), staff, loan.LoanUid)
	assert.True(t, apperr.Is(err, apperr.KindInvalidTransition))
}

func TestBorrowHandoff(t *testing.T) {
	db := setupTestDB()
	manager, sink, _ := newTestManager(db)
	title := seedTitle(t, db, 1)
	loan := requestLoan(t, manager, title.TitleUid)

	_, err := manager.Approve(context.Background(), staff, loan.LoanUid)
	assert.NoError(t, err)

	borrowed, receipt, err := manager.Borrow(context.Background(), staff, loan.LoanUid)
	assert.NoError(t, err)
	assert.Equal(t, models.StatusBorrow, borrowed.Status)
	assert.NotNil(t, borrowed.BorrowDate)
	assert.NotNil(t, borrowed.DueDate)
	assert.WithinDuration(t, borrowed.BorrowDate.AddDate(0, 0, 14), *borrowed.DueDate, time.Second)

	assert.Equal(t, models.ReceiptBorrow, receipt.Kind)
	assert.Equal(t, 70, receipt.TotalCharge)
	assert.Equal(t, 0, availableCopies(t, db, title.TitleUid))
	assert.Len(t, sink.byType(events.ReceiptGenerated), 1)
}

func TestBorrowLastCopyRace(t *testing.T) {
	db := setupTestDB()
	manager, _, _ := newTestManager(db)
	title := seedTitle(t, db, 1)

	loanA := requestLoan(t, manager, title.TitleUid)
	loanB := requestLoan(t, manager, title.TitleUid)
	_, err := manager.Approve(context.Background(), staff, loanA.LoanUid)
	assert.NoError(t, err)
	_, err = manager.Approve(context.Background(), staff, loanB.LoanUid)
	assert.NoError(t, err)

	_, _, err = manager.Borrow(context.Background(), staff, loanA.LoanUid)
	assert.NoError(t, err)

	_, _, err = manager.Borrow(context.Background(), staff, loanB.LoanUid)
	assert.True(t, apperr.Is(err, apperr.KindOutOfStock))

	stored, err := manager.GetLoan(context.Background(), staff, loanB.LoanUid)
	assert.NoError(t, err)
	assert.Equal(t, models.StatusApproved, stored.Status)
	assert.Equal(t, 0, availableCopies(t, db, title.TitleUid))
}

func TestBorrowDeliveryWithoutAddress(t *testing.T) {
	db := setupTestDB()
	manager, _, _ := newTestManager(db)
	title := seedTitle(t, db, 1)

	loan, err := manager.RequestLoan(context.Background(), borrower, LoanRequest{
		TitleUid:       title.TitleUid,
		DeliveryMethod: models.DeliveryCourier,
	})
	assert.NoError(t, err)
	_, err = manager.Approve(context.Background(), staff, loan.LoanUid)
	assert.NoError(t, err)

	_, _, err = manager.Borrow(context.Background(), staff, loan.LoanUid)
	assert.True(t, apperr.Is(err, apperr.KindMissingAddress))

	stored, _ := manager.GetLoan(context.Background(), staff, loan.LoanUid)
	assert.Equal(t, models.StatusApproved, stored.Status)
	assert.Equal(t, 1, availableCopies(t, db, title.TitleUid))
}

func TestBorrowDeliveryWithOwnedAddress(t *testing.T) {
	db := setupTestDB()
	manager, _, _ := newTestManager(db)
	title := seedTitle(t, db, 1)

	loan, err := manager.RequestLoan(context.Background(), borrower, LoanRequest{
		TitleUid:           title.TitleUid,
		DeliveryMethod:     models.DeliveryCourier,
		DeliveryAddressRef: "addr-1",
	})
	assert.NoError(t, err)
	_, err = manager.Approve(context.Background(), staff, loan.LoanUid)
	assert.NoError(t, err)

	borrowed, _, err := manager.Borrow(context.Background(), staff, loan.LoanUid)
	assert.NoError(t, err)
	assert.Equal(t, models.StatusBorrow, borrowed.Status)
}

func TestBorrowAddressBookDown(t *testing.T) {
	db := setupTestDB()
	manager, _, book := newTestManager(db)
	book.err = errors.New("connection refused")
	title := seedTitle(t, db, 1)

	loan, err := manager.RequestLoan(context.Background(), borrower, LoanRequest{
		TitleUid:           title.TitleUid,
		DeliveryMethod:     models.DeliveryCourier,
		DeliveryAddressRef: "addr-1",
	})
	assert.NoError(t, err)
	_, err = manager.Approve(context.Background(), staff, loan.LoanUid)
	assert.NoError(t, err)

	_, _, err = manager.Borrow(context.Background(), staff, loan.LoanUid)
	assert.True(t, apperr.Is(err, apperr.KindUnavailable))

	stored, _ := manager.GetLoan(context.Background(), staff, loan.LoanUid)
	assert.Equal(t, models.StatusApproved, stored.Status)
	assert.Equal(t, 1, availableCopies(t, db, title.TitleUid))
}

func TestBorrowCancelledContext(t *testing.T) {
	db := setupTestDB()
	manager, _, _ := newTestManager(db)
	title := seedTitle(t, db, 1)
	loan := requestLoan(t, manager, title.TitleUid)

	_, err := manager.Approve(context.Background(), staff, loan.LoanUid)
	assert.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = manager.Borrow(ctx, staff, loan.LoanUid)
	assert.Error(t, err)

	// the aborted transition leaves nothing behind
	stored, _ := manager.GetLoan(context.Background(), staff, loan.LoanUid)
	assert.Equal(t, models.StatusApproved, stored.Status)
	assert.Nil(t, stored.BorrowDate)
	assert.Equal(t, 1, availableCopies(t, db, title.TitleUid))
}

func TestBorrowRollsBackOnReceiptFailure(t *testing.T) {
	db := setupTestDB()
	manager, _, _ := newTestManager(db)
	title := seedTitle(t, db, 1)
	loan := requestLoan(t, manager, title.TitleUid)

	_, err := manager.Approve(context.Background(), staff, loan.LoanUid)
	assert.NoError(t, err)

	// a receipt already on file forces the billing step to fail after
	// the copy was reserved; the whole transition must roll back
	db.Create(&models.Receipt{
		ReceiptUid:  "pre-existing",
		LoanUid:     loan.LoanUid,
		Kind:        models.ReceiptBorrow,
		BaseCharge:  70,
		TotalCharge: 70,
		GeneratedAt: time.Now(),
	})

	_, _, err = manager.Borrow(context.Background(), staff, loan.LoanUid)
	assert.True(t, apperr.Is(err, apperr.KindDuplicateReceipt))

	stored, _ := manager.GetLoan(context.Background(), staff, loan.LoanUid)
	assert.Equal(t, models.StatusApproved, stored.Status)
	assert.Equal(t, 1, availableCopies(t, db, title.TitleUid))
	assert.Nil(t, stored.BorrowDate)
}

func TestReturnRoundTrip(t *testing.T) {
	db := setupTestDB()
	manager, _, _ := newTestManager(db)
	title := seedTitle(t, db, 1)
	loan := requestLoan(t, manager, title.TitleUid)

	_, err := manager.Approve(context.Background(), staff, loan.LoanUid)
	assert.NoError(t, err)
	_, _, err = manager.Borrow(context.Background(), staff, loan.LoanUid)
	assert.NoError(t, err)

	returned, receipt, err := manager.Return(context.Background(), staff, loan.LoanUid)
	assert.NoError(t, err)
	assert.Equal(t, models.StatusReturned, returned.Status)
	assert.NotNil(t, returned.ReturnDate)
	assert.Equal(t, models.ReceiptReturn, receipt.Kind)
	assert.Equal(t, 0, receipt.ExtraDays)
	assert.Equal(t, 70, receipt.TotalCharge)

	assert.Equal(t, 1, availableCopies(t, db, title.TitleUid))
}

func TestReturnSixDaysLate(t *testing.T) {
	db := setupTestDB()
	manager, _, _ := newTestManager(db)
	title := seedTitle(t, db, 1)
	loan := requestLoan(t, manager, title.TitleUid)

	_, err := manager.Approve(context.Background(), staff, loan.LoanUid)
	assert.NoError(t, err)
	_, _, err = manager.Borrow(context.Background(), staff, loan.LoanUid)
	assert.NoError(t, err)
	rewindDueDate(db, loan.LoanUid, 6)

	_, receipt, err := manager.Return(context.Background(), staff, loan.LoanUid)
	assert.NoError(t, err)
	assert.Equal(t, 6, receipt.ExtraDays)
	assert.Equal(t, 12, receipt.ExtraCharge)
	assert.Equal(t, 82, receipt.TotalCharge)
	assert.Equal(t, 1, availableCopies(t, db, title.TitleUid))
}

func TestMarkOverdue(t *testing.T) {
	db := setupTestDB()
	manager, sink, _ := newTestManager(db)
	title := seedTitle(t, db, 1)
	loan := requestLoan(t, manager, title.TitleUid)

	_, err := manager.Approve(context.Background(), staff, loan.LoanUid)
	assert.NoError(t, err)
	_, _, err = manager.Borrow(context.Background(), staff, loan.LoanUid)
	assert.NoError(t, err)

	// not yet past due
	_, err = manager.MarkOverdue(context.Background(), admin, loan.LoanUid)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	rewindDueDate(db, loan.LoanUid, 2)
	overdue, err := manager.MarkOverdue(context.Background(), admin, loan.LoanUid)
	assert.NoError(t, err)
	assert.Equal(t, models.StatusOverdue, overdue.Status)
	assert.Len(t, sink.byType(events.LoanOverdue), 1)

	// idempotent callers get a clean rejection
	_, err = manager.MarkOverdue(context.Background(), admin, loan.LoanUid)
	assert.True(t, apperr.Is(err, apperr.KindInvalidTransition))
}

func TestOverdueDoesNotBlockReturn(t *testing.T) {
	db := setupTestDB()
	manager, _, _ := newTestManager(db)
	title := seedTitle(t, db, 1)
	loan := requestLoan(t, manager, title.TitleUid)

	_, err := manager.Approve(context.Background(), staff, loan.LoanUid)
	assert.NoError(t, err)
	_, _, err = manager.Borrow(context.Background(), staff, loan.LoanUid)
	assert.NoError(t, err)
	rewindDueDate(db, loan.LoanUid, 3)
	_, err = manager.MarkOverdue(context.Background(), admin, loan.LoanUid)
	assert.NoError(t, err)

	returned, receipt, err := manager.Return(context.Background(), staff, loan.LoanUid)
	assert.NoError(t, err)
	assert.Equal(t, models.StatusReturned, returned.Status)
	assert.Equal(t, 3, receipt.ExtraDays)
	assert.Equal(t, 1, availableCopies(t, db, title.TitleUid))
}

func TestIllegalEdges(t *testing.T) {
	db := setupTestDB()
	manager, _, _ := newTestManager(db)
	title := seedTitle(t, db, 2)

	pending := requestLoan(t, manager, title.TitleUid)

	// PENDING -> RETURNED
	_, _, err := manager.Return(context.Background(), staff, pending.LoanUid)
	assert.True(t, apperr.Is(err, apperr.KindInvalidTransition))

	// PENDING -> BORROW
	_, _, err = manager.Borrow(context.Background(), staff, pending.LoanUid)
	assert.True(t, apperr.Is(err, apperr.KindInvalidTransition))

	// RETURNED -> BORROW
	done := requestLoan(t, manager, title.TitleUid)
	_, err = manager.Approve(context.Background(), staff, done.LoanUid)
	assert.NoError(t, err)
	_, _, err = manager.Borrow(context.Background(), staff, done.LoanUid)
	assert.NoError(t, err)
	_, _, err = manager.Return(context.Background(), staff, done.LoanUid)
	assert.NoError(t, err)
	_, _, err = manager.Borrow(context.Background(), staff, done.LoanUid)
	assert.True(t, apperr.Is(err, apperr.KindInvalidTransition))

	stored, _ := manager.GetLoan(context.Background(), staff, done.LoanUid)
	assert.Equal(t, models.StatusReturned, stored.Status)
}

func TestGetLoanOwnership(t *testing.T) {
	db := setupTestDB()
	manager, _, _ := newTestManager(db)
	title := seedTitle(t, db, 1)
	loan := requestLoan(t, manager, title.TitleUid)

	_, err := manager.GetLoan(context.Background(), borrower, loan.LoanUid)
	assert.NoError(t, err)

	stranger := models.Caller{ID: "reader-2", Role: models.RoleBorrower}
	_, err = manager.GetLoan(context.Background(), stranger, loan.LoanUid)
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))

	_, err = manager.GetLoan(context.Background(), staff, loan.LoanUid)
	assert.NoError(t, err)
}

func TestListLoansFilters(t *testing.T) {
	db := setupTestDB()
	manager, _, _ := newTestManager(db)
	title := seedTitle(t, db, 2)

	loanA := requestLoan(t, manager, title.TitleUid)
	_ = requestLoan(t, manager, title.TitleUid)
	_, err := manager.Approve(context.Background(), staff, loanA.LoanUid)
	assert.NoError(t, err)
	_, _, err = manager.Borrow(context.Background(), staff, loanA.LoanUid)
	assert.NoError(t, err)
	rewindDueDate(db, loanA.LoanUid, 1)

	now := time.Now()
	due, err := manager.ListLoans(context.Background(), staff, ListFilter{
		Status:    models.StatusBorrow,
		DueBefore: &now,
	})
	assert.NoError(t, err)
	assert.Len(t, due, 1)
	assert.Equal(t, loanA.LoanUid, due[0].LoanUid)

	// borrowers are pinned to their own loans
	other := models.Caller{ID: "reader-2", Role: models.RoleBorrower}
	mine, err := manager.ListLoans(context.Background(), other, ListFilter{})
	assert.NoError(t, err)
	assert.Empty(t, mine)
}

func TestListLoansRequiresIdentity(t *testing.T) {
	db := setupTestDB()
	manager, _, _ := newTestManager(db)
	title := seedTitle(t, db, 1)
	requestLoan(t, manager, title.TitleUid)

	anonymous := models.Caller{Role: models.RoleBorrower}
	_, err := manager.ListLoans(context.Background(), anonymous, ListFilter{})
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))
}
