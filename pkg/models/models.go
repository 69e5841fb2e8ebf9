package models

import (
	"time"
)

type Role string

const (
	RoleBorrower    Role = "BORROWER"
	RoleBranchStaff Role = "BRANCH_STAFF"
	RoleAdmin       Role = "ADMIN"
)

// Caller is the trusted identity context attached to every core call.
// Authentication happens upstream; the core only reads id and role.
type Caller struct {
	ID   string
	Role Role
}

func (c Caller) IsStaff() bool {
	return c.Role == RoleBranchStaff || c.Role == RoleAdmin
}

type LoanStatus string

const (
	StatusPending  LoanStatus = "PENDING"
	StatusApproved LoanStatus = "APPROVED"
	StatusRejected LoanStatus = "REJECTED"
	StatusBorrow   LoanStatus = "BORROW"
	StatusReturned LoanStatus = "RETURNED"
	StatusOverdue  LoanStatus = "OVERDUE"
)

func (s LoanStatus) Terminal() bool {
	return s == StatusRejected || s == StatusReturned
}

type DeliveryMethod string

const (
	DeliveryPickup  DeliveryMethod = "PICKUP"
	DeliveryCourier DeliveryMethod = "DELIVERY"
)

type ReceiptKind string

const (
	ReceiptBorrow ReceiptKind = "BORROW"
	ReceiptReturn ReceiptKind = "RETURN"
)

type Title struct {
	ID              uint   `gorm:"primaryKey"`
	TitleUid        string `gorm:"type:uuid;uniqueIndex;not null"`
	BranchUid       string `gorm:"type:uuid;index;not null"`
	Name            string `gorm:"not null"`
	Author          string
	Genre           string
	TotalCopies     int `gorm:"not null"`
	AvailableCopies int `gorm:"not null;check:available_copies >= 0 AND available_copies <= total_copies"`
	Version         int `gorm:"not null;default:0"` // optimistic locking
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type LoanRecord struct {
	ID                 uint       `gorm:"primaryKey"`
	LoanUid            string     `gorm:"type:uuid;uniqueIndex;not null"`
	TitleUid           string     `gorm:"type:uuid;index;not null"`
	BranchUid          string     `gorm:"type:uuid;not null"`
	BorrowerID         string     `gorm:"size:80;index;not null"`
	Status             LoanStatus `gorm:"size:20;not null"`
	RequestDate        time.Time
	BorrowDate         *time.Time
	DueDate            *time.Time `gorm:"index"`
	ReturnDate         *time.Time
	DeliveryMethod     DeliveryMethod `gorm:"size:20;not null"`
	DeliveryAddressRef string
	HandledBy          string `gorm:"size:80"`
	Notes              string `gorm:"size:255"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type Receipt struct {
	ID          uint        `gorm:"primaryKey"`
	ReceiptUid  string      `gorm:"type:uuid;uniqueIndex;not null"`
	LoanUid     string      `gorm:"type:uuid;not null;uniqueIndex:idx_receipts_loan_kind"`
	Kind        ReceiptKind `gorm:"size:10;not null;uniqueIndex:idx_receipts_loan_kind"`
	BaseCharge  int         `gorm:"not null"`
	ExtraDays   int         `gorm:"not null"`
	ExtraCharge int         `gorm:"not null"`
	TotalCharge int         `gorm:"not null"`
	GeneratedBy string      `gorm:"size:80"`
	GeneratedAt time.Time
	IsPrinted   bool
	PrintedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type ConditionRecord struct {
	ID               uint     `gorm:"primaryKey"`
	LoanUid          string   `gorm:"type:uuid;uniqueIndex;not null"`
	BeforePhotos     []string `gorm:"serializer:json"`
	AfterPhotos      []string `gorm:"serializer:json"`
	BeforeNotes      string   `gorm:"size:255"`
	AfterNotes       string   `gorm:"size:255"`
	BeforeRecordedAt *time.Time
	AfterRecordedAt  *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
