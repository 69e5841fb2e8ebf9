// Package delivery validates the delivery-method/address choice on a
// loan. It owns no storage; the address book is an external
// collaborator and the core only ever sees an opaque reference.
package delivery

import (
	"context"

	"lendcore/pkg/apperr"
	"lendcore/pkg/models"
)

// AddressBook answers whether an address reference belongs to a
// borrower. Implementations live outside the core.
type AddressBook interface {
	Owns(ctx context.Context, borrowerID, addressRef string) (bool, error)
}

// Validate checks the loan's delivery choice. DELIVERY needs an
// address reference owned by the borrower; PICKUP ignores it.
func Validate(ctx context.Context, book AddressBook, loan *models.LoanRecord) error {
	switch loan.DeliveryMethod {
	case models.DeliveryPickup:
		return nil
	case models.DeliveryCourier:
		if loan.DeliveryAddressRef == "" {
			return apperr.MissingAddress("loan %s has no delivery address", loan.LoanUid)
		}
		if book == nil {
			return nil
		}
		owned, err := book.Owns(ctx, loan.BorrowerID, loan.DeliveryAddressRef)
		if err != nil {
			return apperr.Unavailable("address lookup: %v", err)
		}
		if !owned {
			return apperr.MissingAddress("address %s does not belong to borrower %s", loan.DeliveryAddressRef, loan.BorrowerID)
		}
		return nil
	default:
		return apperr.Validation("unknown delivery method %q", loan.DeliveryMethod)
	}
}
