package orders

import (
	"errors"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"fulfillment/internal/saga"
)

// CreateRequest carries everything needed to start an order saga.
type CreateRequest struct {
	CustomerID     string
	Delivery       Delivery
	Items          []saga.Item
	TwoPhaseCommit bool
}

func (r CreateRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.CustomerID, validation.Required),
		validation.Field(&r.Items, validation.Required, validation.Each(validation.By(validateItem)), validation.By(uniqueItems)),
		validation.Field(&r.Delivery),
	)
}

func (d Delivery) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Type, validation.Required, validation.In(DeliveryPickup, DeliveryCourier)),
		validation.Field(&d.Address, validation.When(d.Type == DeliveryCourier, validation.Required)),
	)
}

func validateItem(value any) error {
	item, ok := value.(saga.Item)
	if !ok {
		return errors.New("must be an item")
	}
	return validation.ValidateStruct(&item,
		validation.Field(&item.ID, validation.Required),
		validation.Field(&item.Amount, validation.Required, validation.Min(int32(1))),
	)
}

// uniqueItems rejects an item listed twice; stored items are keyed by id.
func uniqueItems(value any) error {
	items, _ := value.([]saga.Item)
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if _, ok := seen[it.ID]; ok {
			return fmt.Errorf("item %s is listed more than once", it.ID)
		}
		seen[it.ID] = struct{}{}
	}
	return nil
}
