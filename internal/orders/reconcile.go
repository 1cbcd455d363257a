package orders

import (
	"slices"

	"fulfillment/internal/saga"
)

// Reconcile maps the statuses reported by both participants to the next order
// status. ok is false when the pair does not determine one yet.
func Reconcile(payment saga.PaymentStatus, reserve saga.ReserveStatus) (next Status, ok bool) {
	switch {
	case payment == saga.PaymentInsufficient || reserve == saga.ReserveInsufficient:
		return StatusInsufficient, true
	case payment == saga.PaymentHold && reserve == saga.ReserveApproved:
		return StatusApproved, true
	case payment == saga.PaymentPaid && reserve == saga.ReserveReleased:
		return StatusReleased, true
	}
	return "", false
}

type reconciler func(saga.PaymentStatus, saga.ReserveStatus) (Status, bool)

// accepting narrows Reconcile to the statuses an operation may produce.
func accepting(outcomes ...Status) reconciler {
	return func(payment saga.PaymentStatus, reserve saga.ReserveStatus) (Status, bool) {
		next, ok := Reconcile(payment, reserve)
		if !ok || !slices.Contains(outcomes, next) {
			return "", false
		}
		return next, true
	}
}

func reconcileCancel(payment saga.PaymentStatus, reserve saga.ReserveStatus) (Status, bool) {
	if payment == saga.PaymentCancelled && reserve == saga.ReserveCancelled {
		return StatusCancelled, true
	}
	return "", false
}
