package order

import (
	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
)

// transitions is the order lifecycle graph. Partial may repeat while the
// cumulative fill stays below the requested quantity.
var transitions = map[models.OrderStatus][]models.OrderStatus{
	models.StatusNew:     {models.StatusRouted, models.StatusRejected, models.StatusCancelled},
	models.StatusRouted:  {models.StatusPartial, models.StatusFilled, models.StatusCancelled, models.StatusRejected},
	models.StatusPartial: {models.StatusPartial, models.StatusFilled, models.StatusCancelled},
}

func CanTransition(from, to models.OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to models.OrderStatus) error {
	if !CanTransition(from, to) {
		return &errs.StateError{Entity: "order", From: from.String(), To: to.String()}
	}
	return nil
}
