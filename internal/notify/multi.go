package notify

import (
	"context"
	"errors"

	"github.com/berniyo/condo-qrpay/internal/qrpay"
)

// Multi fans a response out to every notifier and joins their errors.
type Multi []qrpay.Notifier

// Notify calls every notifier even when an earlier one fails.
func (m Multi) Notify(ctx context.Context, resp qrpay.Response) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, resp); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
