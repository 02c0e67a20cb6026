package gmail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/daviddao/outreach/internal/metrics"
	"github.com/daviddao/outreach/internal/types"
)

// Call runs one provider operation under deadline d and records its
// outcome under op. A missed deadline is reported as
// types.ErrProviderTimeout. A non-positive d leaves ctx as is.
func Call[T any](ctx context.Context, d time.Duration, op string,
	fn func(context.Context) (T, error)) (T, error) {

	if d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	v, err := fn(ctx)
	switch {
	case err == nil:
		metrics.RecordProviderCall(op, "ok")
	case errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, types.ErrProviderTimeout):
		err = fmt.Errorf("%s: %w: %w", op, types.ErrProviderTimeout, err)
		metrics.RecordProviderCall(op, "timeout")
	case errors.Is(err, types.ErrProviderTimeout):
		metrics.RecordProviderCall(op, "timeout")
	default:
		metrics.RecordProviderCall(op, "error")
	}
	return v, err
}
