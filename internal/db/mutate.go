package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/daviddao/outreach/internal/types"
)

// maxMutateAttempts bounds how often Mutate retries a lost write race.
const maxMutateAttempts = 5

// Mutate loads a record, applies fn and writes it back, retrying on
// ErrConflict with a fresh copy. fn must be safe to run more than once and
// should only derive the new state from the record it is given.
func Mutate(ctx context.Context, s RecordStore, userID, id string,
	fn func(rec *types.OutreachRecord) error) (*types.OutreachRecord, error) {

	var lastErr error
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rec, err := s.GetRecord(ctx, userID, id)
		if err != nil {
			return nil, err
		}
		if err := fn(rec); err != nil {
			return nil, err
		}

		err = s.UpdateRecord(ctx, rec)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, types.ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("mutate %s after %d attempts: %w", id,
		maxMutateAttempts, lastErr)
}
