package reply

import (
	"context"
	"fmt"
	"log/slog"
)

// operation is one forward step of a saga with an optional compensation
// that undoes it.
type operation struct {
	name       string
	fn         func(context.Context) error
	compensate func(context.Context) error
}

// saga runs operations in order. When one fails, the compensations of the
// operations that already succeeded run in reverse order.
type saga struct {
	ops []operation
	log *slog.Logger
}

func newSaga(log *slog.Logger) *saga {
	return &saga{log: log}
}

// add appends a step. compensate may be nil.
func (s *saga) add(name string, fn, compensate func(context.Context) error) {
	s.ops = append(s.ops, operation{name: name, fn: fn, compensate: compensate})
}

func (s *saga) execute(ctx context.Context) error {
	for i, op := range s.ops {
		if err := op.fn(ctx); err != nil {
			n := s.rollback(ctx, i)
			return fmt.Errorf("%s: %w (compensated %d steps)", op.name, err, n)
		}
	}
	return nil
}

// rollback compensates the operations before failedAt. Compensations run
// detached from ctx: a cancelled caller must not leave a half-done saga.
func (s *saga) rollback(ctx context.Context, failedAt int) int {
	ctx = context.WithoutCancel(ctx)

	var n int
	for i := failedAt - 1; i >= 0; i-- {
		op := s.ops[i]
		if op.compensate == nil {
			continue
		}
		if err := op.compensate(ctx); err != nil {
			s.log.Error("compensation failed", "step", op.name, "err", err)
			continue
		}
		n++
	}
	return n
}
