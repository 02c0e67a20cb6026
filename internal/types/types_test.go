package types

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/daviddao/outreach/internal/stage"
	"github.com/stretchr/testify/require"
)

func TestClassifySyncError(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		err  error
		code string
		is   error
	}{
		{fmt.Errorf("connect: %w", ErrNotConnected), CodeGmailDisconnected, ErrNotConnected},
		{fmt.Errorf("draft: %w", ErrRateLimited), CodeRateLimited, ErrRateLimited},
		{fmt.Errorf("thread: %w", ErrNotFound), CodeNotFound, ErrNotFound},
		{fmt.Errorf("thread: %w", ErrProviderTimeout), CodeTimeout, ErrProviderTimeout},
		{context.Canceled, CodeGmailError, ErrProvider},
	}
	for _, tt := range tests {
		se := ClassifySyncError(tt.err, at)
		require.Equal(t, tt.code, se.Code)
		require.Equal(t, at, se.At)
		require.True(t, errors.Is(se, tt.is), "code %s", tt.code)
	}

	require.Nil(t, ClassifySyncError(nil, at))
}

func TestApplyStamps(t *testing.T) {
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := first.Add(time.Hour)

	r := &OutreachRecord{Stage: stage.DraftCreated, EmailSentAt: first}
	r.ApplyStamps(stage.Transition{
		To:     stage.WaitingOnReply,
		Stamps: map[stage.Stamp]time.Time{stage.StampEmailSent: later},
	})
	require.Equal(t, stage.WaitingOnReply, r.Stage)
	require.Equal(t, first, r.EmailSentAt, "automatic stamp must not rewrite")

	r.ApplyStamps(stage.Transition{
		To:        stage.WaitingOnReply,
		Overwrite: true,
		Stamps:    map[stage.Stamp]time.Time{stage.StampEmailSent: later},
	})
	require.Equal(t, later, r.EmailSentAt)
}

func TestActivityAt(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := &OutreachRecord{CreatedAt: created}
	require.Equal(t, created, r.ActivityAt())

	r.EmailSentAt = created.Add(time.Hour)
	require.Equal(t, r.EmailSentAt, r.ActivityAt())

	r.LastActivityAt = created.Add(2 * time.Hour)
	require.Equal(t, r.LastActivityAt, r.ActivityAt())
}
