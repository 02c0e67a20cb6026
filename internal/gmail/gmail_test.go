package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/daviddao/outreach/internal/types"
	"github.com/stretchr/testify/require"
	gm "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// newTestClient serves the Gmail REST API from mux.
func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	svc, err := gm.NewService(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)

	return NewClient(svc, "me@example.com")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, code int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"code":%d,"message":"%s","errors":[{"reason":"%s"}]}}`,
		code, reason, reason)
}

func TestDraftExists(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/drafts/live", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"id": "live"})
	})
	mux.HandleFunc("/gmail/v1/users/me/drafts/gone", func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusNotFound, "notFound")
	})
	mux.HandleFunc("/gmail/v1/users/me/drafts/busy", func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusTooManyRequests, "rateLimitExceeded")
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	ok, err := c.DraftExists(ctx, "live")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.DraftExists(ctx, "gone")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = c.DraftExists(ctx, "busy")
	require.ErrorIs(t, err, types.ErrRateLimited)
}

func TestLatestThreadMessage(t *testing.T) {
	header := func(name, value string) map[string]string {
		return map[string]string{"name": name, "value": value}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/threads/t1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"id": "t1",
			"messages": []map[string]any{
				{
					"id": "m1", "threadId": "t1", "internalDate": "1000",
					"labelIds": []string{"SENT"},
					"payload": map[string]any{"headers": []any{
						header("From", "Me <me@example.com>"),
					}},
				},
				{
					"id": "m3", "threadId": "t1", "internalDate": "3000",
					"snippet": "sounds good",
					"labelIds": []string{"INBOX", "UNREAD"},
					"payload": map[string]any{"headers": []any{
						header("From", "Ada Lovelace <Ada@Example.com>"),
						header("To", "me@example.com"),
						header("Subject", "Re: Coffee?"),
						header("Message-ID", "<m3@mail>"),
					}},
				},
				{
					"id": "m4", "threadId": "t1", "internalDate": "4000",
					"snippet": "Thanks Ada (draft)",
					"labelIds": []string{"DRAFT"},
					"payload": map[string]any{"headers": []any{
						header("From", "me@example.com"),
					}},
				},
				{
					"id": "m2", "threadId": "t1", "internalDate": "2000",
					"payload": map[string]any{"headers": []any{
						header("From", "me@example.com"),
					}},
				},
			},
		})
	})
	mux.HandleFunc("/gmail/v1/users/me/threads/empty", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"id": "empty"})
	})
	mux.HandleFunc("/gmail/v1/users/me/threads/drafts", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"id": "drafts",
			"messages": []map[string]any{
				{"id": "d1", "threadId": "drafts", "internalDate": "1000", "labelIds": []string{"DRAFT"}},
			},
		})
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	m, err := c.LatestThreadMessage(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "m3", m.ID)
	require.Equal(t, "<m3@mail>", m.MessageID)
	require.Equal(t, "Re: Coffee?", m.Subject)
	require.Equal(t, []string{"me@example.com"}, m.To)
	require.Equal(t, time.UnixMilli(3000).UTC(), m.At)
	require.False(t, m.FromSelf(c.Address()))

	_, err = c.LatestThreadMessage(ctx, "empty")
	require.ErrorIs(t, err, types.ErrNotFound)

	_, err = c.LatestThreadMessage(ctx, "drafts")
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestMessageLabels(t *testing.T) {
	draft := &Message{From: "me@example.com", Labels: []string{"DRAFT"}}
	require.True(t, draft.IsDraft())
	require.False(t, draft.Sent())
	require.True(t, draft.FromSelf("me@example.com"))

	sent := &Message{From: "Me <ME@example.com>", Labels: []string{"SENT"}}
	require.True(t, sent.Sent())
	require.False(t, sent.IsDraft())

	inbox := &Message{From: "ada@x.com", Labels: []string{"INBOX"}}
	require.False(t, inbox.Sent())
	require.False(t, inbox.FromSelf("me@example.com"))
}

func TestHistoryExpired(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("startHistoryId") == "1" {
			writeAPIError(w, http.StatusNotFound, "notFound")
			return
		}
		writeJSON(w, map[string]any{
			"historyId": "42",
			"history": []map[string]any{
				{"messagesAdded": []map[string]any{
					{"message": map[string]any{"id": "a"}},
					{"message": map[string]any{"id": "b"}},
				}},
				{"messagesAdded": []map[string]any{
					{"message": map[string]any{"id": "a"}},
				}},
			},
		})
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	page, err := c.History(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, page.MessageIDs)
	require.EqualValues(t, 42, page.HistoryID)

	_, err = c.History(ctx, 1)
	require.ErrorIs(t, err, ErrHistoryExpired)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"deadline", context.DeadlineExceeded, types.ErrProviderTimeout},
		{"unauthorized", &googleapi.Error{Code: 401}, types.ErrNotConnected},
		{"forbidden", &googleapi.Error{Code: 403}, types.ErrNotConnected},
		{"quota", &googleapi.Error{
			Code:   403,
			Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}},
		}, types.ErrRateLimited},
		{"server", &googleapi.Error{Code: 500}, types.ErrProvider},
		{"other", errors.New("boom"), types.ErrProvider},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classify("op", tc.err)
			require.ErrorIs(t, err, tc.want)
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestNormalizeAddress(t *testing.T) {
	require.Equal(t, "ada@example.com", NormalizeAddress("Ada <Ada@Example.COM>"))
	require.Equal(t, "ada@example.com", NormalizeAddress("  ada@example.com "))
	require.Equal(t, "weird@host", NormalizeAddress("broken \"name <weird@host>"))
	require.Empty(t, NormalizeAddress(""))

	require.Equal(t, []string{"a@x.com", "b@y.com"},
		AddressList(`"A" <A@x.com>, b@Y.com`))
	require.Nil(t, AddressList(" "))
}

func TestComposeRawReply(t *testing.T) {
	raw, err := composeRaw("me@example.com", DraftInput{
		To:         "ada@example.com",
		Subject:    ReplySubject("Coffee?"),
		Body:       "Tuesday works.",
		HTMLBody:   "<p>Tuesday works.</p>",
		InReplyTo:  "<m3@mail>",
		References: "<m1@mail>",
	})
	require.NoError(t, err)

	decoded, err := base64.URLEncoding.DecodeString(raw)
	require.NoError(t, err)
	msg := string(decoded)

	require.Contains(t, msg, "Subject: Re: Coffee?")
	require.Contains(t, msg, "In-Reply-To: <m3@mail>")
	require.Contains(t, msg, "References: <m1@mail> <m3@mail>")
	require.Contains(t, msg, "multipart/alternative")
	require.Contains(t, msg, "Tuesday works.")

	require.Equal(t, "Re: hi", ReplySubject(" hi "))
	require.Equal(t, "RE: hi", ReplySubject("RE: hi"))
}

func TestExtractBody(t *testing.T) {
	enc := func(s string) string {
		return base64.URLEncoding.EncodeToString([]byte(s))
	}

	nested := &gm.MessagePart{
		MimeType: "multipart/mixed",
		Parts: []*gm.MessagePart{{
			MimeType: "multipart/alternative",
			Parts: []*gm.MessagePart{
				{MimeType: "text/html", Body: &gm.MessagePartBody{Data: enc("<b>hi</b>")}},
				{MimeType: "text/plain", Body: &gm.MessagePartBody{Data: enc("hi?")}},
			},
		}},
	}
	require.Equal(t, "hi?", extractBody(nested))

	htmlOnly := &gm.MessagePart{Parts: []*gm.MessagePart{
		{MimeType: "text/html", Body: &gm.MessagePartBody{Data: enc("<b>hi</b>")}},
	}}
	require.Equal(t, "<b>hi</b>", extractBody(htmlOnly))

	unpadded := strings.TrimRight(enc("ab"), "=")
	got, err := decodeBase64URL(unpadded)
	require.NoError(t, err)
	require.Equal(t, "ab", got)
}

func TestCallDeadline(t *testing.T) {
	_, err := Call(context.Background(), 10*time.Millisecond, "draft_exists",
		func(ctx context.Context) (bool, error) {
			<-ctx.Done()
			return false, ctx.Err()
		})
	require.ErrorIs(t, err, types.ErrProviderTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	v, err := Call(context.Background(), 0, "profile",
		func(context.Context) (string, error) { return "me@example.com", nil })
	require.NoError(t, err)
	require.Equal(t, "me@example.com", v)
}
