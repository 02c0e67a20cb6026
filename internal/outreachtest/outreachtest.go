// Package outreachtest provides in-memory collaborators shared by package
// tests: a sqlite store, a scripted mailbox and a controllable clock.
package outreachtest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/daviddao/outreach/internal/db"
	"github.com/daviddao/outreach/internal/gmail"
	"github.com/daviddao/outreach/internal/types"
	"github.com/stretchr/testify/require"
)

// Logger discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewStore opens a migrated in-memory sqlite store closed with the test.
func NewStore(t testing.TB) *db.Store {
	t.Helper()

	s, err := db.Open(db.Config{Driver: db.DriverSQLite, DSN: ":memory:"}, Logger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// SeedUser inserts a user whose mailbox address is userID@example.com.
func SeedUser(t testing.TB, s db.UserStore, userID string, credits int64) *types.User {
	t.Helper()

	u := &types.User{ID: userID, Email: userID + "@example.com", Credits: credits}
	require.NoError(t, s.UpsertUser(context.Background(), u))
	return u
}

// SeedRecord inserts rec and returns it with its version set.
func SeedRecord(t testing.TB, s db.RecordStore, rec *types.OutreachRecord) *types.OutreachRecord {
	t.Helper()

	require.NoError(t, s.InsertRecord(context.Background(), rec))
	return rec
}

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Mailbox operation names, used to inject errors and count calls.
const (
	OpDraftExists         = "DraftExists"
	OpLatestThreadMessage = "LatestThreadMessage"
	OpMessageMeta         = "MessageMeta"
	OpMessageBody         = "MessageBody"
	OpCreateDraft         = "CreateDraft"
	OpFindSentThread      = "FindSentThread"
	OpHistory             = "History"
)

type historyEntry struct {
	id    uint64
	msgID string
}

// Mailbox is a scripted gmail.Mailbox.
type Mailbox struct {
	mu sync.Mutex

	self     string
	drafts   map[string]bool
	threads  map[string][]string
	messages map[string]*gmail.Message
	bodies   map[string]string
	history  []historyEntry

	// expiredBefore makes History fail for older start pointers.
	expiredBefore uint64

	created []gmail.DraftInput
	calls   map[string]int
	errs    map[string]error
}

var _ gmail.Mailbox = (*Mailbox)(nil)

func NewMailbox(self string) *Mailbox {
	return &Mailbox{
		self:     self,
		drafts:   make(map[string]bool),
		threads:  make(map[string][]string),
		messages: make(map[string]*gmail.Message),
		bodies:   make(map[string]string),
		calls:    make(map[string]int),
		errs:     make(map[string]error),
	}
}

// SetDraft marks a draft as present or gone.
func (m *Mailbox) SetDraft(id string, exists bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drafts[id] = exists
}

// AddMessage files msg under its thread with an optional body.
func (m *Mailbox) AddMessage(msg *gmail.Message, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *msg
	m.messages[msg.ID] = &cp
	m.threads[msg.ThreadID] = append(m.threads[msg.ThreadID], msg.ID)
	if body != "" {
		m.bodies[msg.ID] = body
	}
}

// AddHistory records that msgIDs were added at history pointer id.
func (m *Mailbox) AddHistory(id uint64, msgIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msgID := range msgIDs {
		m.history = append(m.history, historyEntry{id: id, msgID: msgID})
	}
}

// ExpireHistoryBefore makes History reject start pointers below id.
func (m *Mailbox) ExpireHistoryBefore(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiredBefore = id
}

// FailOn makes op return err until cleared with a nil err.
func (m *Mailbox) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, op)
		return
	}
	m.errs[op] = err
}

// Calls returns how often op was invoked.
func (m *Mailbox) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Created returns the drafts created so far.
func (m *Mailbox) Created() []gmail.DraftInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]gmail.DraftInput(nil), m.created...)
}

func (m *Mailbox) enter(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[op]++
	return m.errs[op]
}

func (m *Mailbox) Address() string {
	return m.self
}

func (m *Mailbox) DraftExists(ctx context.Context, draftID string) (bool, error) {
	if err := m.enter(OpDraftExists); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drafts[draftID], ctx.Err()
}

func (m *Mailbox) LatestThreadMessage(ctx context.Context, threadID string) (*gmail.Message, error) {
	if err := m.enter(OpLatestThreadMessage); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *gmail.Message
	for _, id := range m.threads[threadID] {
		msg := m.messages[id]
		if msg.IsDraft() {
			continue
		}
		if latest == nil || !msg.At.Before(latest.At) {
			latest = msg
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("thread %s: %w", threadID, types.ErrNotFound)
	}
	cp := *latest
	return &cp, nil
}

func (m *Mailbox) MessageMeta(ctx context.Context, messageID string) (*gmail.Message, error) {
	if err := m.enter(OpMessageMeta); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageID]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", messageID, types.ErrNotFound)
	}
	cp := *msg
	return &cp, nil
}

func (m *Mailbox) MessageBody(ctx context.Context, messageID string) (string, error) {
	if err := m.enter(OpMessageBody); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if body, ok := m.bodies[messageID]; ok {
		return body, nil
	}
	if msg, ok := m.messages[messageID]; ok {
		return msg.Snippet, nil
	}
	return "", fmt.Errorf("message %s: %w", messageID, types.ErrNotFound)
}

func (m *Mailbox) CreateDraft(ctx context.Context, in gmail.DraftInput) (*gmail.Draft, error) {
	if err := m.enter(OpCreateDraft); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.created = append(m.created, in)
	n := len(m.created)
	d := &gmail.Draft{
		ID:        fmt.Sprintf("draft-%d", n),
		MessageID: fmt.Sprintf("draft-msg-%d", n),
		ThreadID:  in.ThreadID,
	}
	d.URL = "https://mail.example.com/drafts/" + d.MessageID
	m.drafts[d.ID] = true
	return d, nil
}

func (m *Mailbox) FindSentThread(ctx context.Context, to, subject string) (*gmail.Message, error) {
	if err := m.enter(OpFindSentThread); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var found *gmail.Message
	for _, msg := range m.messages {
		if msg.IsDraft() || !msg.FromSelf(m.self) || msg.Subject != subject {
			continue
		}
		for _, addr := range msg.To {
			if gmail.NormalizeAddress(addr) == gmail.NormalizeAddress(to) &&
				(found == nil || msg.At.After(found.At)) {
				found = msg
			}
		}
	}
	if found == nil {
		return nil, fmt.Errorf("sent to %s: %w", to, types.ErrNotFound)
	}
	cp := *found
	return &cp, nil
}

func (m *Mailbox) History(ctx context.Context, start uint64) (*gmail.HistoryPage, error) {
	if err := m.enter(OpHistory); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if start < m.expiredBefore {
		return nil, fmt.Errorf("history since %d: %w", start, gmail.ErrHistoryExpired)
	}

	entries := append([]historyEntry(nil), m.history...)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].id < entries[j].id })

	page := &gmail.HistoryPage{HistoryID: start}
	seen := make(map[string]bool)
	for _, e := range entries {
		if e.id <= start {
			continue
		}
		if !seen[e.msgID] {
			seen[e.msgID] = true
			page.MessageIDs = append(page.MessageIDs, e.msgID)
		}
		if e.id > page.HistoryID {
			page.HistoryID = e.id
		}
	}
	return page, nil
}

// Connector hands out scripted mailboxes by user id.
type Connector struct {
	mu    sync.Mutex
	boxes map[string]*Mailbox
	err   error
	calls int
}

var _ gmail.Connector = (*Connector)(nil)

func NewConnector() *Connector {
	return &Connector{boxes: make(map[string]*Mailbox)}
}

// Add registers the mailbox for userID.
func (c *Connector) Add(userID string, mb *Mailbox) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.boxes[userID] = mb
}

// Fail makes every Connect return err. A nil err restores normal behavior.
func (c *Connector) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// Calls returns the number of Connect calls.
func (c *Connector) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *Connector) Connect(_ context.Context, userID string) (gmail.Mailbox, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	mb, ok := c.boxes[userID]
	if !ok {
		return nil, fmt.Errorf("no mailbox for %s: %w", userID, types.ErrNotConnected)
	}
	return mb, nil
}

// Notifier collects change notifications.
type Notifier struct {
	mu      sync.Mutex
	changes []*types.OutreachRecord
}

func (n *Notifier) RecordChanged(rec *types.OutreachRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, rec)
}

// Changes returns the notified records in order.
func (n *Notifier) Changes() []*types.OutreachRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*types.OutreachRecord(nil), n.changes...)
}
