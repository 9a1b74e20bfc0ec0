package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corpwell/campaigner/internal/domain"
	"github.com/corpwell/campaigner/internal/render"
	"github.com/corpwell/campaigner/internal/resume"
)

// plainRenderer is enough for engine tests; rendering itself is covered in
// the render package.
type plainRenderer struct{}

func (plainRenderer) Render(r domain.Recipient, spec domain.CampaignSpec) render.RenderedMessage {
	return render.RenderedMessage{Subject: spec.Subject, HTMLBody: "<p>" + r.FullName + "</p>"}
}

// scriptedSender records sends and fails the addresses it is told to fail.
type scriptedSender struct {
	mu         sync.Mutex
	sent       []string
	failFor    map[string]string // email -> reason
	delay      time.Duration
	inFlight   int64
	maxFlight  int64
	started    chan string   // when set, announces each send before it proceeds
	waitToSend chan struct{} // when set, each send blocks until a receive
}

func (s *scriptedSender) Send(ctx context.Context, sender domain.SenderIdentity, r domain.Recipient, msg render.RenderedMessage) domain.Outcome {
	cur := atomic.AddInt64(&s.inFlight, 1)
	for {
		max := atomic.LoadInt64(&s.maxFlight)
		if cur <= max || atomic.CompareAndSwapInt64(&s.maxFlight, max, cur) {
			break
		}
	}
	defer atomic.AddInt64(&s.inFlight, -1)

	if s.started != nil {
		s.started <- r.Email
	}
	if s.waitToSend != nil {
		<-s.waitToSend
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	s.mu.Lock()
	s.sent = append(s.sent, r.Email)
	reason, fail := s.failFor[r.Email]
	s.mu.Unlock()

	if fail {
		return domain.Failed(reason)
	}
	return domain.DeliveredOutcome
}

func (s *scriptedSender) sentEmails() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func recipients(n int) []domain.Recipient {
	out := make([]domain.Recipient, n)
	for i := range out {
		out[i] = domain.Recipient{Email: string(rune('a'+i)) + "@example.com"}
	}
	return out
}

func testSpec() domain.CampaignSpec {
	return domain.CampaignSpec{
		Name:    "launch",
		Subject: "hello",
		Sender:  domain.SenderIdentity{Address: "sender@example.com", Credential: "pw", Host: "relay.example.com", Port: 587},
	}
}

func TestRunAllDelivered(t *testing.T) {
	sender := &scriptedSender{}
	store, _ := resume.NewFileStore(t.TempDir())
	e := New(plainRenderer{}, sender, store, Config{ConcurrencyCap: 2, CheckpointBatch: 1})

	var progress []float64
	summary, err := e.Run(context.Background(), testSpec(), recipients(3), func(completed, total int) {
		progress = append(progress, float64(completed)/float64(total))
	})
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Delivered)
	assert.Equal(t, 0, summary.Failed)
	assert.Len(t, summary.Results, 3)
	assert.False(t, summary.Cancelled)

	// Progress is monotonic and reaches 1.0 exactly once, on the final
	// completion.
	require.Len(t, progress, 3)
	ones := 0
	for i, p := range progress {
		if i > 0 {
			assert.GreaterOrEqual(t, p, progress[i-1])
		}
		if p == 1.0 {
			ones++
		}
	}
	assert.Equal(t, 1, ones)

	// Checkpoint is deleted once the run completes.
	_, ok, err := store.Load(context.Background(), summary.RunID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunRecordsFailureWithoutAborting(t *testing.T) {
	recs := recipients(3)
	sender := &scriptedSender{failFor: map[string]string{recs[1].Email: "relay rejected"}}
	e := New(plainRenderer{}, sender, nil, DefaultConfig())

	summary, err := e.Run(context.Background(), testSpec(), recs, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Delivered)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 3, summary.Delivered+summary.Failed)

	outcome := summary.Results[recs[1].Key()]
	assert.False(t, outcome.Delivered())
	assert.NotEmpty(t, outcome.Reason)
}

func TestRunExactlyOneOutcomePerRecipient(t *testing.T) {
	recs := recipients(20)
	sender := &scriptedSender{delay: time.Millisecond}
	e := New(plainRenderer{}, sender, nil, Config{ConcurrencyCap: 7})

	summary, err := e.Run(context.Background(), testSpec(), recs, nil)
	require.NoError(t, err)

	assert.Len(t, summary.Results, 20)
	assert.Equal(t, 20, summary.Delivered+summary.Failed)
	assert.Len(t, sender.sentEmails(), 20, "each recipient gets exactly one attempt")
}

func TestRunRespectsConcurrencyCap(t *testing.T) {
	for _, cap := range []int{1, 3, 20} {
		sender := &scriptedSender{delay: 2 * time.Millisecond}
		e := New(plainRenderer{}, sender, nil, Config{ConcurrencyCap: cap})

		_, err := e.Run(context.Background(), testSpec(), recipients(26), nil)
		require.NoError(t, err)
		assert.LessOrEqual(t, atomic.LoadInt64(&sender.maxFlight), int64(cap),
			"cap %d exceeded", cap)
	}
}

func TestRunEngineFatalErrors(t *testing.T) {
	sender := &scriptedSender{}

	e := New(plainRenderer{}, sender, nil, DefaultConfig())
	_, err := e.Run(context.Background(), testSpec(), nil, nil)
	assert.ErrorIs(t, err, ErrNoRecipients)

	e = New(plainRenderer{}, sender, nil, Config{ConcurrencyCap: -1})
	_, err = e.Run(context.Background(), testSpec(), recipients(2), nil)
	assert.ErrorIs(t, err, ErrBadConcurrency)

	spec := testSpec()
	spec.Sender.Address = "not-an-address"
	e = New(plainRenderer{}, sender, nil, DefaultConfig())
	_, err = e.Run(context.Background(), spec, recipients(2), nil)
	assert.ErrorIs(t, err, ErrBadSender)

	// Nothing was sent in any of the rejected invocations.
	assert.Empty(t, sender.sentEmails())
}

func TestRunCancelCheckpointsAndResumes(t *testing.T) {
	recs := recipients(5)
	store, err := resume.NewFileStore(t.TempDir())
	require.NoError(t, err)

	gate := make(chan struct{})
	sender := &scriptedSender{started: make(chan string), waitToSend: gate}
	e := New(plainRenderer{}, sender, store, Config{ConcurrencyCap: 1, CheckpointBatch: 100})

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		summary *domain.Summary
		err     error
	}
	done := make(chan result, 1)
	go func() {
		summary, runErr := e.Run(ctx, testSpec(), recs, nil)
		done <- result{summary, runErr}
	}()

	// Let the first send finish, cancel while the second is in flight, then
	// release it. The in-flight send completes; the worker stops before
	// claiming a third.
	<-sender.started
	gate <- struct{}{}
	<-sender.started
	cancel()
	gate <- struct{}{}

	res := <-done
	require.NoError(t, res.err)
	summary := res.summary
	assert.True(t, summary.Cancelled)
	assert.Equal(t, 2, summary.Cursor)

	cp, ok, err := store.Load(context.Background(), summary.RunID)
	require.NoError(t, err)
	require.True(t, ok, "cancel must save a checkpoint")
	assert.Equal(t, 2, cp.Cursor)
	assert.Len(t, cp.Recipients, 5)

	// Resume: only indices 2, 3, 4 are sent.
	resumedSender := &scriptedSender{}
	e2 := New(plainRenderer{}, resumedSender, store, Config{ConcurrencyCap: 2})
	resumed, err := e2.Resume(context.Background(), testSpec(), cp, nil)
	require.NoError(t, err)

	assert.False(t, resumed.Cancelled)
	assert.Equal(t, 3, resumed.Delivered+resumed.Failed)
	sent := resumedSender.sentEmails()
	assert.ElementsMatch(t, []string{recs[2].Email, recs[3].Email, recs[4].Email}, sent)
	for _, early := range []string{recs[0].Email, recs[1].Email} {
		assert.NotContains(t, sent, early, "recipient below cursor must not be re-sent")
	}
}

func TestRunProgressReportedOnResume(t *testing.T) {
	recs := recipients(4)
	cp := domain.Checkpoint{RunID: "r1", Recipients: recs, Cursor: 2}

	sender := &scriptedSender{}
	e := New(plainRenderer{}, sender, nil, Config{ConcurrencyCap: 1})

	var progress []float64
	summary, err := e.Resume(context.Background(), testSpec(), cp, func(completed, total int) {
		progress = append(progress, float64(completed)/float64(total))
	})
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Cursor)
	require.Len(t, progress, 2)
	assert.Equal(t, 0.75, progress[0])
	assert.Equal(t, 1.0, progress[1])
}

func TestRunCheckpointsPerBatch(t *testing.T) {
	store := &countingStore{inner: mustFileStore(t)}
	sender := &scriptedSender{}
	e := New(plainRenderer{}, sender, store, Config{ConcurrencyCap: 1, CheckpointBatch: 2})

	_, err := e.Run(context.Background(), testSpec(), recipients(6), nil)
	require.NoError(t, err)

	// Initial save plus one per completed batch of 2 (the final batch's
	// save may be skipped by completion, which deletes instead).
	assert.GreaterOrEqual(t, store.saves, 3)
	assert.Equal(t, 1, store.deletes)
}

func TestRunRetriesCheckpointAfterSaveFailure(t *testing.T) {
	store := &flakyStore{inner: mustFileStore(t), failCursors: map[int]bool{2: true}}
	sender := &scriptedSender{}
	e := New(plainRenderer{}, sender, store, Config{ConcurrencyCap: 1, CheckpointBatch: 2})

	_, err := e.Run(context.Background(), testSpec(), recipients(6), nil)
	require.NoError(t, err)

	// The batch boundary at cursor 2 fails; the very next completion must
	// retry instead of waiting out another full batch.
	saved := store.savedCursors()
	assert.Contains(t, saved, 3)
	assert.NotContains(t, saved, 2)
	require.NotEmpty(t, saved)
	assert.Equal(t, 0, saved[0], "initial durability point")
}

func TestRunCountsDuplicateAddressesPerAttempt(t *testing.T) {
	recs := []domain.Recipient{
		{Email: "dup@example.com", FullName: "First"},
		{Email: "dup@example.com", FullName: "Second"},
		{Email: "other@example.com"},
	}
	sender := &scriptedSender{}
	e := New(plainRenderer{}, sender, nil, Config{ConcurrencyCap: 1})

	summary, err := e.Run(context.Background(), testSpec(), recs, nil)
	require.NoError(t, err)

	assert.Equal(t, len(recs), summary.Delivered+summary.Failed)
	assert.Len(t, summary.Results, 2, "one outcome per identity key")
	assert.Len(t, sender.sentEmails(), 3, "every roster row gets its attempt")
}

func TestResumeRejectsCorruptCheckpoint(t *testing.T) {
	e := New(plainRenderer{}, &scriptedSender{}, nil, DefaultConfig())
	cp := domain.Checkpoint{RunID: "r1", Recipients: recipients(2), Cursor: 5}
	_, err := e.Resume(context.Background(), testSpec(), cp, nil)
	assert.Error(t, err)
}

// countingStore wraps a real store to observe checkpoint traffic.
type countingStore struct {
	inner   resume.Store
	mu      sync.Mutex
	saves   int
	deletes int
}

func (c *countingStore) Save(ctx context.Context, cp domain.Checkpoint) error {
	c.mu.Lock()
	c.saves++
	c.mu.Unlock()
	return c.inner.Save(ctx, cp)
}

func (c *countingStore) Load(ctx context.Context, runID string) (domain.Checkpoint, bool, error) {
	return c.inner.Load(ctx, runID)
}

func (c *countingStore) Delete(ctx context.Context, runID string) error {
	c.mu.Lock()
	c.deletes++
	c.mu.Unlock()
	return c.inner.Delete(ctx, runID)
}

// flakyStore fails Save once per listed cursor, then behaves normally.
type flakyStore struct {
	inner       resume.Store
	mu          sync.Mutex
	failCursors map[int]bool
	saved       []int
}

func (f *flakyStore) Save(ctx context.Context, cp domain.Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCursors[cp.Cursor] {
		delete(f.failCursors, cp.Cursor)
		return errors.New("checkpoint store unavailable")
	}
	f.saved = append(f.saved, cp.Cursor)
	return f.inner.Save(ctx, cp)
}

func (f *flakyStore) Load(ctx context.Context, runID string) (domain.Checkpoint, bool, error) {
	return f.inner.Load(ctx, runID)
}

func (f *flakyStore) Delete(ctx context.Context, runID string) error {
	return f.inner.Delete(ctx, runID)
}

func (f *flakyStore) savedCursors() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.saved...)
}

func mustFileStore(t *testing.T) resume.Store {
	t.Helper()
	s, err := resume.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return s
}
