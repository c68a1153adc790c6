package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"social-publisher/internal/events"
	"social-publisher/internal/models"
	"social-publisher/internal/publisher"
	"social-publisher/internal/store"
	"social-publisher/internal/tenant"
)

// fakeStore mimics the optimistic-transition semantics of the Postgres store
// in memory, including the system-scope requirement on every method.
type fakeStore struct {
	mu      sync.Mutex
	posts   map[string]models.Post
	targets map[string]models.DistributionTarget
	items   map[string]*models.PostTarget
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		posts:   make(map[string]models.Post),
		targets: make(map[string]models.DistributionTarget),
		items:   make(map[string]*models.PostTarget),
	}
}

func (f *fakeStore) DueTargets(_ context.Context, scope tenant.Scope, now time.Time, limit int) ([]models.PostTarget, error) {
	if err := scope.RequireSystem(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.PostTarget
	for _, it := range f.items {
		tgt, ok := f.targets[it.TargetID]
		if !ok || !tgt.Connected {
			continue
		}
		if it.Status == models.PublishPending && !it.ScheduledAt.After(now) {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) ClaimPostTarget(_ context.Context, scope tenant.Scope, id string) (bool, error) {
	if err := scope.RequireSystem(); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[id]
	if !ok || it.Status != models.PublishPending {
		return false, nil
	}
	it.Status = models.PublishPublishing
	return true, nil
}

func (f *fakeStore) PostForPublish(_ context.Context, scope tenant.Scope, postID string) (models.Post, error) {
	if err := scope.RequireSystem(); err != nil {
		return models.Post{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.posts[postID]
	if !ok {
		return models.Post{}, fmt.Errorf("post: %w", store.ErrNotFound)
	}
	return p, nil
}

func (f *fakeStore) TargetForPublish(_ context.Context, scope tenant.Scope, targetID string) (models.DistributionTarget, error) {
	if err := scope.RequireSystem(); err != nil {
		return models.DistributionTarget{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.targets[targetID]
	if !ok {
		return models.DistributionTarget{}, fmt.Errorf("distribution target: %w", store.ErrNotFound)
	}
	return t, nil
}

func (f *fakeStore) MarkTargetPublished(_ context.Context, scope tenant.Scope, id, externalID string, at time.Time) error {
	if err := scope.RequireSystem(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[id]
	if !ok || it.Status != models.PublishPublishing {
		return nil
	}
	it.Status = models.PublishPublished
	it.ExternalID = &externalID
	it.PublishedAt = &at
	it.LastError = nil
	return nil
}

func (f *fakeStore) MarkTargetFailed(_ context.Context, scope tenant.Scope, id, message string) error {
	if err := scope.RequireSystem(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[id]
	if !ok || it.Status != models.PublishPublishing {
		return nil
	}
	it.Status = models.PublishFailed
	it.LastError = &message
	return nil
}

func (f *fakeStore) MarkPostPublishing(_ context.Context, scope tenant.Scope, postID string) error {
	if err := scope.RequireSystem(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.posts[postID]; ok && p.Status == models.PublishPending {
		p.Status = models.PublishPublishing
		f.posts[postID] = p
	}
	return nil
}

func (f *fakeStore) MarkPostPublished(_ context.Context, scope tenant.Scope, postID string, at time.Time) error {
	if err := scope.RequireSystem(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.posts[postID]; ok && p.Status == models.PublishPublishing {
		p.Status = models.PublishPublished
		p.PublishedAt = &at
		f.posts[postID] = p
	}
	return nil
}

func (f *fakeStore) SweepStuckPublishing(_ context.Context, scope tenant.Scope, olderThan time.Time) (int64, error) {
	if err := scope.RequireSystem(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, it := range f.items {
		if it.Status == models.PublishPublishing && it.UpdatedAt.Before(olderThan) {
			it.Status = models.PublishPending
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) item(id string) models.PostTarget {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.items[id]
}

func (f *fakeStore) post(id string) models.Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.posts[id]
}

// fakeLease is an in-process stand-in with real mutual exclusion.
type fakeLease struct {
	mu   sync.Mutex
	held bool
}

func (l *fakeLease) Acquire(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false, nil
	}
	l.held = true
	return true, nil
}

func (l *fakeLease) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	return nil
}

// fakeDispatcher records calls and fails on demand.
type fakeDispatcher struct {
	mu       sync.Mutex
	calls    []string
	failWith map[string]error // keyed by external account id
	seq      int
}

func (d *fakeDispatcher) Publish(_ context.Context, targetType string, _ publisher.Content, dest publisher.Destination) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dest.ExternalAccountID)
	if err, ok := d.failWith[dest.ExternalAccountID]; ok {
		return "", err
	}
	d.seq++
	return fmt.Sprintf("ext-%s-%d", targetType, d.seq), nil
}

func (d *fakeDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type recordingEmitter struct {
	mu       sync.Mutex
	outcomes []events.Outcome
}

func (r *recordingEmitter) Emit(o events.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedItem(fs *fakeStore, id string, scheduledAt time.Time, connected bool) {
	postID := "post-" + id
	targetID := "target-" + id
	fs.posts[postID] = models.Post{ID: postID, TenantID: "tenant-1", Caption: "caption " + id, Status: models.PublishPending}
	fs.targets[targetID] = models.DistributionTarget{
		ID: targetID, TenantID: "tenant-1", Type: "facebook_page",
		ExternalAccountID: "acct-" + id, Token: "tok", Connected: connected,
	}
	fs.items[id] = &models.PostTarget{
		ID: id, TenantID: "tenant-1", PostID: postID, TargetID: targetID,
		Status: models.PublishPending, ScheduledAt: scheduledAt, UpdatedAt: scheduledAt,
	}
}

func newOrchestrator(fs *fakeStore, d Dispatcher, em OutcomeEmitter) *Orchestrator {
	return New(fs, &fakeLease{}, d, nil, em, testLogger(), Options{BatchSize: 100, PublishTimeout: time.Second})
}

func TestRunPublishesDueTarget(t *testing.T) {
	fs := newFakeStore()
	past := time.Now().Add(-time.Hour)
	seedItem(fs, "pt-1", past, true)

	d := &fakeDispatcher{}
	em := &recordingEmitter{}
	o := newOrchestrator(fs, d, em)

	if err := o.RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := fs.item("pt-1")
	if got.Status != models.PublishPublished {
		t.Fatalf("status = %s, want published", got.Status)
	}
	if got.ExternalID == nil || *got.ExternalID == "" {
		t.Fatal("external id not recorded")
	}
	if got.PublishedAt == nil {
		t.Fatal("published time not recorded")
	}
	if p := fs.post("post-pt-1"); p.Status != models.PublishPublished {
		t.Fatalf("post status = %s, want published", p.Status)
	}
	if len(em.outcomes) != 1 || em.outcomes[0].Status != models.PublishPublished {
		t.Fatalf("unexpected outcomes %+v", em.outcomes)
	}
}

func TestRunIgnoresFutureTarget(t *testing.T) {
	fs := newFakeStore()
	seedItem(fs, "pt-1", time.Now().Add(time.Hour), true)

	d := &fakeDispatcher{}
	o := newOrchestrator(fs, d, nil)

	if err := o.RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := fs.item("pt-1"); got.Status != models.PublishPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if d.callCount() != 0 {
		t.Fatalf("dispatcher called %d times for a future item", d.callCount())
	}
}

func TestDisconnectedTargetFailsWithoutDispatch(t *testing.T) {
	fs := newFakeStore()
	past := time.Now().Add(-time.Hour)
	seedItem(fs, "pt-1", past, true)

	d := &fakeDispatcher{}
	o := newOrchestrator(fs, d, nil)

	// Disconnect between selection and dispatch: the due scan still returns
	// the item, but the fresh resolve must observe the flag.
	fs.mu.Lock()
	tgt := fs.targets["target-pt-1"]
	fs.mu.Unlock()
	o.store = &disconnectAfterScan{fakeStore: fs, targetID: tgt.ID}

	if err := o.RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := fs.item("pt-1")
	if got.Status != models.PublishFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.LastError == nil || *got.LastError == "" {
		t.Fatal("expected a disconnect message")
	}
	if d.callCount() != 0 {
		t.Fatal("dispatcher must not be called for a disconnected target")
	}
}

// disconnectAfterScan flips the target's connectivity after the due scan.
type disconnectAfterScan struct {
	*fakeStore
	targetID string
}

func (d *disconnectAfterScan) DueTargets(ctx context.Context, scope tenant.Scope, now time.Time, limit int) ([]models.PostTarget, error) {
	due, err := d.fakeStore.DueTargets(ctx, scope, now, limit)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	tgt := d.targets[d.targetID]
	tgt.Connected = false
	d.targets[d.targetID] = tgt
	d.mu.Unlock()
	return due, nil
}

func TestFailureIsolation(t *testing.T) {
	fs := newFakeStore()
	past := time.Now().Add(-time.Hour)
	seedItem(fs, "pt-a", past, true)
	seedItem(fs, "pt-b", past.Add(time.Minute), true)

	d := &fakeDispatcher{failWith: map[string]error{
		"acct-pt-a": &publisher.Rejected{Message: "content policy violation"},
	}}
	o := newOrchestrator(fs, d, nil)

	if err := o.RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	a := fs.item("pt-a")
	if a.Status != models.PublishFailed {
		t.Fatalf("item A status = %s, want failed", a.Status)
	}
	if a.LastError == nil || *a.LastError != "content policy violation" {
		t.Fatalf("platform message not preserved: %v", a.LastError)
	}
	b := fs.item("pt-b")
	if b.Status != models.PublishPublished {
		t.Fatalf("item B status = %s, want published; failure of A must not block B", b.Status)
	}
}

func TestDoubleRunPublishesAtMostOnce(t *testing.T) {
	fs := newFakeStore()
	past := time.Now().Add(-time.Hour)
	seedItem(fs, "pt-1", past, true)

	d := &fakeDispatcher{}
	o := newOrchestrator(fs, d, nil)

	if err := o.RunOnce(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := o.RunOnce(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if d.callCount() != 1 {
		t.Fatalf("dispatcher called %d times, want 1", d.callCount())
	}
	if got := fs.item("pt-1"); got.Status != models.PublishPublished {
		t.Fatalf("status = %s, want published", got.Status)
	}
}

func TestPublishedIsTerminal(t *testing.T) {
	fs := newFakeStore()
	past := time.Now().Add(-time.Hour)
	seedItem(fs, "pt-1", past, true)
	o := newOrchestrator(fs, &fakeDispatcher{}, nil)

	if err := o.RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	first := fs.item("pt-1")

	// A later failure write against a published row must be a no-op.
	if err := fs.MarkTargetFailed(context.Background(), tenant.System(), "pt-1", "late failure"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	second := fs.item("pt-1")
	if second.Status != models.PublishPublished || second.LastError != nil {
		t.Fatalf("published state mutated: %+v vs %+v", second, first)
	}
}

func TestPostDeletedMidRun(t *testing.T) {
	fs := newFakeStore()
	past := time.Now().Add(-time.Hour)
	seedItem(fs, "pt-1", past, true)
	delete(fs.posts, "post-pt-1")

	d := &fakeDispatcher{}
	o := newOrchestrator(fs, d, nil)

	if err := o.RunOnce(context.Background()); err != nil {
		t.Fatalf("run must not crash on a vanished post: %v", err)
	}
	got := fs.item("pt-1")
	if got.Status != models.PublishFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if d.callCount() != 0 {
		t.Fatal("dispatcher must not be called for a deleted post")
	}
}

func TestConcurrentRunsExactlyOneWinner(t *testing.T) {
	fs := newFakeStore()
	past := time.Now().Add(-time.Hour)
	seedItem(fs, "pt-1", past, true)

	d := &fakeDispatcher{}
	// Distinct leases simulate two processes whose lease keys never collide
	// (e.g. an expired-and-reacquired window); the per-item claim is the
	// guard that must hold.
	oa := New(fs, &fakeLease{}, d, nil, nil, testLogger(), Options{BatchSize: 100, PublishTimeout: time.Second})
	ob := New(fs, &fakeLease{}, d, nil, nil, testLogger(), Options{BatchSize: 100, PublishTimeout: time.Second})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = oa.RunOnce(context.Background()) }()
	go func() { defer wg.Done(); _ = ob.RunOnce(context.Background()) }()
	wg.Wait()

	if d.callCount() != 1 {
		t.Fatalf("dispatcher called %d times under concurrent runs, want 1", d.callCount())
	}
	if got := fs.item("pt-1"); got.Status != models.PublishPublished {
		t.Fatalf("status = %s, want published", got.Status)
	}
}

func TestLeaseHeldSkipsRun(t *testing.T) {
	fs := newFakeStore()
	seedItem(fs, "pt-1", time.Now().Add(-time.Hour), true)

	l := &fakeLease{}
	if ok, _ := l.Acquire(context.Background()); !ok {
		t.Fatal("setup acquire failed")
	}
	d := &fakeDispatcher{}
	o := New(fs, l, d, nil, nil, testLogger(), Options{BatchSize: 100, PublishTimeout: time.Second})

	if err := o.RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if d.callCount() != 0 {
		t.Fatal("run proceeded while lease was held")
	}
	if got := fs.item("pt-1"); got.Status != models.PublishPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
}

func TestPublishTimeoutMarksFailed(t *testing.T) {
	fs := newFakeStore()
	seedItem(fs, "pt-1", time.Now().Add(-time.Hour), true)

	slow := publisher.Func(func(ctx context.Context, _ publisher.Content, _ publisher.Destination) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	reg := publisher.NewRegistry()
	reg.Register("facebook_page", slow)

	o := New(fs, &fakeLease{}, reg, nil, nil, testLogger(), Options{BatchSize: 100, PublishTimeout: 20 * time.Millisecond})
	if err := o.RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := fs.item("pt-1")
	if got.Status != models.PublishFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.LastError == nil || *got.LastError != "publish timed out after 20ms" {
		t.Fatalf("unexpected timeout message %v", got.LastError)
	}
}

func TestSweepResetsStuckItems(t *testing.T) {
	fs := newFakeStore()
	old := time.Now().Add(-2 * time.Hour)
	seedItem(fs, "pt-1", old, true)
	fs.items["pt-1"].Status = models.PublishPublishing
	fs.items["pt-1"].UpdatedAt = old

	seedItem(fs, "pt-2", old, true)
	fs.items["pt-2"].Status = models.PublishPublishing
	fs.items["pt-2"].UpdatedAt = time.Now()

	o := newOrchestrator(fs, &fakeDispatcher{}, nil)
	if err := o.Sweep(context.Background(), time.Hour); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := fs.item("pt-1"); got.Status != models.PublishPending {
		t.Fatalf("stale item status = %s, want pending", got.Status)
	}
	if got := fs.item("pt-2"); got.Status != models.PublishPublishing {
		t.Fatalf("fresh item status = %s, want publishing untouched", got.Status)
	}
}

func TestUnsupportedTypeFailsItem(t *testing.T) {
	fs := newFakeStore()
	seedItem(fs, "pt-1", time.Now().Add(-time.Hour), true)
	fs.targets["target-pt-1"] = models.DistributionTarget{
		ID: "target-pt-1", TenantID: "tenant-1", Type: "carrier_pigeon",
		ExternalAccountID: "acct", Token: "tok", Connected: true,
	}

	o := newOrchestrator(fs, publisher.NewRegistry(), nil)
	if err := o.RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := fs.item("pt-1")
	if got.Status != models.PublishFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.LastError == nil || *got.LastError == "" {
		t.Fatal("expected an unsupported-type message")
	}
}
