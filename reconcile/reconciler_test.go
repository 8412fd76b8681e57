package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataswift/hatsync/adapters"
	"github.com/dataswift/hatsync/blob"
	"github.com/dataswift/hatsync/cache"
	"github.com/dataswift/hatsync/hat"
	"github.com/dataswift/hatsync/hat/hattest"
	"github.com/dataswift/hatsync/queue"
	"github.com/dataswift/hatsync/reachability"
	"github.com/dataswift/hatsync/resource"
	"github.com/dataswift/hatsync/storage"
)

var testNow = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

// faultyStore fails the n-th Update before running it, like a commit lost to
// a crash.
type faultyStore struct {
	*storage.DB
	failOn  int
	updates int
}

func (f *faultyStore) Update(ctx context.Context, fn func(tx *storage.Tx) error) error {
	f.updates++
	if f.updates == f.failOn {
		return &storage.Error{Op: "commit", Err: errors.New("disk I/O error")}
	}
	return f.DB.Update(ctx, fn)
}

// viewFailingStore fails the n-th View, like a read error when a pass starts
type viewFailingStore struct {
	*storage.DB
	failOn int32
	views  atomic.Int32
	failed chan struct{}
}

func (f *viewFailingStore) View(ctx context.Context, fn func(tx *storage.Tx) error) error {
	if f.views.Add(1) == f.failOn {
		close(f.failed)
		return &storage.Error{Op: "query", Err: errors.New("disk I/O error")}
	}
	return f.DB.View(ctx, fn)
}

type recordingReporter struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingReporter) Report(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingReporter) outcomes() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Outcome
	for _, ev := range r.events {
		out = append(out, ev.Outcome)
	}
	return out
}

type fixture struct {
	db       *storage.DB
	queue    *queue.Queue
	srv      *hattest.Server
	client   *hat.Client
	registry *resource.Registry
	gate     *reachability.Static
	reporter *recordingReporter
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(context.Background(), storage.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	srv := hattest.NewServer("tok")
	t.Cleanup(srv.Close)
	client, err := hat.New("alice.hubofallthings.net", hat.NewMemoryCredentials("tok"), hat.WithBaseURL(srv.URL))
	require.NoError(t, err)

	reg := resource.NewRegistry()
	adapters.Register(reg, client, "alice.hubofallthings.net", testNow)

	return &fixture{
		db:       db,
		queue:    queue.NewQueue(db),
		srv:      srv,
		client:   client,
		registry: reg,
		gate:     reachability.NewStatic(true),
		reporter: &recordingReporter{},
	}
}

func (f *fixture) reconciler(opts ...Option) *Reconciler {
	opts = append([]Option{WithReporter(f.reporter), WithClock(testNow)}, opts...)
	return New(f.db, f.registry, f.gate, opts...)
}

func (f *fixture) enqueue(t *testing.T, kind queue.Kind, localRef, remoteID, data string) *queue.Mutation {
	t.Helper()
	var raw json.RawMessage
	if data != "" {
		raw = json.RawMessage(data)
	}
	m, err := queue.New(kind, adapters.NotesType, localRef, remoteID, raw, nil)
	require.NoError(t, err)
	_, err = f.queue.Enqueue(context.Background(), m)
	require.NoError(t, err)
	return m
}

func (f *fixture) putList(t *testing.T, key string, recs ...resource.Record) {
	t.Helper()
	body, err := json.Marshal(recs)
	require.NoError(t, err)
	require.NoError(t, f.db.Update(context.Background(), func(tx *storage.Tx) error {
		return cache.PutTx(context.Background(), tx, &cache.Entry{Key: key, Body: body, FetchedAt: testNow(), TTL: time.Hour})
	}))
}

func (f *fixture) list(t *testing.T, key string) []resource.Record {
	t.Helper()
	var recs []resource.Record
	require.NoError(t, f.db.View(context.Background(), func(tx *storage.Tx) error {
		e, err := cache.GetTx(context.Background(), tx, key)
		if err != nil {
			return err
		}
		return json.Unmarshal(e.Body, &recs)
	}))
	return recs
}

func (f *fixture) record(t *testing.T, localRef string) (resource.Record, error) {
	t.Helper()
	var rec resource.Record
	err := f.db.View(context.Background(), func(tx *storage.Tx) error {
		var err error
		rec, err = GetRecordTx(context.Background(), tx, adapters.NotesType, localRef)
		return err
	})
	return rec, err
}

func TestReconcileCreatePatchesCache(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	local := resource.Record{LocalRef: "l1", Data: json.RawMessage(`{"message":"offline note"}`)}
	f.putList(t, "notes", local)
	require.NoError(t, f.db.Update(ctx, func(tx *storage.Tx) error {
		return PutRecordTx(ctx, tx, adapters.NotesType, local, testNow())
	}))
	f.enqueue(t, queue.KindCreate, "l1", "", `{"message":"offline note"}`)
	f.srv.SetNextID(42)

	res, err := f.reconciler().Reconcile(ctx, adapters.NotesType)
	require.NoError(t, err)
	assert.NoError(t, res.Stopped)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 0, res.Remaining)

	rec, err := f.record(t, "l1")
	require.NoError(t, err)
	assert.Equal(t, "r42", rec.RemoteID)

	list := f.list(t, "notes")
	require.Len(t, list, 1)
	assert.Equal(t, "l1", list[0].LocalRef)
	assert.Equal(t, "r42", list[0].RemoteID)
	assert.Len(t, f.srv.Records("rumpel/notablesv1"), 1)
	assert.Equal(t, []Outcome{OutcomeApplied}, f.reporter.outcomes())
}

func TestReconcileRetargetsLaterMutations(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	create := f.enqueue(t, queue.KindCreate, "l1", "", `{"message":"v1"}`)
	require.NoError(t, f.db.Update(ctx, func(tx *storage.Tx) error {
		return queue.MarkReplayingTx(ctx, tx, create.ID)
	}))
	f.enqueue(t, queue.KindUpdate, "l1", "", `{"message":"v2"}`)
	_, err := f.queue.Recover(ctx)
	require.NoError(t, err)

	res, err := f.reconciler().Reconcile(ctx, adapters.NotesType)
	require.NoError(t, err)
	require.NoError(t, res.Stopped)
	assert.Equal(t, 2, res.Applied)

	stored := f.srv.Records("rumpel/notablesv1")
	require.Len(t, stored, 1)
	note, err := adapters.DecodeNote(stored[0].Data)
	require.NoError(t, err)
	assert.Equal(t, "v2", note.Message)
}

func TestReconcileOfflineDoesNothing(t *testing.T) {
	f := setup(t)
	f.gate.SetOnline(false)
	f.enqueue(t, queue.KindCreate, "l1", "", `{"message":"x"}`)

	res, err := f.reconciler().Reconcile(context.Background(), adapters.NotesType)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Stopped, ErrOffline)
	assert.Equal(t, 1, res.Remaining)
	assert.Equal(t, 0, f.srv.TotalCalls())
}

func TestReconcileGateCheckedPerMutation(t *testing.T) {
	f := setup(t)
	f.enqueue(t, queue.KindCreate, "l1", "", `{"message":"a"}`)
	f.enqueue(t, queue.KindCreate, "l2", "", `{"message":"b"}`)

	var checks atomic.Int32
	gate := reachability.Func(func(context.Context) bool {
		return checks.Add(1) == 1
	})
	r := New(f.db, f.registry, gate, WithReporter(f.reporter))

	res, err := r.Reconcile(context.Background(), adapters.NotesType)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.ErrorIs(t, res.Stopped, ErrOffline)
	assert.Equal(t, 1, res.Remaining)
}

func TestReconcileDropsCorruptPayload(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	bad := f.enqueue(t, queue.KindCreate, "bad", "", `{"message":"x"}`)
	require.NoError(t, f.db.Update(ctx, func(tx *storage.Tx) error {
		_, err := tx.Exec(ctx, "UPDATE mutations SET payload = ? WHERE id = ?", `{"v":9,"type":"notes"}`, bad.ID)
		return err
	}))
	f.enqueue(t, queue.KindCreate, "l1", "", `{"message":"good"}`)

	res, err := f.reconciler().Reconcile(ctx, adapters.NotesType)
	require.NoError(t, err)
	assert.NoError(t, res.Stopped)
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, []Outcome{OutcomeDropped, OutcomeApplied}, f.reporter.outcomes())
	assert.ErrorIs(t, f.reporter.events[0].Err, queue.ErrCorruptPayload)
}

func TestReconcileRetryableFailureStaysQueued(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	m := f.enqueue(t, queue.KindCreate, "l1", "", `{"message":"x"}`)
	r := f.reconciler(WithMaxAttempts(2))

	for i := 0; i < 3; i++ {
		f.srv.FailNext(http.StatusServiceUnavailable)
		res, err := r.Reconcile(ctx, adapters.NotesType)
		require.NoError(t, err)
		var apiErr *hat.APIError
		require.ErrorAs(t, res.Stopped, &apiErr)
		assert.Equal(t, 1, res.Remaining)
	}

	got, err := f.queue.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, queue.StateQueued, got.State)
	dead, err := f.queue.DeadLetters(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, dead)

	res, err := r.Reconcile(ctx, adapters.NotesType)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
}

func TestReconcilePermanentFailureDeadLetters(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.enqueue(t, queue.KindUpdate, "l1", "missing", `{"message":"x"}`)
	f.enqueue(t, queue.KindCreate, "l2", "", `{"message":"y"}`)
	r := f.reconciler(WithMaxAttempts(2))

	res, err := r.Reconcile(ctx, adapters.NotesType)
	require.NoError(t, err)
	assert.Error(t, res.Stopped)
	assert.Equal(t, 0, res.DeadLettered)
	assert.Equal(t, 2, res.Remaining, "a failure stops the pass")

	res, err = r.Reconcile(ctx, adapters.NotesType)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadLettered)
	assert.Equal(t, 1, res.Remaining)

	dead, err := f.queue.DeadLetters(ctx, adapters.NotesType)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "l1", dead[0].LocalRef)
	assert.Equal(t, 2, dead[0].Attempts)

	res, err = r.Reconcile(ctx, adapters.NotesType)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 0, res.Remaining)
}

func TestReconcileAuthFailureNotDeadLettered(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.enqueue(t, queue.KindCreate, "l1", "", `{"message":"x"}`)
	f.srv.SetToken("rotated")
	r := f.reconciler(WithMaxAttempts(1))

	for i := 0; i < 2; i++ {
		res, err := r.Reconcile(ctx, adapters.NotesType)
		require.NoError(t, err)
		assert.Equal(t, 0, res.DeadLettered)
		assert.Equal(t, 1, res.Remaining)
	}
}

func TestReconcileIdempotentAfterLostCommit(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.enqueue(t, queue.KindCreate, "l1", "", `{"message":"exactly once"}`)

	// update 1 marks replaying, update 2 would commit the success
	store := &faultyStore{DB: f.db, failOn: 2}
	r := New(store, f.registry, f.gate, WithReporter(f.reporter))

	res, err := r.Reconcile(ctx, adapters.NotesType)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Stopped, storage.ErrStorage)
	assert.Equal(t, 1, res.Remaining)
	assert.Len(t, f.srv.Records("rumpel/notablesv1"), 1, "the remote applied the write")

	// simulate a restart
	_, err = f.queue.Recover(ctx)
	require.NoError(t, err)

	res, err = r.Reconcile(ctx, adapters.NotesType)
	require.NoError(t, err)
	require.NoError(t, res.Stopped)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 0, res.Remaining)
	assert.Len(t, f.srv.Records("rumpel/notablesv1"), 1, "replay with the same key is deduplicated")
	assert.Equal(t, 2, f.srv.Calls(http.MethodPost))
}

func TestReconcileIdempotentAfterDroppedResponse(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.enqueue(t, queue.KindCreate, "l1", "", `{"message":"once"}`)
	f.srv.DropResponses(1)
	r := f.reconciler()

	res, err := r.Reconcile(ctx, adapters.NotesType)
	require.NoError(t, err)
	assert.Error(t, res.Stopped)

	res, err = r.Reconcile(ctx, adapters.NotesType)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Len(t, f.srv.Records("rumpel/notablesv1"), 1)
}

func TestReconcileDeleteRemovesFromCache(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	remote := f.srv.Put("rumpel/notablesv1", json.RawMessage(`{"message":"bye"}`))
	keep := resource.Record{LocalRef: "other", RemoteID: "r99", Data: json.RawMessage(`{}`)}
	f.putList(t, "notes", resource.Record{LocalRef: "l1", RemoteID: remote.RecordID, Data: json.RawMessage(`{}`)}, keep)
	f.enqueue(t, queue.KindDelete, "l1", remote.RecordID, "")

	res, err := f.reconciler().Reconcile(ctx, adapters.NotesType)
	require.NoError(t, err)
	require.NoError(t, res.Stopped)
	assert.Equal(t, 1, res.Applied)
	assert.Empty(t, f.srv.Records("rumpel/notablesv1"))
	assert.Equal(t, []resource.Record{keep}, f.list(t, "notes"))
}

func TestReconcileUploadsAttachment(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	blobs, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	key, err := blobs.Put([]byte("jpeg"))
	require.NoError(t, err)

	m, err := queue.New(queue.KindCreate, adapters.NotesType, "l1", "", json.RawMessage(`{"message":"pic"}`),
		&queue.Attachment{BlobKey: key, Name: "photo.jpg", Tags: adapters.NotePhotoTags})
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, m)
	require.NoError(t, err)

	res, err := f.reconciler(WithAttachments(blobs, f.client)).Reconcile(ctx, adapters.NotesType)
	require.NoError(t, err)
	require.NoError(t, res.Stopped)
	assert.Equal(t, 1, res.Applied)

	ids := f.srv.FileIDs()
	require.Len(t, ids, 1)
	stored := f.srv.Records("rumpel/notablesv1")
	require.Len(t, stored, 1)
	note, err := adapters.DecodeNote(stored[0].Data)
	require.NoError(t, err)
	require.NotNil(t, note.Photo)
	assert.Equal(t, f.srv.URL+hat.APIPrefix+"/files/content/"+ids[0], note.Photo.Link)

	_, err = blobs.Get(key)
	assert.ErrorIs(t, err, blob.ErrNotFound, "uploaded blob is removed")
}

func TestReconcileUploadFailureKeepsBlob(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	blobs, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	key, err := blobs.Put([]byte("jpeg"))
	require.NoError(t, err)

	m, err := queue.New(queue.KindCreate, adapters.NotesType, "l1", "", json.RawMessage(`{"message":"pic"}`),
		&queue.Attachment{BlobKey: key, Name: "photo.jpg"})
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, m)
	require.NoError(t, err)

	f.srv.SetToken("rotated")
	res, err := f.reconciler(WithAttachments(blobs, f.client)).Reconcile(ctx, adapters.NotesType)
	require.NoError(t, err)
	assert.Error(t, res.Stopped)
	assert.Equal(t, 1, res.Remaining)

	_, err = blobs.Get(key)
	assert.NoError(t, err)
}

func TestReconcileMissingBlobDrops(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	blobs, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)

	m, err := queue.New(queue.KindCreate, adapters.NotesType, "l1", "", json.RawMessage(`{"message":"pic"}`),
		&queue.Attachment{BlobKey: "gone", Name: "photo.jpg"})
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, m)
	require.NoError(t, err)

	res, err := f.reconciler(WithAttachments(blobs, f.client)).Reconcile(ctx, adapters.NotesType)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, 0, f.srv.TotalCalls())
}

func TestReconcileMigratesVersionOnePayload(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	legacy := &queue.Mutation{
		Kind:         queue.KindCreate,
		ResourceType: adapters.NotesType,
		LocalRef:     "l1",
		Payload:      json.RawMessage(`{"v":1,"type":"notes","data":[{"id":"","endpoint":"rumpel/notablesv1","data":{"message":"legacy"}}]}`),
	}
	_, err := f.queue.Enqueue(ctx, legacy)
	require.NoError(t, err)

	res, err := f.reconciler().Reconcile(ctx, adapters.NotesType)
	require.NoError(t, err)
	require.NoError(t, res.Stopped)

	stored := f.srv.Records("rumpel/notablesv1")
	require.Len(t, stored, 1)
	note, err := adapters.DecodeNote(stored[0].Data)
	require.NoError(t, err)
	assert.Equal(t, "legacy", note.Message)
}

func TestReconcileUnknownType(t *testing.T) {
	f := setup(t)
	_, err := f.reconciler().Reconcile(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownType)
}

// blockingAdapter tracks how many replays run at once
type blockingAdapter struct {
	typ     string
	release chan struct{}
	active  atomic.Int32
	max     atomic.Int32
	calls   atomic.Int32
}

func (b *blockingAdapter) Type() string                    { return b.typ }
func (b *blockingAdapter) TTL() time.Duration              { return time.Hour }
func (b *blockingAdapter) KeyFor(map[string]string) string { return b.typ }

func (b *blockingAdapter) Fetch(context.Context, map[string]string) ([]resource.Record, error) {
	return nil, nil
}

func (b *blockingAdapter) Delete(context.Context, resource.Record) error { return nil }

func (b *blockingAdapter) Update(ctx context.Context, rec resource.Record) (resource.Record, error) {
	return b.Create(ctx, rec)
}
func (b *blockingAdapter) Create(ctx context.Context, rec resource.Record) (resource.Record, error) {
	n := b.active.Add(1)
	defer b.active.Add(-1)
	for {
		m := b.max.Load()
		if n <= m || b.max.CompareAndSwap(m, n) {
			break
		}
	}
	b.calls.Add(1)
	select {
	case <-b.release:
	case <-ctx.Done():
		return rec, ctx.Err()
	}
	rec.RemoteID = "remote-" + rec.LocalRef
	return rec, nil
}

func TestReconcileSerializedPerType(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	slow := &blockingAdapter{typ: "slow", release: make(chan struct{})}
	f.registry.Register(slow)

	for _, ref := range []string{"a", "b", "c"} {
		m, err := queue.New(queue.KindCreate, "slow", ref, "", json.RawMessage(`{}`), nil)
		require.NoError(t, err)
		_, err = f.queue.Enqueue(ctx, m)
		require.NoError(t, err)
	}

	r := f.reconciler()
	var wg sync.WaitGroup
	results := make([]Result, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Reconcile(ctx, "slow")
			assert.NoError(t, err)
			results[i] = res
		}()
	}

	for i := 0; i < 3; i++ {
		slow.release <- struct{}{}
	}
	wg.Wait()

	assert.Equal(t, int32(1), slow.max.Load(), "passes for one type never overlap")
	assert.Equal(t, int32(3), slow.calls.Load(), "each mutation is applied once")
	applied := 0
	for _, res := range results {
		applied += res.Applied
	}
	assert.Equal(t, 3, applied)
}

func TestReconcileAll(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.enqueue(t, queue.KindCreate, "l1", "", `{"message":"x"}`)
	m, err := queue.New(queue.KindCreate, adapters.ProfileType, "profile", "", json.RawMessage(`{"name":"Alice"}`), nil)
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, m)
	require.NoError(t, err)

	results, err := f.reconciler().ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Len(t, results, len(f.registry.List()))
	assert.Equal(t, 1, results[adapters.NotesType].Applied)
	assert.Equal(t, 1, results[adapters.ProfileType].Applied)
	assert.Equal(t, 0, results[adapters.LocationsType].Applied)
}

func TestReconcileAllPassesAreIndependent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	release := make(chan struct{})
	reg := resource.NewRegistry()
	for _, typ := range []string{"a", "b"} {
		reg.Register(&blockingAdapter{typ: typ, release: release})
		m, err := queue.New(queue.KindCreate, typ, "ref-"+typ, "", json.RawMessage(`{}`), nil)
		require.NoError(t, err)
		_, err = f.queue.Enqueue(ctx, m)
		require.NoError(t, err)
	}

	// the second pass to start fails before replaying anything
	store := &viewFailingStore{DB: f.db, failOn: 2, failed: make(chan struct{})}
	r := New(store, reg, f.gate, WithReporter(f.reporter), WithClock(testNow))

	done := make(chan struct{})
	var (
		results map[string]Result
		err     error
	)
	go func() {
		defer close(done)
		results, err = r.ReconcileAll(ctx)
	}()

	<-store.failed
	close(release)
	<-done

	assert.ErrorIs(t, err, storage.ErrStorage)
	require.Len(t, results, 2)
	applied := results["a"].Applied + results["b"].Applied
	assert.Equal(t, 1, applied, "the pass that started is not cancelled by the one that failed")
	for _, res := range results {
		if res.Applied == 1 {
			assert.NoError(t, res.Stopped)
			assert.Equal(t, 0, res.Remaining)
		}
	}
}
