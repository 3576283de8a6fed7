package docpipe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	blobmem "github.com/procurewatch/tendercrawl/internal/blob/memory"
	"github.com/procurewatch/tendercrawl/internal/metrics"
	"github.com/procurewatch/tendercrawl/internal/portal"
	"github.com/procurewatch/tendercrawl/internal/progress"
	"github.com/procurewatch/tendercrawl/internal/retry"
	"github.com/procurewatch/tendercrawl/internal/store/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

type fetchReply struct {
	payload     []byte
	contentType string
}

type fakeFetcher struct {
	mu      sync.Mutex
	replies map[string]fetchReply
	errs    []error
	calls   int
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, "", err
	}
	r, ok := f.replies[rawURL]
	if !ok {
		return nil, "", retry.MarkPermanent(fmt.Errorf("no fixture for %s", rawURL))
	}
	return r.payload, r.contentType, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeGated struct {
	mu      sync.Mutex
	replies map[string]fetchReply
	calls   int
}

func (f *fakeGated) FetchDocument(_ context.Context, remoteLocation string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	r, ok := f.replies[remoteLocation]
	if !ok {
		return nil, "", retry.MarkPermanent(fmt.Errorf("no fixture for %s", remoteLocation))
	}
	return r.payload, r.contentType, nil
}

func (f *fakeGated) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeEmbedder struct {
	mu      sync.Mutex
	errs    []error
	batches [][]string
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	f.batches = append(f.batches, texts)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.25, 0.5}
	}
	return out, nil
}

func (f *fakeEmbedder) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *captureEmitter) Emit(evt progress.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) byStage(stage progress.Stage) []progress.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []progress.Event
	for _, evt := range c.events {
		if evt.Stage == stage {
			out = append(out, evt)
		}
	}
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type pipeEnv struct {
	docs    *memory.DocumentStore
	archive *blobmem.Store
	fetcher *fakeFetcher
	gated   *fakeGated
	embed   *fakeEmbedder
	emitter *captureEmitter
	clock   *fakeClock
	cfg     Config
}

func newPipeEnv() *pipeEnv {
	return &pipeEnv{
		docs:    memory.NewDocumentStore(),
		archive: blobmem.New(),
		fetcher: &fakeFetcher{replies: map[string]fetchReply{}},
		gated:   &fakeGated{replies: map[string]fetchReply{}},
		embed:   &fakeEmbedder{},
		emitter: &captureEmitter{},
		clock:   newFakeClock(),
		cfg: Config{
			Workers:      1,
			ClaimBatch:   8,
			PollInterval: 5 * time.Millisecond,
			FetchTimeout: time.Second,
			MaxAttempts:  3,
			BackoffBase:  time.Minute,
			BackoffMax:   8 * time.Minute,
			MaxSizeMB:    1,
		},
	}
}

func (e *pipeEnv) pipeline(t *testing.T) *Pipeline {
	t.Helper()
	var embed Embedder
	if e.embed != nil {
		embed = e.embed
	}
	var gated GatedFetcher
	if e.gated != nil {
		gated = e.gated
	}
	p, err := New(e.cfg, Deps{
		Docs:    e.docs,
		Fetcher: e.fetcher,
		Gated:   gated,
		Archive: e.archive,
		Embed:   embed,
		Emitter: e.emitter,
		Clock:   e.clock,
	}, zap.NewNop())
	require.NoError(t, err)
	return p
}

func (e *pipeEnv) seed(t *testing.T, docID, location string, gated bool) {
	t.Helper()
	_, err := e.docs.EnsureRefs(context.Background(), []portal.DocumentRef{{
		DocID:           docID,
		TenderID:        "T-100",
		RemoteLocation:  location,
		RequiresSession: gated,
	}})
	require.NoError(t, err)
}

func (e *pipeEnv) ref(t *testing.T, docID string) portal.DocumentRef {
	t.Helper()
	ref, err := e.docs.Get(context.Background(), docID)
	require.NoError(t, err)
	return ref
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{Fetcher: &fakeFetcher{}}, zap.NewNop())
	require.ErrorContains(t, err, "document store")

	_, err = New(Config{}, Deps{Docs: memory.NewDocumentStore()}, zap.NewNop())
	require.ErrorContains(t, err, "fetcher")
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 16, cfg.ClaimBatch)
	assert.Equal(t, 3*time.Second, cfg.PollInterval)
	assert.Equal(t, 60*time.Second, cfg.FetchTimeout)
	assert.Equal(t, 4, cfg.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.BackoffBase)
	assert.Equal(t, 30*time.Minute, cfg.BackoffMax)
	assert.Equal(t, 64, cfg.MaxSizeMB)
}

func TestDrainProcessesQueue(t *testing.T) {
	t.Parallel()

	env := newPipeEnv()
	env.fetcher.replies["https://portal.example/docs/notice.html"] = fetchReply{
		payload: []byte(`<html><head><script>var x = 1;</script></head>` +
			`<body><h1>Supply of road salt</h1><p>Deadline   2025-04-01</p></body></html>`),
		contentType: "text/html; charset=utf-8",
	}
	env.fetcher.replies["https://portal.example/docs/terms.txt"] = fetchReply{
		payload:     []byte("Procurement notice 77/2025."),
		contentType: "text/plain",
	}
	env.gated.replies["https://portal.example/protected/award.txt"] = fetchReply{
		payload:     []byte("Contract award details."),
		contentType: "text/plain",
	}
	env.seed(t, "D-1", "https://portal.example/docs/notice.html", false)
	env.seed(t, "D-2", "https://portal.example/docs/terms.txt", false)
	env.seed(t, "D-3", "https://portal.example/protected/award.txt", true)

	require.NoError(t, env.pipeline(t).Drain(context.Background()))

	notice := env.ref(t, "D-1")
	assert.Equal(t, portal.ExtractionSuccess, notice.Status)
	assert.Contains(t, notice.ExtractedText, "Supply of road salt")
	assert.NotContains(t, notice.ExtractedText, "var x")
	assert.True(t, strings.HasPrefix(notice.ArchiveURI, "memory://T-100/"), notice.ArchiveURI)
	assert.True(t, strings.HasSuffix(notice.ArchiveURI, ".html"), notice.ArchiveURI)
	assert.Len(t, notice.Embedding, 2)
	assert.Nil(t, notice.NextAttemptAt)

	terms := env.ref(t, "D-2")
	assert.Equal(t, portal.ExtractionSuccess, terms.Status)
	assert.Equal(t, "Procurement notice 77/2025.", terms.ExtractedText)
	assert.True(t, strings.HasSuffix(terms.ArchiveURI, ".txt"), terms.ArchiveURI)

	award := env.ref(t, "D-3")
	assert.Equal(t, portal.ExtractionSuccess, award.Status)
	assert.Equal(t, "Contract award details.", award.ExtractedText)

	assert.Equal(t, 2, env.fetcher.callCount())
	assert.Equal(t, 1, env.gated.callCount())
	assert.Equal(t, 3, env.archive.Len())
	assert.Len(t, env.emitter.byStage(progress.StageDocDone), 3)
	assert.Empty(t, env.emitter.byStage(progress.StageDocFailed))

	counts, err := env.docs.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, counts[portal.ExtractionSuccess])
}

func TestDrainReturnsOnEmptyQueue(t *testing.T) {
	t.Parallel()

	env := newPipeEnv()
	require.NoError(t, env.pipeline(t).Drain(context.Background()))
	assert.Zero(t, env.fetcher.callCount())
}

func TestTransientFailureSchedulesBackoff(t *testing.T) {
	t.Parallel()

	env := newPipeEnv()
	env.fetcher.errs = []error{retry.MarkTransient(errors.New("connection reset by peer"), 0)}
	env.fetcher.replies["https://portal.example/docs/notice.txt"] = fetchReply{
		payload:     []byte("Notice body."),
		contentType: "text/plain",
	}
	env.seed(t, "D-1", "https://portal.example/docs/notice.txt", false)
	p := env.pipeline(t)

	require.NoError(t, p.Drain(context.Background()))

	ref := env.ref(t, "D-1")
	require.Equal(t, portal.ExtractionRetryScheduled, ref.Status)
	assert.Equal(t, 1, ref.Attempts)
	assert.Contains(t, ref.FailureReason, "connection reset")
	require.NotNil(t, ref.NextAttemptAt)
	assert.Equal(t, env.clock.Now().Add(time.Minute), *ref.NextAttemptAt)

	// Not due yet, so a drain between backoff boundaries is a no-op.
	require.NoError(t, p.Drain(context.Background()))
	assert.Equal(t, 1, env.fetcher.callCount())

	env.clock.Advance(2 * time.Minute)
	require.NoError(t, p.Drain(context.Background()))

	ref = env.ref(t, "D-1")
	assert.Equal(t, portal.ExtractionSuccess, ref.Status)
	assert.Equal(t, 1, ref.Attempts)
	assert.Empty(t, ref.FailureReason)
}

func TestPermanentFailureSkipsRetry(t *testing.T) {
	t.Parallel()

	env := newPipeEnv()
	env.fetcher.errs = []error{retry.FromHTTPStatus(404, errors.New("status 404"))}
	env.seed(t, "D-1", "https://portal.example/docs/gone.pdf", false)

	require.NoError(t, env.pipeline(t).Drain(context.Background()))

	ref := env.ref(t, "D-1")
	assert.Equal(t, portal.ExtractionFailed, ref.Status)
	assert.Contains(t, ref.FailureReason, "404")
	assert.Equal(t, 1, env.fetcher.callCount())

	failed := env.emitter.byStage(progress.StageDocFailed)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Note, "D-1")

	listed, err := env.docs.ListFailed(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "D-1", listed[0].DocID)
}

func TestExhaustedAttemptsFailPermanently(t *testing.T) {
	t.Parallel()

	env := newPipeEnv()
	env.cfg.MaxAttempts = 2
	env.fetcher.errs = []error{
		retry.MarkTransient(errors.New("i/o timeout"), 0),
		retry.MarkTransient(errors.New("i/o timeout"), 0),
	}
	env.seed(t, "D-1", "https://portal.example/docs/slow.pdf", false)
	p := env.pipeline(t)

	require.NoError(t, p.Drain(context.Background()))
	require.Equal(t, portal.ExtractionRetryScheduled, env.ref(t, "D-1").Status)

	env.clock.Advance(2 * time.Minute)
	require.NoError(t, p.Drain(context.Background()))

	ref := env.ref(t, "D-1")
	assert.Equal(t, portal.ExtractionFailed, ref.Status)
	assert.Contains(t, ref.FailureReason, "i/o timeout")
	assert.Len(t, env.emitter.byStage(progress.StageDocFailed), 1)
}

func TestOversizedPayloadFailsPermanently(t *testing.T) {
	t.Parallel()

	env := newPipeEnv()
	env.fetcher.replies["https://portal.example/docs/huge.txt"] = fetchReply{
		payload:     bytes.Repeat([]byte("a"), 1024*1024+1),
		contentType: "text/plain",
	}
	env.seed(t, "D-1", "https://portal.example/docs/huge.txt", false)

	require.NoError(t, env.pipeline(t).Drain(context.Background()))

	ref := env.ref(t, "D-1")
	assert.Equal(t, portal.ExtractionFailed, ref.Status)
	assert.Contains(t, ref.FailureReason, "cap is 1MB")
	assert.Zero(t, env.archive.Len())
}

func TestGatedDocumentWithoutSessionFetcher(t *testing.T) {
	t.Parallel()

	env := newPipeEnv()
	env.gated = nil
	env.seed(t, "D-1", "https://portal.example/protected/award.pdf", true)

	require.NoError(t, env.pipeline(t).Drain(context.Background()))

	ref := env.ref(t, "D-1")
	assert.Equal(t, portal.ExtractionFailed, ref.Status)
	assert.Contains(t, ref.FailureReason, "no session fetcher")
	assert.Zero(t, env.fetcher.callCount())
}

func TestEmbedFailureIsRetried(t *testing.T) {
	t.Parallel()

	env := newPipeEnv()
	env.embed.errs = []error{errors.New("rate limited")}
	env.fetcher.replies["https://portal.example/docs/notice.txt"] = fetchReply{
		payload:     []byte("Notice body."),
		contentType: "text/plain",
	}
	env.seed(t, "D-1", "https://portal.example/docs/notice.txt", false)
	p := env.pipeline(t)

	require.NoError(t, p.Drain(context.Background()))

	ref := env.ref(t, "D-1")
	require.Equal(t, portal.ExtractionRetryScheduled, ref.Status)
	assert.Contains(t, ref.FailureReason, "embed")

	env.clock.Advance(2 * time.Minute)
	require.NoError(t, p.Drain(context.Background()))

	ref = env.ref(t, "D-1")
	assert.Equal(t, portal.ExtractionSuccess, ref.Status)
	assert.Len(t, ref.Embedding, 2)
	assert.Equal(t, 1, env.embed.batchCount())
}

func TestNoEmbedderProducesNoVector(t *testing.T) {
	t.Parallel()

	env := newPipeEnv()
	env.embed = nil
	env.fetcher.replies["https://portal.example/docs/notice.txt"] = fetchReply{
		payload:     []byte("Notice body."),
		contentType: "text/plain",
	}
	env.seed(t, "D-1", "https://portal.example/docs/notice.txt", false)

	require.NoError(t, env.pipeline(t).Drain(context.Background()))

	ref := env.ref(t, "D-1")
	assert.Equal(t, portal.ExtractionSuccess, ref.Status)
	assert.Empty(t, ref.Embedding)
}

func TestBlankTextSkipsEmbedding(t *testing.T) {
	t.Parallel()

	env := newPipeEnv()
	env.fetcher.replies["https://portal.example/docs/blank.txt"] = fetchReply{
		payload:     []byte("   \n\t  "),
		contentType: "text/plain",
	}
	env.seed(t, "D-1", "https://portal.example/docs/blank.txt", false)

	require.NoError(t, env.pipeline(t).Drain(context.Background()))

	ref := env.ref(t, "D-1")
	assert.Equal(t, portal.ExtractionSuccess, ref.Status)
	assert.Empty(t, ref.Embedding)
	assert.Zero(t, env.embed.batchCount())
}

func TestRunStopsCleanlyOnCancel(t *testing.T) {
	t.Parallel()

	env := newPipeEnv()
	env.fetcher.replies["https://portal.example/docs/notice.txt"] = fetchReply{
		payload:     []byte("Notice body."),
		contentType: "text/plain",
	}
	env.seed(t, "D-1", "https://portal.example/docs/notice.txt", false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- env.pipeline(t).Run(ctx)
	}()

	require.Eventually(t, func() bool {
		ref, err := env.docs.Get(context.Background(), "D-1")
		return err == nil && ref.Status == portal.ExtractionSuccess
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop after cancel")
	}
}

func TestBackoffDelayDoublesToCeiling(t *testing.T) {
	t.Parallel()

	base := 30 * time.Second
	ceil := 4 * time.Minute
	assert.Equal(t, 30*time.Second, backoffDelay(base, ceil, 1))
	assert.Equal(t, time.Minute, backoffDelay(base, ceil, 2))
	assert.Equal(t, 2*time.Minute, backoffDelay(base, ceil, 3))
	assert.Equal(t, 4*time.Minute, backoffDelay(base, ceil, 4))
	assert.Equal(t, 4*time.Minute, backoffDelay(base, ceil, 9))
}

func TestArchiveKeyLayout(t *testing.T) {
	t.Parallel()

	env := newPipeEnv()
	p := env.pipeline(t)
	assert.Equal(t, "T-9/abc123.pdf", p.archiveKey("T-9", "abc123", ".pdf"))

	env.cfg.BlobPrefix = "archive/"
	p = env.pipeline(t)
	assert.Equal(t, "archive/T-9/abc123.pdf", p.archiveKey("T-9", "abc123", ".pdf"))

	env.cfg.BlobPrefix = "/deep/path/"
	p = env.pipeline(t)
	assert.Equal(t, "deep/path/T-9/abc123.pdf", p.archiveKey("T-9", "abc123", ".pdf"))
}

func TestExtensionForContentTypes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ".pdf", extensionFor("application/pdf"))
	assert.Equal(t, ".html", extensionFor("text/html; charset=utf-8"))
	assert.Equal(t, ".html", extensionFor("application/xhtml+xml"))
	assert.Equal(t, ".txt", extensionFor("TEXT/PLAIN"))
	assert.Equal(t, ".bin", extensionFor("application/octet-stream"))
	assert.Equal(t, ".bin", extensionFor(""))
}

func TestTruncateForEmbedding(t *testing.T) {
	t.Parallel()

	short := "tender terms"
	assert.Equal(t, short, truncateForEmbedding(short))

	long := strings.Repeat("ä", maxEmbedRunes+100)
	got := truncateForEmbedding(long)
	assert.Equal(t, maxEmbedRunes, len([]rune(got)))
}
