package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-pdf/fpdf"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vectorpress/internal/common"
	"github.com/ternarybob/vectorpress/internal/interfaces"
	"github.com/ternarybob/vectorpress/internal/models"
	"github.com/ternarybob/vectorpress/internal/services/lock"
	"github.com/ternarybob/vectorpress/internal/storage/memory"
)

// fakeQueue records enqueued flows instead of dispatching them.
type fakeQueue struct {
	handlers   map[string]interfaces.FlowHandler
	failures   map[string]interfaces.FailureHandler
	flows      []interfaces.FlowSpec
	enqueueErr error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		handlers: make(map[string]interfaces.FlowHandler),
		failures: make(map[string]interfaces.FailureHandler),
	}
}

func (q *fakeQueue) RegisterHandler(name string, h interfaces.FlowHandler) { q.handlers[name] = h }
func (q *fakeQueue) RegisterFailureHandler(name string, h interfaces.FailureHandler) {
	q.failures[name] = h
}
func (q *fakeQueue) EnqueueFlow(ctx context.Context, flow interfaces.FlowSpec) error {
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.flows = append(q.flows, flow)
	return nil
}
func (q *fakeQueue) Start() error { return nil }
func (q *fakeQueue) Stop() error  { return nil }

// stubEngine returns a synthetic page without touching pdfcpu.
type stubEngine struct {
	err      error
	rendered []int
	onRender func(pageIndex int)
}

func (e *stubEngine) RenderPage(ctx context.Context, meta *models.VectorMetadata, pageIndex int) ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.rendered = append(e.rendered, pageIndex)
	if e.onRender != nil {
		e.onRender(pageIndex)
	}
	return []byte(fmt.Sprintf("%%PDF-1.4 page %d", pageIndex)), nil
}

type testEnv struct {
	svc    *Service
	jobs   *memory.JobStore
	blobs  *memory.BlobStore
	queue  *fakeQueue
	engine *stubEngine
	cfg    *common.Config
}

func newTestEnv(t *testing.T, locks *lock.Service) *testEnv {
	t.Helper()
	cfg := common.DefaultConfig()
	cfg.Vector.MetadataMACSecret = "test-secret"
	cfg.Vector.BatchSize = 4

	if locks == nil {
		locks = lock.NewService(nil, 30*time.Second, 0, arbor.NewLogger())
	}
	env := &testEnv{
		jobs:   memory.NewJobStore(),
		blobs:  memory.NewBlobStore(),
		queue:  newFakeQueue(),
		engine: &stubEngine{},
		cfg:    cfg,
	}
	env.svc = NewService(cfg, env.jobs, env.blobs, env.queue, locks, env.engine, arbor.NewLogger())
	env.svc.Register()
	return env
}

func redisLocks(t *testing.T, maxActive int) (*lock.Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return lock.NewService(client, 30*time.Second, maxActive, arbor.NewLogger()), mr
}

func testMeta(totalPages int) *models.VectorMetadata {
	return &models.VectorMetadata{
		SourcePDFKey: "documents/source/tickets.pdf",
		TicketCrop: models.TicketCrop{
			XRatio: 0.1, YRatio: 0.1, WidthRatio: 0.5, HeightRatio: 0.3,
		},
		Layout: models.LayoutSpec{
			PageSize:      "A4",
			TotalPages:    totalPages,
			RepeatPerPage: 4,
		},
	}
}

func auditEvents(job *models.PrintJob) []string {
	names := make([]string, len(job.Audit))
	for i, e := range job.Audit {
		names[i] = e.Event
	}
	return names
}

// pdfPage produces a real one-page PDF so the merge can run pdfcpu
// against it.
func pdfPage(t *testing.T, label string) []byte {
	t.Helper()
	pdf := fpdf.New("P", "pt", "A4", "")
	pdf.AddPage()
	pdf.SetFont("Helvetica", "", 12)
	pdf.Text(100, 100, label)
	var buf bytes.Buffer
	require.NoError(t, pdf.Output(&buf))
	return buf.Bytes()
}

func TestSubmit_EnqueuesFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	job, err := env.svc.Submit(ctx, "user-1", testMeta(10))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, 10, job.TotalPages)
	assert.NotEmpty(t, job.MetadataMAC)

	require.Len(t, env.queue.flows, 1)
	flow := env.queue.flows[0]
	assert.Equal(t, job.ID, flow.ID)
	assert.Equal(t, interfaces.JobNameRenderMerge, flow.Parent.Name)

	// ceil(10/4) batches covering every page exactly once.
	require.Len(t, flow.Children, 3)
	covered := 0
	for i, child := range flow.Children {
		assert.Equal(t, interfaces.JobNameRenderBatch, child.Name)
		p := child.Payload.(batchPayload)
		assert.Equal(t, i, p.BatchIndex)
		assert.Equal(t, covered, p.StartPage)
		covered += p.PageCount
	}
	assert.Equal(t, 10, covered)

	stored, err := env.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	events := auditEvents(stored)
	assert.Contains(t, events, models.AuditJobCreated)
	assert.Contains(t, events, models.AuditJobEnqueued)
	// Lock cache absent in this environment.
	assert.Contains(t, events, models.AuditRenderLockUnavailable)
}

func TestSubmit_InvalidMetadata(t *testing.T) {
	env := newTestEnv(t, nil)

	meta := testMeta(10)
	meta.Layout.TotalPages = 0
	_, err := env.svc.Submit(context.Background(), "user-1", meta)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindValidation))
	assert.Empty(t, env.queue.flows)
}

func TestSubmit_PageCapApplies(t *testing.T) {
	env := newTestEnv(t, nil)
	env.cfg.Vector.MaxPages = 5

	_, err := env.svc.Submit(context.Background(), "user-1", testMeta(6))
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindValidation))
}

func TestSubmit_BusyReturnsHolderJob(t *testing.T) {
	locks, _ := redisLocks(t, 0)
	env := newTestEnv(t, locks)
	ctx := context.Background()

	first, err := env.svc.Submit(ctx, "user-1", testMeta(10))
	require.NoError(t, err)

	second, err := env.svc.Submit(ctx, "user-2", testMeta(10))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// No second flow was enqueued for the duplicate submission.
	assert.Len(t, env.queue.flows, 1)
}

func TestSubmit_BusyWithUnknownHolder(t *testing.T) {
	locks, _ := redisLocks(t, 0)
	env := newTestEnv(t, locks)
	ctx := context.Background()

	// A lock held by a job this store has never seen.
	res, err := locks.Acquire(ctx, "documents/source/tickets.pdf", "ghost-job")
	require.NoError(t, err)
	require.Equal(t, lock.OutcomeAcquired, res.Outcome)

	_, err = env.svc.Submit(ctx, "user-1", testMeta(10))
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindLockBusy))
}

func TestSubmit_Throttled(t *testing.T) {
	locks, _ := redisLocks(t, 1)
	env := newTestEnv(t, locks)
	ctx := context.Background()

	res, err := locks.Acquire(ctx, "other-doc", "other-job")
	require.NoError(t, err)
	require.Equal(t, lock.OutcomeAcquired, res.Outcome)

	_, err = env.svc.Submit(ctx, "user-1", testMeta(10))
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindLockThrottled))
	assert.Empty(t, env.queue.flows)
}

func TestSubmit_EnqueueFailureFailsJob(t *testing.T) {
	env := newTestEnv(t, nil)
	env.queue.enqueueErr = fmt.Errorf("queue down")

	job, err := env.svc.Submit(context.Background(), "user-1", testMeta(10))
	require.Error(t, err)
	require.Nil(t, job)

	// The persisted job was terminalized, not left dangling in PENDING.
	all, err := env.jobs.FindFailedBefore(context.Background(), time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Contains(t, all[0].Error.Message, "queue down")
}

func submitJob(t *testing.T, env *testEnv, totalPages int) *models.PrintJob {
	t.Helper()
	job, err := env.svc.Submit(context.Background(), "user-1", testMeta(totalPages))
	require.NoError(t, err)
	return job
}

func batchJob(t *testing.T, job *models.PrintJob, index, start, count int) *interfaces.FlowJob {
	t.Helper()
	payload, err := json.Marshal(batchPayload{
		JobID:      job.ID,
		DocumentID: job.DocumentID,
		BatchIndex: index,
		StartPage:  start,
		PageCount:  count,
	})
	require.NoError(t, err)
	return &interfaces.FlowJob{ID: "qj-1", FlowID: job.ID, Name: interfaces.JobNameRenderBatch, Payload: payload, Attempt: 1}
}

func TestHandleBatch_RendersRange(t *testing.T) {
	env := newTestEnv(t, nil)
	job := submitJob(t, env, 10)

	raw, err := env.svc.HandleBatch(context.Background(), batchJob(t, job, 0, 0, 4))
	require.NoError(t, err)

	var result batchResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, job.ID, result.JobID)
	assert.False(t, result.Skipped)
	require.Len(t, result.Pages, 4)
	assert.True(t, bytes.HasPrefix(result.Pages[0], []byte("%PDF-")))
	assert.Equal(t, []int{0, 1, 2, 3}, env.engine.rendered)

	stored, err := env.jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, stored.Status)
	assert.Equal(t, 4*80/10, stored.Progress)
}

func TestHandleBatch_TerminalJobSkips(t *testing.T) {
	env := newTestEnv(t, nil)
	job := submitJob(t, env, 10)
	require.NoError(t, env.jobs.MarkFailed(context.Background(), job.ID, models.JobError{Message: "reaped"}))

	raw, err := env.svc.HandleBatch(context.Background(), batchJob(t, job, 0, 0, 4))
	require.NoError(t, err)

	var result batchResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.True(t, result.Skipped)
	assert.Empty(t, result.Pages)
	assert.Empty(t, env.engine.rendered)
}

func TestHandleBatch_ReapMidBatchStopsAtPageBoundary(t *testing.T) {
	env := newTestEnv(t, nil)
	job := submitJob(t, env, 10)
	ctx := context.Background()

	// The reaper expires the job while page 0 is rendering; the batch
	// must stand down at the next page boundary.
	env.engine.onRender = func(pageIndex int) {
		if pageIndex == 0 {
			require.NoError(t, env.jobs.MarkExpired(ctx, job.ID, false))
		}
	}

	raw, err := env.svc.HandleBatch(ctx, batchJob(t, job, 0, 0, 4))
	require.NoError(t, err)

	var result batchResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.True(t, result.Skipped)
	assert.Equal(t, []int{0}, env.engine.rendered)
}

func TestHandleBatch_MACMismatch(t *testing.T) {
	env := newTestEnv(t, nil)

	// Persist a job whose MAC does not cover its metadata.
	job := models.NewPrintJob("user-1", *testMeta(10), "forged")
	require.NoError(t, env.jobs.Create(context.Background(), job))

	_, err := env.svc.HandleBatch(context.Background(), batchJob(t, job, 0, 0, 4))
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindMACMismatch))
	assert.False(t, models.IsRetryable(err))
	assert.Empty(t, env.engine.rendered)
}

func TestHandleBatch_UnknownJob(t *testing.T) {
	env := newTestEnv(t, nil)
	payload, _ := json.Marshal(batchPayload{JobID: "missing", PageCount: 1})

	_, err := env.svc.HandleBatch(context.Background(), &interfaces.FlowJob{Payload: payload})
	require.Error(t, err)
	// Replica lag tolerance: absence is retryable.
	assert.True(t, models.IsKind(err, models.KindNotFound))
	assert.True(t, models.IsRetryable(err))
}

func mergeJob(t *testing.T, job *models.PrintJob, results ...json.RawMessage) *interfaces.FlowJob {
	t.Helper()
	payload, err := json.Marshal(mergePayload{JobID: job.ID, DocumentID: job.DocumentID})
	require.NoError(t, err)
	return &interfaces.FlowJob{
		ID:           "qp-1",
		FlowID:       job.ID,
		Name:         interfaces.JobNameRenderMerge,
		Payload:      payload,
		ChildResults: results,
		Attempt:      1,
	}
}

func childResult(t *testing.T, job *models.PrintJob, index, start int, pages ...[]byte) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(batchResult{JobID: job.ID, BatchIndex: index, StartPage: start, Pages: pages})
	require.NoError(t, err)
	return raw
}

func TestHandleMerge_AssemblesAndFinishes(t *testing.T) {
	env := newTestEnv(t, nil)
	job := submitJob(t, env, 2)
	ctx := context.Background()

	before := time.Now().UTC()
	raw, err := env.svc.HandleMerge(ctx, mergeJob(t, job,
		childResult(t, job, 0, 0, pdfPage(t, "page 0"), pdfPage(t, "page 1")),
	))
	require.NoError(t, err)

	var reply map[string]string
	require.NoError(t, json.Unmarshal(raw, &reply))
	key := interfaces.BlobPrefixFinal + job.ID + ".pdf"
	assert.Equal(t, key, reply["output"])

	merged, err := env.blobs.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(merged, []byte("%PDF-")))

	stored, err := env.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDone, stored.Status)
	assert.Equal(t, 100, stored.Progress)
	require.NotNil(t, stored.Output)
	assert.Equal(t, key, stored.Output.Key)
	assert.NotEmpty(t, stored.Output.URL)
	require.NotNil(t, stored.Output.ExpiresAt)
	ttl := time.Duration(env.cfg.Vector.FinalPDFTTLHours) * time.Hour
	assert.WithinDuration(t, before.Add(ttl), *stored.Output.ExpiresAt, time.Minute)

	events := auditEvents(stored)
	assert.Contains(t, events, models.AuditJobDone)
	assert.Contains(t, events, models.AuditMergeTime)
}

func TestHandleMerge_MissingPage(t *testing.T) {
	env := newTestEnv(t, nil)
	job := submitJob(t, env, 2)

	_, err := env.svc.HandleMerge(context.Background(), mergeJob(t, job,
		childResult(t, job, 0, 0, pdfPage(t, "page 0")),
	))
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindMissingPages))
	assert.False(t, models.IsRetryable(err))
}

func TestHandleMerge_OutOfRangePage(t *testing.T) {
	env := newTestEnv(t, nil)
	job := submitJob(t, env, 2)

	_, err := env.svc.HandleMerge(context.Background(), mergeJob(t, job,
		childResult(t, job, 0, 2, pdfPage(t, "stray")),
	))
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindMissingPages))
}

func TestHandleMerge_SkippedChildStandsDown(t *testing.T) {
	env := newTestEnv(t, nil)
	job := submitJob(t, env, 2)

	skipped, err := json.Marshal(batchResult{JobID: job.ID, Skipped: true})
	require.NoError(t, err)

	raw, err := env.svc.HandleMerge(context.Background(), mergeJob(t, job, skipped))
	require.NoError(t, err)

	var reply map[string]bool
	require.NoError(t, json.Unmarshal(raw, &reply))
	assert.True(t, reply["skipped"])

	stored, err := env.jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.NotEqual(t, models.JobStatusDone, stored.Status)
	assert.False(t, env.blobs.Exists(interfaces.BlobPrefixFinal+job.ID+".pdf"))
}

func TestHandleMerge_TimeBudget(t *testing.T) {
	env := newTestEnv(t, nil)
	job := submitJob(t, env, 1)

	// An already-elapsed budget trips on the first staged page.
	env.cfg.Vector.MergeMaxMS = 1
	_, err := env.svc.assemble(job, [][]byte{pdfPage(t, "p")}, time.Now().Add(-time.Second))
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindTimeBudgetExceeded))
	assert.False(t, models.IsRetryable(err))
}

func TestAssemble_OutputIsPDF(t *testing.T) {
	env := newTestEnv(t, nil)
	job := submitJob(t, env, 2)

	out, err := env.svc.assemble(job, [][]byte{pdfPage(t, "a"), pdfPage(t, "b")}, time.Now())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, pdfHeader))
}

func TestHandleFinalFailure_TerminalizesJob(t *testing.T) {
	env := newTestEnv(t, nil)
	job := submitJob(t, env, 10)
	ctx := context.Background()

	env.svc.handleFinalFailure(ctx, batchJob(t, job, 1, 4, 4), models.NewError(models.KindInternal, "render exploded"))

	stored, err := env.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Contains(t, stored.Error.Message, "render exploded")
	assert.Contains(t, auditEvents(stored), models.AuditJobFailed)
}

func TestHandleFinalFailure_TerminalJobUntouched(t *testing.T) {
	env := newTestEnv(t, nil)
	job := submitJob(t, env, 10)
	ctx := context.Background()

	output := models.JobOutput{Key: "documents/final/x.pdf"}
	require.NoError(t, env.jobs.MarkDone(ctx, job.ID, output))

	env.svc.handleFinalFailure(ctx, batchJob(t, job, 0, 0, 4), models.NewError(models.KindInternal, "late failure"))

	stored, err := env.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDone, stored.Status)
}
