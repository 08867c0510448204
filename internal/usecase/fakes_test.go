package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/example/food-recognition/internal/imageprocessor"
	"github.com/example/food-recognition/internal/queue"
	"github.com/example/food-recognition/internal/recognition"
	"github.com/example/food-recognition/internal/registry"
	"github.com/example/food-recognition/internal/repository"
	"github.com/example/food-recognition/internal/staging"
)

// memoryStore mirrors the repository's semantics: one mutex plays the row
// lock, terminal rows are never rewritten.
type memoryStore struct {
	mu     sync.Mutex
	jobs   map[string]*repository.Job
	photos map[string]*repository.Photo
	meals  map[string]*repository.Meal
	items  map[string][]repository.MealItem
	events map[string]*repository.CancelEvent
	usage  map[string]int

	draftsCreated int
	findCalls     int
	findGate      *sync.WaitGroup
	beforeCommit  func()
	createErr     error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		jobs:   map[string]*repository.Job{},
		photos: map[string]*repository.Photo{},
		meals:  map[string]*repository.Meal{},
		items:  map[string][]repository.MealItem{},
		events: map[string]*repository.CancelEvent{},
		usage:  map[string]int{},
	}
}

func (m *memoryStore) CreateJob(_ context.Context, job *repository.Job, photo *repository.Photo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	j, p := *job, *photo
	m.jobs[job.ID] = &j
	m.photos[photo.ID] = &p
	return nil
}

func (m *memoryStore) GetJob(_ context.Context, jobID string) (*repository.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (m *memoryStore) MarkProcessing(_ context.Context, jobID string) (*repository.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if job.Status.Terminal() {
		copied := *job
		return &copied, repository.ErrTerminal
	}
	m.setStatus(job, repository.StatusProcessing)
	copied := *job
	return &copied, nil
}

func (m *memoryStore) RecordAttempt(_ context.Context, jobID string, normalized bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[jobID]; ok && !job.Status.Terminal() {
		job.Attempts++
		job.Normalized = normalized
	}
	return nil
}

func (m *memoryStore) CreateDraftMeal(_ context.Context, job *repository.Job, mealID string) (*repository.Meal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meal := &repository.Meal{ID: mealID, OwnerID: job.OwnerID, Status: repository.MealDraft}
	m.meals[mealID] = meal
	m.draftsCreated++
	return meal, nil
}

func (m *memoryStore) DeleteDraftMeal(_ context.Context, mealID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if meal, ok := m.meals[mealID]; ok && meal.Status == repository.MealDraft && len(m.items[mealID]) == 0 {
		delete(m.meals, mealID)
	}
	return nil
}

func (m *memoryStore) CommitSuccess(_ context.Context, jobID string, in repository.SuccessCommit) error {
	if m.beforeCommit != nil {
		m.beforeCommit()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return repository.ErrNotFound
	}
	if job.Status.Terminal() {
		return repository.ErrTerminal
	}
	meal, ok := m.meals[in.MealID]
	if !ok {
		meal = &repository.Meal{ID: in.MealID, OwnerID: job.OwnerID}
		m.meals[in.MealID] = meal
	}
	meal.Status = repository.MealReady
	meal.Grams, meal.Calories = in.Grams, in.Kcal
	m.items[in.MealID] = append([]repository.MealItem(nil), in.Items...)

	mealID := in.MealID
	job.MealID = &mealID
	job.Result = in.Result
	job.Meta = in.Meta
	m.setStatus(job, repository.StatusSuccess)
	return nil
}

func (m *memoryStore) Finalize(_ context.Context, jobID string, status repository.Status, code, message string, meta datatypes.JSON) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return repository.ErrNotFound
	}
	if job.Status.Terminal() {
		return repository.ErrTerminal
	}
	job.ErrorCode = code
	job.ErrorMessage = message
	job.Meta = meta
	m.setStatus(job, status)
	return nil
}

func (m *memoryStore) IncrementUsage(_ context.Context, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage[ownerID]++
	return nil
}

func (m *memoryStore) CountByStatus(_ context.Context, ownerID string) ([]repository.StatusCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[repository.Status]int64{}
	for _, job := range m.jobs {
		if job.OwnerID == ownerID {
			counts[job.Status]++
		}
	}
	var out []repository.StatusCount
	for status, n := range counts {
		out = append(out, repository.StatusCount{Status: status, Count: n})
	}
	return out, nil
}

func (m *memoryStore) FindEvent(_ context.Context, clientCancelID string) (*repository.CancelEvent, error) {
	m.mu.Lock()
	m.findCalls++
	gate, n := m.findGate, m.findCalls
	m.mu.Unlock()
	if gate != nil && n <= 2 {
		gate.Done()
		gate.Wait()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	event, ok := m.events[clientCancelID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *event
	return &copied, nil
}

func (m *memoryStore) OwnedActiveJobIDs(_ context.Context, ownerID string, ids []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, id := range ids {
		if job, ok := m.jobs[id]; ok && job.OwnerID == ownerID && !job.Status.Terminal() {
			out = append(out, id)
		}
	}
	return out, nil
}

// ApplyCancel matches rows the way the SQL target condition does and leaves
// filtering and counting to the repository's own helpers.
func (m *memoryStore) ApplyCancel(_ context.Context, req repository.CancelRequest) (*repository.CancelResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.events[req.ClientCancelID]; exists {
		return nil, repository.ErrDuplicateEvent
	}

	wantJobs := set(req.JobIDs)
	wantPhotos := set(req.PhotoIDs)
	var jobs []repository.Job
	for _, job := range m.jobs {
		if wantJobs[job.ID] || wantPhotos[job.PhotoID] {
			jobs = append(jobs, *job)
		}
	}
	var photos []repository.Photo
	for _, photo := range m.photos {
		if wantPhotos[photo.ID] || wantJobs[photo.JobID] {
			photos = append(photos, *photo)
		}
	}

	plan := repository.PlanCancel(req, jobs, photos)
	for _, id := range plan.ActiveJobIDs {
		m.jobs[id].Status = repository.StatusCancelled
		m.jobs[id].ErrorCode = CodeCancelled
	}
	for _, id := range plan.ActivePhotoIDs {
		m.photos[id].Status = repository.StatusCancelled
	}

	event := repository.NewCancelEvent(req, len(plan.ActivePhotoIDs), time.Now())
	m.events[req.ClientCancelID] = event
	copied := *event
	return &repository.CancelResult{
		Event:           &copied,
		CancelledJobIDs: plan.ActiveJobIDs,
		MissingJobIDs:   plan.MissingJobIDs,
		MissingPhotoIDs: plan.MissingPhotoIDs,
	}, nil
}

func (m *memoryStore) setStatus(job *repository.Job, status repository.Status) {
	job.Status = status
	for _, photo := range m.photos {
		if photo.JobID == job.ID {
			photo.Status = status
			photo.MealID = job.MealID
		}
	}
}

func (m *memoryStore) job(t *testing.T, id string) repository.Job {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		t.Fatalf("job %s not found", id)
	}
	return *job
}

func (m *memoryStore) photoStatus(id string) repository.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, photo := range m.photos {
		if photo.JobID == id {
			return photo.Status
		}
	}
	return ""
}

func (m *memoryStore) usageFor(owner string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage[owner]
}

func (m *memoryStore) draftCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, meal := range m.meals {
		if meal.Status == repository.MealDraft {
			n++
		}
	}
	return n
}

func set(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

type memoryStaging struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemoryStaging() *memoryStaging {
	return &memoryStaging{objects: map[string][]byte{}}
}

func (s *memoryStaging) Put(_ context.Context, key string, data []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), data...)
	return nil
}

func (s *memoryStaging) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, staging.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *memoryStaging) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

type enqueued struct {
	msg   queue.Message
	delay time.Duration
}

type memoryQueue struct {
	mu   sync.Mutex
	sent []enqueued
	err  error
}

func (q *memoryQueue) Enqueue(_ context.Context, msg queue.Message, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.sent = append(q.sent, enqueued{msg: msg, delay: delay})
	return nil
}

func (q *memoryQueue) Dequeue(context.Context) (*queue.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.sent) == 0 {
		return nil, nil
	}
	next := q.sent[0]
	q.sent = q.sent[1:]
	return &next.msg, nil
}

func (q *memoryQueue) Ack(context.Context, *queue.Message) error { return nil }

func (q *memoryQueue) pop(t *testing.T) enqueued {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.sent) == 0 {
		t.Fatal("expected an enqueued message")
	}
	next := q.sent[0]
	q.sent = q.sent[1:]
	return next
}

type recognizerStep struct {
	outcome *recognition.Outcome
	err     error
}

type scriptedRecognizer struct {
	mu     sync.Mutex
	steps  []recognizerStep
	images [][]byte
	onCall func(ctx context.Context)
}

func (r *scriptedRecognizer) Recognize(ctx context.Context, req recognition.Request) (*recognition.Outcome, error) {
	r.mu.Lock()
	r.images = append(r.images, append([]byte(nil), req.Image...))
	var step recognizerStep
	if len(r.steps) > 0 {
		step = r.steps[0]
		r.steps = r.steps[1:]
	}
	hook := r.onCall
	r.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if step.outcome == nil && step.err == nil {
		return nil, errors.New("no scripted step")
	}
	return step.outcome, step.err
}

func (r *scriptedRecognizer) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.images)
}

type countingNormalizer struct {
	inner Normalizer
	mu    sync.Mutex
	calls int
}

func (n *countingNormalizer) Normalize(ctx context.Context, data []byte, declared string) (imageprocessor.NormalizedImage, imageprocessor.Action, imageprocessor.Reason) {
	n.mu.Lock()
	n.calls++
	n.mu.Unlock()
	return n.inner.Normalize(ctx, data, declared)
}

type memoryCache struct {
	mu     sync.Mutex
	values map[string]string
	getErr error
}

func newMemoryCache() *memoryCache {
	return &memoryCache{values: map[string]string{}}
}

func (c *memoryCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = cacheString(value)
	return nil
}

func (c *memoryCache) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.values[key]; exists {
		return false, nil
	}
	c.values[key] = cacheString(value)
	return true, nil
}

func (c *memoryCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return "", c.getErr
	}
	value, ok := c.values[key]
	if !ok {
		return "", registry.ErrMiss
	}
	return value, nil
}

func cacheString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		raw, _ := json.Marshal(v)
		return string(raw)
	}
}

type stubTask struct {
	id      string
	err     error
	mu      sync.Mutex
	revoked int
}

func (s *stubTask) ID() string { return s.id }

func (s *stubTask) Cancel(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked++
	return s.err
}

// harness wires the use cases against the in-memory collaborators.
type harness struct {
	store      *memoryStore
	staging    *memoryStaging
	queue      *memoryQueue
	cache      *memoryCache
	registry   *registry.Registry
	recognizer *scriptedRecognizer
	normalizer *countingNormalizer
	intake     *Intake
	pipeline   *Pipeline
	cancel     *CancellationService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:      newMemoryStore(),
		staging:    newMemoryStaging(),
		queue:      &memoryQueue{},
		cache:      newMemoryCache(),
		recognizer: &scriptedRecognizer{},
	}
	opts := imageprocessor.DefaultOptions()
	opts.Budget = 10 * time.Second
	h.normalizer = &countingNormalizer{inner: imageprocessor.NewNormalizer(opts)}
	h.registry = registry.New(h.cache, time.Minute)

	logger := zap.NewNop()
	h.intake = NewIntake(h.store, h.staging, h.queue, h.cache, IntakeConfig{MaxUploadBytes: 10 << 20}, logger)
	policy := RetryPolicy{MaxRetries: 3, BaseBackoff: 2 * time.Second, MaxBackoff: 30 * time.Second}
	h.pipeline = NewPipeline(h.store, h.staging, h.queue, h.registry, h.normalizer, h.recognizer, policy, logger)
	h.pipeline.rnd = func() float64 { return 0.5 }
	h.cancel = NewCancellationService(h.store, h.registry, logger)
	return h
}

// submit accepts img for owner and returns the queued delivery.
func (h *harness) submit(t *testing.T, owner string, img []byte, contentType string) (*SubmitResult, queue.Message) {
	t.Helper()
	res, err := h.intake.Submit(context.Background(), SubmitRequest{OwnerID: owner, Image: img, ContentType: contentType})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	return res, h.queue.pop(t).msg
}

func jpegImage(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: uint8(x ^ y), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func pngImage(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 128, A: uint8(128 + x%128)})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func okOutcome(items ...map[string]any) recognizerStep {
	list := make([]any, 0, len(items))
	for _, it := range items {
		list = append(list, it)
	}
	return recognizerStep{outcome: &recognition.Outcome{OK: true, StatusCode: 200, Payload: map[string]any{"items": list}}}
}

func serverError(status int) recognizerStep {
	return recognizerStep{err: &recognition.Error{Kind: recognition.KindServer, StatusCode: status, Err: errors.New("unavailable")}}
}
