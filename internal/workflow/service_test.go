package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	xerrors "OpenMCP-Orchestra/internal/errors"
	"OpenMCP-Orchestra/internal/seeds"
)

// recordingProducer 记录发布的工作流 ID，可注入一次性失败。
type recordingProducer struct {
	mu        sync.Mutex
	published []string
	failNext  error
}

func (p *recordingProducer) Publish(_ context.Context, workflowID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext != nil {
		err := p.failNext
		p.failNext = nil
		return err
	}
	p.published = append(p.published, workflowID)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func (p *recordingProducer) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.published...)
}

func TestServiceSubmitEnqueues(t *testing.T) {
	store := NewMemoryStore()
	producer := &recordingProducer{}
	svc := NewService(store, producer, 5)

	wf, err := svc.Submit(context.Background(), SubmitRequest{
		Definition: testDef("digest", StepDef{Name: "a", Prompt: "x"}),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if wf.ID == "" {
		t.Fatal("missing generated workflow id")
	}
	if wf.Status != StatusPending || wf.MaxRetries != 5 {
		t.Fatalf("workflow = %s retries=%d, want pending/5", wf.Status, wf.MaxRetries)
	}

	published := producer.ids()
	if len(published) != 1 || published[0] != wf.ID {
		t.Fatalf("published = %v, want [%s]", published, wf.ID)
	}
	stored, err := store.Get(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Name != "digest" {
		t.Fatalf("stored name = %q", stored.Name)
	}
}

func TestServiceSubmitValidatesDefinition(t *testing.T) {
	store := NewMemoryStore()
	producer := &recordingProducer{}
	svc := NewService(store, producer, 3)

	_, err := svc.Submit(context.Background(), SubmitRequest{Definition: Definition{Name: "empty"}})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if code := xerrors.CodeOf(err); code != xerrors.CodeValidation {
		t.Fatalf("error code = %s, want %s", code, xerrors.CodeValidation)
	}
	if len(producer.ids()) != 0 {
		t.Fatal("invalid definition must not be published")
	}
}

func TestServiceSubmitIdempotentByID(t *testing.T) {
	store := NewMemoryStore()
	producer := &recordingProducer{}
	svc := NewService(store, producer, 3)

	first, err := svc.Submit(context.Background(), SubmitRequest{
		ID:         "fixed-id",
		Definition: testDef("digest", StepDef{Name: "a", Prompt: "x"}),
	})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}

	second, err := svc.Submit(context.Background(), SubmitRequest{
		ID:         "fixed-id",
		Definition: testDef("digest-renamed", StepDef{Name: "a", Prompt: "x"}),
	})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if second.ID != first.ID || second.Name != "digest" {
		t.Fatalf("second submit returned %s/%s, want the original record", second.ID, second.Name)
	}
	if got := producer.ids(); len(got) != 1 {
		t.Fatalf("published = %v, 重复提交不应再次入队", got)
	}
}

func TestServiceSubmitSyncRequiresRunner(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, &recordingProducer{}, 3)

	_, err := svc.Submit(context.Background(), SubmitRequest{
		Definition: testDef("digest", StepDef{Name: "a", Prompt: "x"}),
		Sync:       true,
	})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if code := xerrors.CodeOf(err); code != xerrors.CodeValidation {
		t.Fatalf("error code = %s, want %s", code, xerrors.CodeValidation)
	}
	rows, listErr := store.List(context.Background(), buildListOptions(nil))
	if listErr != nil {
		t.Fatalf("list: %v", listErr)
	}
	if len(rows) != 0 {
		t.Fatal("rejected submit must not leave an orphaned record")
	}
}

func TestServiceSubmitSyncRunsInline(t *testing.T) {
	store := NewMemoryStore()
	producer := &recordingProducer{}
	runner := newFakeRunner(store)
	svc := NewService(store, producer, 3, WithServiceRunner(runner))

	wf, err := svc.Submit(context.Background(), SubmitRequest{
		ID:         "sync-ok",
		Definition: testDef("digest", StepDef{Name: "a", Prompt: "x"}),
		Sync:       true,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if wf.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s", wf.Status, StatusCompleted)
	}
	if wf.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", wf.Attempts)
	}
	if len(producer.ids()) != 0 {
		t.Fatal("sync submit must bypass the queue")
	}
	if runner.runs("sync-ok") != 1 {
		t.Fatalf("runner runs = %d, want 1", runner.runs("sync-ok"))
	}
}

func TestServiceSubmitSyncFailureMarksFailed(t *testing.T) {
	store := NewMemoryStore()
	runner := newFakeRunner(store)
	runner.failWith = xerrors.New(xerrors.CodeValidation, "seed rejected")
	runner.failures["sync-bad"] = 1
	svc := NewService(store, &recordingProducer{}, 3, WithServiceRunner(runner))

	_, err := svc.Submit(context.Background(), SubmitRequest{
		ID:         "sync-bad",
		Definition: testDef("digest", StepDef{Name: "a", Prompt: "x"}),
		Sync:       true,
	})
	if err == nil {
		t.Fatal("expected inline failure")
	}

	stored, getErr := store.Get(context.Background(), "sync-bad")
	if getErr != nil {
		t.Fatalf("get: %v", getErr)
	}
	if stored.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", stored.Status, StatusFailed)
	}
	if stored.ErrorCode != string(xerrors.CodeValidation) {
		t.Fatalf("error code = %s, want %s", stored.ErrorCode, xerrors.CodeValidation)
	}
}

func TestServiceSubmitPublishFailure(t *testing.T) {
	store := NewMemoryStore()
	producer := &recordingProducer{failNext: errors.New("broker down")}
	svc := NewService(store, producer, 3)

	_, err := svc.Submit(context.Background(), SubmitRequest{
		ID:         "pub-fail",
		Definition: testDef("digest", StepDef{Name: "a", Prompt: "x"}),
	})
	if err == nil {
		t.Fatal("expected publish error")
	}
	if code := xerrors.CodeOf(err); code != CodeWorkflowPublish {
		t.Fatalf("error code = %s, want %s", code, CodeWorkflowPublish)
	}

	stored, getErr := store.Get(context.Background(), "pub-fail")
	if getErr != nil {
		t.Fatalf("get: %v", getErr)
	}
	if stored.Status != StatusFailed || stored.ErrorCode != string(CodeWorkflowPublish) {
		t.Fatalf("stored = %s/%s, want failed/%s", stored.Status, stored.ErrorCode, CodeWorkflowPublish)
	}
}

func TestServiceSeedMerging(t *testing.T) {
	store := NewMemoryStore()
	library := seeds.NewLibrary(map[string][]seeds.Seed{
		"research": {
			{Key: "topic", Fields: map[string]any{"result": "library topic"}},
			{Key: "tone", Fields: map[string]any{"result": "neutral"}},
		},
	})
	svc := NewService(store, &recordingProducer{}, 3, WithSeedLibrary(library))

	def := testDef("digest", StepDef{Name: "draft", Prompt: "write about {topic.result}"})
	def.Seeds = []seeds.Seed{{Key: "topic", Fields: map[string]any{"result": "definition topic"}}}

	wf, err := svc.Submit(context.Background(), SubmitRequest{
		Definition: def,
		SeedSet:    "research",
		Seeds: []seeds.Seed{
			{Key: "tone", Fields: map[string]any{"result": "direct"}},
			{Key: "audience", Fields: map[string]any{"result": "engineers"}},
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if len(wf.Seeds) != 3 {
		t.Fatalf("seeds = %d, want 3", len(wf.Seeds))
	}
	// 保留首次出现的顺序，值按 种子集 < 定义 < 请求 逐层覆盖。
	wantOrder := []string{"topic", "tone", "audience"}
	for i, key := range wantOrder {
		if wf.Seeds[i].Key != key {
			t.Fatalf("seed[%d] = %s, want %s", i, wf.Seeds[i].Key, key)
		}
	}
	if got := wf.Seeds[0].Fields["result"]; got != "definition topic" {
		t.Fatalf("topic = %v, want definition override", got)
	}
	if got := wf.Seeds[1].Fields["result"]; got != "direct" {
		t.Fatalf("tone = %v, want request override", got)
	}
}

func TestServiceSeedMergingErrors(t *testing.T) {
	store := NewMemoryStore()
	def := testDef("digest", StepDef{Name: "draft", Prompt: "x"})

	// 未配置种子库。
	bare := NewService(store, &recordingProducer{}, 3)
	_, err := bare.Submit(context.Background(), SubmitRequest{Definition: def, SeedSet: "research"})
	if err == nil || !strings.Contains(err.Error(), "未配置种子库") {
		t.Fatalf("err = %v, want missing library", err)
	}

	library := seeds.NewLibrary(map[string][]seeds.Seed{"research": {{Key: "topic"}}})
	svc := NewService(NewMemoryStore(), &recordingProducer{}, 3, WithSeedLibrary(library))

	if _, err := svc.Submit(context.Background(), SubmitRequest{Definition: def, SeedSet: "ghost"}); err == nil ||
		!strings.Contains(err.Error(), "不存在") {
		t.Fatalf("err = %v, want unknown seed set", err)
	}

	if _, err := svc.Submit(context.Background(), SubmitRequest{
		Definition: def,
		Seeds:      []seeds.Seed{{Key: "9bad"}},
	}); err == nil || !strings.Contains(err.Error(), "不合法") {
		t.Fatalf("err = %v, want invalid seed key", err)
	}

	if _, err := svc.Submit(context.Background(), SubmitRequest{
		Definition: def,
		Seeds:      []seeds.Seed{{Key: "draft"}},
	}); err == nil || !strings.Contains(err.Error(), "输出键冲突") {
		t.Fatalf("err = %v, want step key collision", err)
	}
}

func TestServicePauseAndResumePending(t *testing.T) {
	store := NewMemoryStore()
	producer := &recordingProducer{}
	svc := NewService(store, producer, 3)

	wf, err := svc.Submit(context.Background(), SubmitRequest{
		ID:         "wf-lifecycle",
		Definition: testDef("digest", StepDef{Name: "a", Prompt: "x"}),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := svc.Pause(context.Background(), wf.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	paused, err := store.Get(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if paused.Status != StatusPaused {
		t.Fatalf("status = %s, want %s", paused.Status, StatusPaused)
	}
	// 滞留的队列消息此时无法抢占。
	if _, err := store.Claim(context.Background(), wf.ID); !errors.Is(err, ErrWorkflowConflict) {
		t.Fatalf("claim paused = %v, want conflict", err)
	}

	if err := svc.Resume(context.Background(), wf.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	resumed, err := store.Get(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resumed.Status != StatusPending {
		t.Fatalf("status = %s, want %s", resumed.Status, StatusPending)
	}
	if resumed.Attempts != 0 {
		t.Fatalf("attempts = %d, 恢复应重置排队预算", resumed.Attempts)
	}
	if got := producer.ids(); len(got) != 2 || got[1] != wf.ID {
		t.Fatalf("published = %v, resume must republish", got)
	}

	// 对 pending 工作流再次恢复是无操作。
	if err := svc.Resume(context.Background(), wf.ID); err != nil {
		t.Fatalf("resume pending: %v", err)
	}
	if got := producer.ids(); len(got) != 2 {
		t.Fatalf("published = %v, no-op resume must not republish", got)
	}
}

func TestServiceResumePublishFailureRestoresPause(t *testing.T) {
	store := NewMemoryStore()
	producer := &recordingProducer{}
	svc := NewService(store, producer, 3)

	wf, err := svc.Submit(context.Background(), SubmitRequest{
		ID:         "wf-stuck",
		Definition: testDef("digest", StepDef{Name: "a", Prompt: "x"}),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := svc.Pause(context.Background(), wf.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}

	producer.mu.Lock()
	producer.failNext = errors.New("broker down")
	producer.mu.Unlock()

	err = svc.Resume(context.Background(), wf.ID)
	if err == nil {
		t.Fatal("expected resume failure")
	}
	if code := xerrors.CodeOf(err); code != CodeWorkflowPublish {
		t.Fatalf("error code = %s, want %s", code, CodeWorkflowPublish)
	}
	stored, getErr := store.Get(context.Background(), wf.ID)
	if getErr != nil {
		t.Fatalf("get: %v", getErr)
	}
	if stored.Status != StatusPaused {
		t.Fatalf("status = %s, 发布失败应回到暂停态", stored.Status)
	}
}

func TestServiceCancelPending(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, &recordingProducer{}, 3)

	wf, err := svc.Submit(context.Background(), SubmitRequest{
		ID:         "wf-cancel",
		Definition: testDef("digest", StepDef{Name: "a", Prompt: "x"}, StepDef{Name: "b", Prompt: "y"}),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := svc.Cancel(context.Background(), wf.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	stored, err := store.Get(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusCancelled {
		t.Fatalf("status = %s, want %s", stored.Status, StatusCancelled)
	}
	if stored.ErrorCode != string(xerrors.CodeCancelled) {
		t.Fatalf("error code = %s, want %s", stored.ErrorCode, xerrors.CodeCancelled)
	}
	for _, step := range stored.Steps {
		if step.Status != StepCancelled {
			t.Fatalf("step %s status = %s, want %s", step.Name, step.Status, StepCancelled)
		}
	}

	if err := svc.Cancel(context.Background(), wf.ID); !errors.Is(err, ErrWorkflowCompleted) {
		t.Fatalf("cancel terminal = %v, want completed", err)
	}
	if _, err := store.Claim(context.Background(), wf.ID); !errors.Is(err, ErrWorkflowCompleted) {
		t.Fatalf("claim cancelled = %v, want completed", err)
	}
}

func TestServiceControlRoutingForRunning(t *testing.T) {
	store := NewMemoryStore()
	hub := NewHub()
	svc := NewService(store, &recordingProducer{}, 3, WithServiceHub(hub))

	wf, err := svc.Submit(context.Background(), SubmitRequest{
		ID:         "wf-running",
		Definition: testDef("digest", StepDef{Name: "a", Prompt: "x"}),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	store.mu.Lock()
	store.workflows[wf.ID].Status = StatusRunning
	store.mu.Unlock()

	// 本地没有控制句柄时视为其他节点在执行。
	if err := svc.Pause(context.Background(), wf.ID); err == nil ||
		xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("pause remote = %v, want conflict", err)
	}
	if err := svc.Cancel(context.Background(), wf.ID); err == nil ||
		xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("cancel remote = %v, want conflict", err)
	}

	control, registered := hub.Register(wf.ID)
	if !registered {
		t.Fatal("register control")
	}
	defer hub.Release(wf.ID)

	if err := svc.Pause(context.Background(), wf.ID); err != nil {
		t.Fatalf("pause local: %v", err)
	}
	if !control.Paused() {
		t.Fatal("pause request not routed to control")
	}
	if err := svc.Resume(context.Background(), wf.ID); err != nil {
		t.Fatalf("resume local: %v", err)
	}
	if control.Paused() {
		t.Fatal("resume request not routed to control")
	}
	if err := svc.Cancel(context.Background(), wf.ID); err != nil {
		t.Fatalf("cancel local: %v", err)
	}
	if !control.Cancelled() {
		t.Fatal("cancel request not routed to control")
	}
}

func TestServiceWaitUntilCompleted(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, &recordingProducer{}, 3, WithServiceRunner(newFakeRunner(store)))

	wf, err := svc.Submit(context.Background(), SubmitRequest{
		ID:         "wf-wait",
		Definition: testDef("digest", StepDef{Name: "a", Prompt: "x"}),
		Sync:       true,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	got, err := svc.WaitUntilCompleted(context.Background(), wf.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s", got.Status, StatusCompleted)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := svc.WaitUntilCompleted(ctx, "missing", 10*time.Millisecond); err == nil {
		t.Fatal("expected error for missing workflow")
	}
}
