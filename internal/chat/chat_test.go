package chat

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/MrWong99/agentengine/internal/resolve"
	"github.com/MrWong99/agentengine/internal/task"
	"github.com/MrWong99/agentengine/pkg/backend"
	"github.com/MrWong99/agentengine/pkg/backend/mock"
	"github.com/MrWong99/agentengine/pkg/inference"
	inferencemock "github.com/MrWong99/agentengine/pkg/inference/mock"
	"github.com/MrWong99/agentengine/pkg/types"
)

var discard = slog.New(slog.DiscardHandler)

func writeImage(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for y := range 30 {
		for x := range 40 {
			img.Set(x, y, color.RGBA{R: 10, G: 200, B: 90, A: 255})
		}
	}
	path := filepath.Join(t.TempDir(), "valid.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	return path
}

func newEngine(t *testing.T, b *mock.Backend, cfg Config) *Engine {
	t.Helper()
	if cfg.TmpDir == "" {
		cfg.TmpDir = filepath.Join(t.TempDir(), "tmp")
	}
	e, err := New(context.Background(), cfg, WithBackend(b), WithLogger(discard))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestSubmit_AppendsUserAndAssistantTurns(t *testing.T) {
	b := &mock.Backend{Responses: []string{"one", "two", "three"}, BackendKind: backend.KindRemote}
	e := newEngine(t, b, Config{SystemPrompt: "be brief"})

	const n = 3
	for i := range n {
		r := e.Submit(context.Background(), "q", "")
		if !r.OK() {
			t.Fatalf("submit %d: %+v", i, r)
		}
	}

	hist := e.History()
	if len(hist) != 1+2*n {
		t.Fatalf("context len = %d, want %d", len(hist), 1+2*n)
	}
	if hist[0].Role != types.RoleSystem {
		t.Errorf("first message role = %s, want system", hist[0].Role)
	}
	for i := 1; i < len(hist); i += 2 {
		if hist[i].Role != types.RoleUser || hist[i+1].Role != types.RoleAssistant {
			t.Errorf("turn %d roles = %s/%s", i, hist[i].Role, hist[i+1].Role)
		}
	}
	if hist[len(hist)-1].Content != "three" {
		t.Errorf("last assistant = %q, want three", hist[len(hist)-1].Content)
	}

	// Each call sees the history so far plus the new user turn.
	calls := b.Calls()
	for i, c := range calls {
		if want := 1 + 2*i + 1; len(c.Messages) != want {
			t.Errorf("call %d sent %d messages, want %d", i, len(c.Messages), want)
		}
		if c.MaxNewTokens != DefaultMaxNewTokens {
			t.Errorf("call %d max tokens = %d", i, c.MaxNewTokens)
		}
	}
}

func TestSubmit_NoSystemPrompt(t *testing.T) {
	b := &mock.Backend{Responses: []string{"ok"}}
	e := newEngine(t, b, Config{})
	e.Submit(context.Background(), "a", "")
	e.Submit(context.Background(), "b", "")
	if got := len(e.History()); got != 4 {
		t.Errorf("context len = %d, want 4", got)
	}
}

func TestSubmit_ResultAndTask(t *testing.T) {
	b := &mock.Backend{Responses: []string{"answer"}}
	e := newEngine(t, b, Config{})

	r := e.Submit(context.Background(), "question", "")
	if r.Status != task.StatusCompleted || r.Result != "answer" || r.Prompt != "question" {
		t.Fatalf("result = %+v", r)
	}
	if r.JobID == "" {
		t.Fatal("empty job id")
	}
	got, ok := e.Task(r.JobID)
	if !ok || got.Status != task.StatusCompleted || got.CompletedAt.IsZero() {
		t.Errorf("task = %+v, ok=%v", got, ok)
	}
}

func TestSubmit_GenerationFailureLeavesContextUntouched(t *testing.T) {
	boom := errors.New("connection refused")
	b := &mock.Backend{Responses: []string{"fine"}}
	e := newEngine(t, b, Config{SystemPrompt: "sys"})

	e.Submit(context.Background(), "first", "")
	before := len(e.History())

	b.GenerateFunc = func(context.Context, []types.Message, int) (string, error) { return "", boom }
	r := e.Submit(context.Background(), "second", "")

	if r.Status != task.StatusError {
		t.Fatalf("status = %s, want error", r.Status)
	}
	if !strings.Contains(r.Result, "connection refused") {
		t.Errorf("result = %q, want cause", r.Result)
	}
	if got := len(e.History()); got != before {
		t.Errorf("context len = %d, want unchanged %d", got, before)
	}
	if got, _ := e.Task(r.JobID); got.Status != task.StatusError {
		t.Errorf("task status = %s", got.Status)
	}
}

func TestSubmit_MissingAsset(t *testing.T) {
	b := &mock.Backend{Caps: backend.Capabilities{SupportsImages: true}}
	e := newEngine(t, b, Config{SystemPrompt: "sys"})
	before := len(e.History())

	r := e.Submit(context.Background(), "describe", filepath.Join(t.TempDir(), "nope.jpg"))
	if r.Status != task.StatusError {
		t.Fatalf("status = %s, want error", r.Status)
	}
	if got := len(e.History()); got != before {
		t.Errorf("context len = %d, want %d", got, before)
	}
	if len(b.Calls()) != 0 {
		t.Error("backend called for a missing asset")
	}
	if len(e.Tasks()) != 1 {
		t.Errorf("tasks = %d, want exactly one", len(e.Tasks()))
	}
}

func TestSubmit_FailureRemovesAsset(t *testing.T) {
	b := &mock.Backend{
		Caps:        backend.Capabilities{SupportsImages: true},
		BackendKind: backend.KindStandardLocal,
		GenerateErr: errors.New("out of memory"),
	}
	e := newEngine(t, b, Config{})

	r := e.Submit(context.Background(), "describe", writeImage(t))
	if r.Status != task.StatusError {
		t.Fatalf("status = %s", r.Status)
	}
	got, _ := e.Task(r.JobID)
	if got.AssetPath == "" {
		t.Fatal("asset path not recorded")
	}
	if _, err := os.Stat(got.AssetPath); !os.IsNotExist(err) {
		t.Errorf("asset still present after failure: %v", err)
	}
}

func TestSubmit_ImagePayloadAndTextOnlyMemory(t *testing.T) {
	b := &mock.Backend{
		Responses:   []string{"a cat"},
		Caps:        backend.Capabilities{SupportsImages: true},
		BackendKind: backend.KindStandardLocal,
	}
	e := newEngine(t, b, Config{Language: "english"})
	src := writeImage(t)

	r := e.Submit(context.Background(), "describe", src)
	if !r.OK() {
		t.Fatalf("submit: %+v", r)
	}
	if r.ImagePath != src {
		t.Errorf("ImagePath = %q, want caller path %q", r.ImagePath, src)
	}

	sent := b.Calls()[0].Messages
	last := sent[len(sent)-1]
	if len(last.Parts) != 2 || last.Parts[0].Type != types.PartImage || last.Parts[1].Type != types.PartText {
		t.Fatalf("payload parts = %+v", last.Parts)
	}

	hist := e.History()
	user := hist[len(hist)-2]
	if user.IsMultiPart() {
		t.Error("remembered user turn still carries parts")
	}
	if !strings.HasPrefix(user.Content, "describe") || !strings.Contains(user.Content, "ENGLISH") {
		t.Errorf("user turn = %q", user.Content)
	}

	got, _ := e.Task(r.JobID)
	if _, err := os.Stat(got.AssetPath); err != nil {
		t.Errorf("asset of completed task should live until Clear: %v", err)
	}
}

func TestClear_ReclaimsEverything(t *testing.T) {
	b := &mock.Backend{
		Responses: []string{"ok"},
		Caps:      backend.Capabilities{SupportsImages: true},
	}
	e := newEngine(t, b, Config{SystemPrompt: "sys"})
	src := writeImage(t)

	e.Submit(context.Background(), "one", src)
	e.Submit(context.Background(), "two", src)
	stray := filepath.Join(e.TmpDir(), "stray.bin")
	if err := os.WriteFile(stray, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	e.Clear()

	hist := e.History()
	if len(hist) != 1 || hist[0].Content != "sys" {
		t.Errorf("history after clear = %+v", hist)
	}
	if n := len(e.Tasks()); n != 0 {
		t.Errorf("tasks after clear = %d", n)
	}
	entries, err := os.ReadDir(e.TmpDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("temp dir not empty: %v", entries)
	}
	if _, err := os.Stat(src); err != nil {
		t.Errorf("caller's image was removed: %v", err)
	}
}

func TestClear_IdempotentDespiteFilesystemState(t *testing.T) {
	b := &mock.Backend{Responses: []string{"ok"}, Caps: backend.Capabilities{SupportsImages: true}}
	e := newEngine(t, b, Config{})

	r1 := e.Submit(context.Background(), "a", writeImage(t))
	r2 := e.Submit(context.Background(), "b", writeImage(t))
	t1, _ := e.Task(r1.JobID)
	t2, _ := e.Task(r2.JobID)

	// One asset already gone, the other replaced by something os.Remove
	// cannot delete.
	if err := os.Remove(t1.AssetPath); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(t2.AssetPath); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(t2.AssetPath, "child"), 0o755); err != nil {
		t.Fatal(err)
	}

	e.Clear()
	e.Clear()

	if n := len(e.Tasks()); n != 0 {
		t.Errorf("tasks after clear = %d", n)
	}
}

func TestClose(t *testing.T) {
	b := &mock.Backend{Responses: []string{"ok"}, Caps: backend.Capabilities{SupportsImages: true}}
	tmp := filepath.Join(t.TempDir(), "tmp")
	e, err := New(context.Background(), Config{TmpDir: tmp}, WithBackend(b), WithLogger(discard))
	if err != nil {
		t.Fatal(err)
	}
	e.Submit(context.Background(), "a", writeImage(t))

	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if b.CloseCount != 1 {
		t.Errorf("backend closed %d times, want 1", b.CloseCount)
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Errorf("temp dir still present: %v", err)
	}

	calls := len(b.GenerateCalls)
	r := e.Submit(context.Background(), "late", "")
	if r.Status != task.StatusError || r.Result != ErrClosed.Error() {
		t.Errorf("submit after close = %+v", r)
	}
	if r.JobID != "" || len(e.Tasks()) != 0 {
		t.Errorf("submit after close created a task: job %q, %d tasks", r.JobID, len(e.Tasks()))
	}
	if len(b.GenerateCalls) != calls {
		t.Error("submit after close reached the backend")
	}
}

func TestWith_AlwaysCloses(t *testing.T) {
	b := &mock.Backend{Responses: []string{"ok"}}
	sentinel := errors.New("workflow failed")

	err := With(context.Background(), Config{TmpDir: filepath.Join(t.TempDir(), "tmp")},
		func(e *Engine) error {
			e.Submit(context.Background(), "hi", "")
			return sentinel
		},
		WithBackend(b), WithLogger(discard),
	)
	if !errors.Is(err, sentinel) {
		t.Errorf("err = %v, want sentinel", err)
	}
	if b.CloseCount != 1 {
		t.Errorf("CloseCount = %d, want 1", b.CloseCount)
	}
}

func TestNew_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := New(ctx, Config{TmpDir: t.TempDir()}, WithLogger(discard))
	if !errors.Is(err, backend.ErrConfiguration) {
		t.Errorf("missing model: err = %v", err)
	}

	_, err = New(ctx, Config{Model: "http://host@key", TmpDir: t.TempDir()}, WithLogger(discard))
	if !errors.Is(err, backend.ErrConfiguration) {
		t.Errorf("malformed descriptor: err = %v", err)
	}

	b := &mock.Backend{}
	_, err = New(ctx, Config{TmpDir: t.TempDir(), MinPixels: 10, MaxPixels: 1}, WithBackend(b), WithLogger(discard))
	if !errors.Is(err, backend.ErrConfiguration) {
		t.Errorf("bad pixel bounds: err = %v", err)
	}
	if b.CloseCount != 1 {
		t.Error("backend not released after failed construction")
	}
}

func TestNew_ResolvesFamilyWithImages(t *testing.T) {
	eng := &inferencemock.Engine{Template: "<prompt>", PromptIDs: []int{1, 2}, GenerateIDs: []int{3}, DecodeDefault: "described"}
	r := resolve.New(
		resolve.WithLogger(discard),
		resolve.WithFamilies([]resolve.FamilyRule{{
			Name:         "family-x",
			Pattern:      regexp.MustCompile(`family-X`),
			Capabilities: backend.Capabilities{SupportsImages: true},
		}}),
		resolve.WithEngineFactory(func(context.Context, inference.EngineConfig) (inference.Engine, error) {
			return eng, nil
		}),
	)

	e, err := New(context.Background(), Config{Model: "family-X-7b", TmpDir: filepath.Join(t.TempDir(), "tmp")},
		WithResolver(r), WithLogger(discard))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()

	if res := e.Resolution(); res.Kind != backend.KindStandardLocal || res.Family != "family-x" {
		t.Fatalf("resolution = %+v", res)
	}

	out := e.Submit(context.Background(), "describe", writeImage(t))
	if !out.OK() || out.Result != "described" {
		t.Fatalf("submit = %+v", out)
	}

	msgs := eng.TemplateCalls[0]
	last := msgs[len(msgs)-1]
	var images, texts int
	for _, p := range last.Parts {
		switch p.Type {
		case types.PartImage:
			images++
		case types.PartText:
			texts++
		}
	}
	if images != 1 || texts != 1 {
		t.Errorf("payload has %d image and %d text parts, want 1 and 1", images, texts)
	}
	if len(eng.EncodeCalls[0].Images) != 1 {
		t.Errorf("encode images = %v", eng.EncodeCalls[0].Images)
	}
}
