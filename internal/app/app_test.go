package app_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/agentengine/internal/agent"
	"github.com/MrWong99/agentengine/internal/agent/mock"
	"github.com/MrWong99/agentengine/internal/app"
	"github.com/MrWong99/agentengine/internal/chat"
	"github.com/MrWong99/agentengine/internal/coco"
	"github.com/MrWong99/agentengine/internal/config"
	"github.com/MrWong99/agentengine/internal/crawl"
	"github.com/MrWong99/agentengine/internal/health"
	"github.com/MrWong99/agentengine/internal/observe"
	"github.com/MrWong99/agentengine/internal/resolve"
	"github.com/MrWong99/agentengine/pkg/backend"
	"github.com/MrWong99/agentengine/pkg/inference"
)

var discard = slog.New(slog.DiscardHandler)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// agentRecorder is an AgentFactory that hands out mock generators and keeps
// the configs it was asked for.
type agentRecorder struct {
	mu      sync.Mutex
	replies []string
	err     error
	configs map[string]chat.Config
	gens    []*mock.Generator
}

func (r *agentRecorder) factory(_ context.Context, name string, cfg chat.Config, _ ...chat.Option) (agent.Generator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.configs == nil {
		r.configs = make(map[string]chat.Config)
	}
	r.configs[name] = cfg
	if r.err != nil {
		return nil, r.err
	}
	g := &mock.Generator{Replies: r.replies}
	r.gens = append(r.gens, g)
	return g, nil
}

// stubSource returns a fixed article for every keyword.
type stubSource struct {
	mu       sync.Mutex
	keywords []string
}

func (s *stubSource) Name() string { return "wiki" }

func (s *stubSource) Fetch(_ context.Context, keyword string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keywords = append(s.keywords, keyword)
	return "The giant panda (Ailuropoda melanoleuca) is a bear species.", nil
}

func translateConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	in := filepath.Join(dir, "animals.json")
	if err := os.WriteFile(in, []byte(`{"images":[],"annotations":[],"categories":[{"id":1,"name":"giant panda"}]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	enabled := true
	return &config.Config{
		Agents: map[string]config.AgentConfig{
			"translator": {
				Model:        "Qwen/Qwen2.5-7B-Instruct",
				SystemPrompt: "You are a taxonomist.",
				MaxNewTokens: 256,
				Acceleration: config.AccelerationConfig{Enabled: &enabled, DType: "float16", TensorParallel: 2},
			},
		},
		Workflow: config.WorkflowConfig{
			Type: config.WorkflowTranslate,
			Translate: &config.TranslateWorkflow{
				Agent:     "translator",
				Input:     in,
				OutputDir: filepath.Join(dir, "out"),
				Mode:      "en2la",
			},
		},
	}
}

func TestNew_RequiresWorkflowType(t *testing.T) {
	t.Parallel()
	_, err := app.New(context.Background(), &config.Config{}, app.WithLogger(discard))
	if !errors.Is(err, backend.ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
}

func TestNew_UnregisteredWorkflow(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Workflow: config.WorkflowConfig{Type: "custom"}}
	_, err := app.New(context.Background(), cfg, app.WithLogger(discard))
	if !errors.Is(err, config.ErrNotRegistered) {
		t.Fatalf("err = %v, want ErrNotRegistered", err)
	}
}

func TestNew_AgentFactoryError(t *testing.T) {
	t.Parallel()
	rec := &agentRecorder{err: backend.ErrConfiguration}
	_, err := app.New(context.Background(), translateConfig(t),
		app.WithLogger(discard),
		app.WithAgentFactory(rec.factory),
		app.WithSource("wiki", &stubSource{}),
	)
	if !errors.Is(err, backend.ErrConfiguration) {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(err.Error(), `agent "translator"`) {
		t.Errorf("err should name the agent: %v", err)
	}
}

func TestApp_RunTranslate(t *testing.T) {
	t.Parallel()

	cfg := translateConfig(t)
	rec := &agentRecorder{replies: []string{`{"id": 1, "name": "Ailuropoda melanoleuca"}`}}
	wiki := &stubSource{}
	h := health.New()

	a, err := app.New(context.Background(), cfg,
		app.WithLogger(discard),
		app.WithMetrics(testMetrics(t)),
		app.WithHealth(h),
		app.WithAgentFactory(rec.factory),
		app.WithSource("wiki", wiki),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	// Not ready until the workflow runs.
	w := httptest.NewRecorder()
	h.Readyz(w, httptest.NewRequest("GET", "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz before run = %d", w.Code)
	}

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	got := rec.configs["translator"]
	if got.Model != "Qwen/Qwen2.5-7B-Instruct" || got.SystemPrompt != "You are a taxonomist." || got.MaxNewTokens != 256 {
		t.Errorf("chat config = %+v", got)
	}
	if got.Acceleration != resolve.AccelerationEnabled {
		t.Errorf("acceleration = %v, want enabled", got.Acceleration)
	}
	if got.Accelerated.DType != inference.DTypeFloat16 || got.Accelerated.TensorParallel != 2 {
		t.Errorf("accelerated = %+v", got.Accelerated)
	}

	if len(rec.gens) != 1 || rec.gens[0].CloseCount != 1 {
		t.Fatalf("generators = %d, want one closed generator", len(rec.gens))
	}
	if len(wiki.keywords) != 1 || wiki.keywords[0] != "giant panda" {
		t.Errorf("wiki keywords = %v", wiki.keywords)
	}

	ds, err := coco.Load(filepath.Join(cfg.Workflow.Translate.OutputDir, "animals_translated.json"))
	if err != nil {
		t.Fatal(err)
	}
	if ds.Categories[0].Name != "Ailuropoda melanoleuca" {
		t.Errorf("category = %+v", ds.Categories[0])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	// Idempotent.
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}

func TestApp_UnknownAgent(t *testing.T) {
	t.Parallel()
	cfg := translateConfig(t)
	a, err := app.New(context.Background(), cfg,
		app.WithLogger(discard),
		app.WithAgentFactory((&agentRecorder{}).factory),
		app.WithSource("wiki", &stubSource{}),
	)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Agent(context.Background(), "ghost"); !errors.Is(err, backend.ErrConfiguration) {
		t.Errorf("err = %v, want ErrConfiguration", err)
	}
}

func TestApp_Sources(t *testing.T) {
	t.Parallel()
	cfg := translateConfig(t)
	cfg.Crawl = config.CrawlConfig{StorageDir: t.TempDir(), Delay: time.Millisecond}

	a, err := app.New(context.Background(), cfg,
		app.WithLogger(discard),
		app.WithMetrics(testMetrics(t)),
		app.WithAgentFactory((&agentRecorder{}).factory),
	)
	if err != nil {
		t.Fatal(err)
	}

	wiki, err := a.Source("wiki")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := wiki.(*crawl.Cache); !ok {
		t.Errorf("wiki source = %T, want *crawl.Cache", wiki)
	}
	if again, _ := a.Source("wiki"); again != wiki {
		t.Error("sources should be built once")
	}
	baike, err := a.Source("baike")
	if err != nil || baike.Name() != "baike" {
		t.Errorf("baike = %v, %v", baike, err)
	}
	if _, err := a.Source("encyclopaedia"); !errors.Is(err, backend.ErrConfiguration) {
		t.Errorf("unknown source err = %v", err)
	}
}

func TestApp_DatabaseRequiresDSN(t *testing.T) {
	t.Parallel()
	a, err := app.New(context.Background(), translateConfig(t),
		app.WithLogger(discard),
		app.WithAgentFactory((&agentRecorder{}).factory),
		app.WithSource("wiki", &stubSource{}),
	)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := a.Database(context.Background()); !errors.Is(err, backend.ErrConfiguration) {
		t.Errorf("err = %v, want ErrConfiguration", err)
	}
}

func TestDefaultRegistry(t *testing.T) {
	t.Parallel()
	r := app.DefaultRegistry()
	got := r.Workflows()
	want := []config.WorkflowType{"coco", "dbquery", "species", "translate"}
	if len(got) != len(want) {
		t.Fatalf("workflows = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("workflows[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	for _, p := range config.ValidServerProviders {
		if _, err := r.EngineFor(config.InferenceServer{Provider: p}); err != nil {
			t.Errorf("EngineFor(%q): %v", p, err)
		}
	}
}
