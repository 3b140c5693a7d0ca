package accelerated

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/agentengine/pkg/backend"
	"github.com/MrWong99/agentengine/pkg/inference"
	"github.com/MrWong99/agentengine/pkg/inference/mock"
	"github.com/MrWong99/agentengine/pkg/types"
)

func TestNew_NilFactory(t *testing.T) {
	_, err := New(context.Background(), "m", backend.Capabilities{}, Config{}, nil)
	if !errors.Is(err, backend.ErrBackendUnavailable) {
		t.Fatalf("err = %v, want ErrBackendUnavailable", err)
	}
}

func TestNew_FactoryErrorIsUnavailable(t *testing.T) {
	boom := errors.New("cuda init failed")
	factory := func(context.Context, inference.BatchConfig) (inference.BatchEngine, error) {
		return nil, boom
	}
	_, err := New(context.Background(), "m", backend.Capabilities{}, Config{}, factory)
	if !errors.Is(err, backend.ErrBackendUnavailable) {
		t.Fatalf("err = %v, want ErrBackendUnavailable", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped cause", err)
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	var got inference.BatchConfig
	factory := func(_ context.Context, cfg inference.BatchConfig) (inference.BatchEngine, error) {
		got = cfg
		return &mock.BatchEngine{}, nil
	}
	b, err := New(context.Background(), "qwen2.5-7b", backend.Capabilities{SupportsAcceleration: true}, Config{}, factory)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got.Model != "qwen2.5-7b" {
		t.Errorf("Model = %q", got.Model)
	}
	if got.TensorParallel != DefaultTensorParallel {
		t.Errorf("TensorParallel = %d, want %d", got.TensorParallel, DefaultTensorParallel)
	}
	if got.MaxModelLen != DefaultMaxModelLen {
		t.Errorf("MaxModelLen = %d, want %d", got.MaxModelLen, DefaultMaxModelLen)
	}
	if got.GPUMemoryUtilization != DefaultGPUMemoryUtilization {
		t.Errorf("GPUMemoryUtilization = %v, want %v", got.GPUMemoryUtilization, DefaultGPUMemoryUtilization)
	}
	if got.DType != inference.DTypeAuto {
		t.Errorf("DType = %q, want auto", got.DType)
	}
	if b.Kind() != backend.KindAcceleratedLocal {
		t.Errorf("Kind = %v", b.Kind())
	}
}

func TestGenerate_SingleSequenceBatch(t *testing.T) {
	eng := &mock.BatchEngine{Outputs: []string{"answer"}}
	factory := func(context.Context, inference.BatchConfig) (inference.BatchEngine, error) { return eng, nil }
	b, err := New(context.Background(), "m", backend.Capabilities{}, Config{}, factory)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	msgs := []types.Message{{Role: types.RoleUser, Content: "q"}}
	got, err := b.Generate(context.Background(), msgs, 128)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "answer" {
		t.Errorf("result = %q, want answer", got)
	}
	if len(eng.Calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(eng.Calls))
	}
	call := eng.Calls[0]
	if len(call.Prompts) != 1 {
		t.Errorf("batch size = %d, want 1", len(call.Prompts))
	}
	if call.Params.MaxTokens != 128 {
		t.Errorf("MaxTokens = %d, want 128", call.Params.MaxTokens)
	}
}

func TestGenerate_EngineError(t *testing.T) {
	eng := &mock.BatchEngine{GenerateErr: errors.New("oom")}
	factory := func(context.Context, inference.BatchConfig) (inference.BatchEngine, error) { return eng, nil }
	b, _ := New(context.Background(), "m", backend.Capabilities{}, Config{}, factory)
	if _, err := b.Generate(context.Background(), nil, 1); err == nil {
		t.Fatal("expected error")
	}
}

func TestClose_Idempotent(t *testing.T) {
	eng := &mock.BatchEngine{}
	factory := func(context.Context, inference.BatchConfig) (inference.BatchEngine, error) { return eng, nil }
	b, _ := New(context.Background(), "m", backend.Capabilities{}, Config{}, factory)
	_ = b.Close()
	_ = b.Close()
	if eng.CloseCount != 1 {
		t.Errorf("CloseCount = %d, want 1", eng.CloseCount)
	}
}
