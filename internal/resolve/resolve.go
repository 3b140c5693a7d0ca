// Package resolve selects and constructs the execution backend for a model
// identifier.
//
// Resolution is a pure decision over the identifier, the family table, the
// acceleration setting and the host device:
//
//  1. A remote descriptor ("endpoint@credential@model" with a "://" scheme)
//     always resolves to [backend.KindRemote].
//  2. A local identifier is matched against the ordered family table; the
//     first match supplies the capabilities, otherwise
//     [backend.DefaultCapabilities] applies.
//  3. Acceleration is tri-state. Unset is treated as declined, with a
//     diagnostic.
//  4. Requested acceleration falls back to standard local when the family
//     forbids it, no accelerated engine is registered, or the device is below
//     the required compute tier.
//
// [Resolver.Build] then constructs the backend. An accelerated engine that
// fails to start is logged and replaced by a standard local one for the same
// identifier. A standard local failure is returned: there is nothing left to
// fall back to.
//
// All diagnostics go to the injected [slog.Logger].
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/agentengine/internal/observe"
	"github.com/MrWong99/agentengine/pkg/backend"
	"github.com/MrWong99/agentengine/pkg/backend/accelerated"
	"github.com/MrWong99/agentengine/pkg/backend/local"
	"github.com/MrWong99/agentengine/pkg/backend/remote"
	"github.com/MrWong99/agentengine/pkg/inference"
)

// Compute tiers required by the accelerated engine.
const (
	minAccelMajor, minAccelMinor = 7, 0
	bf16Major, bf16Minor         = 8, 0
)

// Acceleration is the tri-state acceleration setting.
type Acceleration int

const (
	// AccelerationUnset means the caller expressed no preference. It is
	// treated as declined.
	AccelerationUnset Acceleration = iota

	// AccelerationEnabled requests the accelerated local engine.
	AccelerationEnabled

	// AccelerationDisabled declines the accelerated local engine.
	AccelerationDisabled
)

// String returns "unset", "enabled" or "disabled".
func (a Acceleration) String() string {
	switch a {
	case AccelerationEnabled:
		return "enabled"
	case AccelerationDisabled:
		return "disabled"
	default:
		return "unset"
	}
}

// AccelerationFromPtr converts an optional config flag into the tri-state.
func AccelerationFromPtr(b *bool) Acceleration {
	switch {
	case b == nil:
		return AccelerationUnset
	case *b:
		return AccelerationEnabled
	default:
		return AccelerationDisabled
	}
}

// Resolution is the outcome of [Resolver.Resolve].
type Resolution struct {
	Descriptor   Descriptor
	Family       string
	Capabilities backend.Capabilities
	Kind         backend.Kind

	// DType is the precision the accelerated engine should use. Empty unless
	// Kind is KindAcceleratedLocal.
	DType inference.DType

	// Fallback is true when acceleration was requested but declined.
	Fallback bool
}

// Resolver decides and constructs backends. The zero value is not usable;
// call [New].
type Resolver struct {
	families      []FamilyRule
	probe         inference.DeviceProbe
	batchFactory  inference.BatchFactory
	engineFactory inference.EngineFactory
	remoteOpts    []remote.Option
	log           *slog.Logger
	metrics       *observe.Metrics
}

// Option is a functional option for Resolver.
type Option func(*Resolver)

// WithFamilies replaces [DefaultFamilies]. Patterns are matched
// case-insensitively.
func WithFamilies(rules []FamilyRule) Option {
	return func(r *Resolver) { r.families = caseless(rules) }
}

// WithDeviceProbe replaces the default [inference.NvidiaSMIProbe].
func WithDeviceProbe(p inference.DeviceProbe) Option {
	return func(r *Resolver) { r.probe = p }
}

// WithBatchFactory registers the accelerated engine. Without one,
// acceleration is always unavailable.
func WithBatchFactory(f inference.BatchFactory) Option {
	return func(r *Resolver) { r.batchFactory = f }
}

// WithEngineFactory registers the standard local engine. Without one, local
// identifiers cannot be built.
func WithEngineFactory(f inference.EngineFactory) Option {
	return func(r *Resolver) { r.engineFactory = f }
}

// WithRemoteOptions passes options to every remote backend.
func WithRemoteOptions(opts ...remote.Option) Option {
	return func(r *Resolver) { r.remoteOpts = append(r.remoteOpts, opts...) }
}

// WithLogger sets the diagnostics sink.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.log = l }
}

// WithMetrics records backend selections.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// New creates a Resolver.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		families: DefaultFamilies,
		probe:    inference.NvidiaSMIProbe{},
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve decides the backend kind and capabilities for id. The only error is
// a malformed identifier, wrapping [backend.ErrConfiguration].
func (r *Resolver) Resolve(ctx context.Context, id string, accel Acceleration, dtype inference.DType) (Resolution, error) {
	desc, err := ParseDescriptor(id)
	if err != nil {
		return Resolution{}, err
	}
	log := r.log.With("model", desc.String())

	if desc.Remote {
		res := Resolution{Descriptor: desc, Kind: backend.KindRemote}
		if fam, ok := MatchFamily(r.families, desc.Model); ok {
			res.Family = fam.Name
			res.Capabilities.SupportsImages = fam.Capabilities.SupportsImages
		}
		if accel == AccelerationEnabled {
			log.Warn("acceleration does not apply to remote models; ignoring")
		}
		log.Info("backend resolved", "kind", res.Kind, "images", res.Capabilities.SupportsImages)
		return res, nil
	}

	res := Resolution{Descriptor: desc, Capabilities: backend.DefaultCapabilities, Kind: backend.KindStandardLocal}
	if fam, ok := MatchFamily(r.families, desc.Raw); ok {
		res.Family = fam.Name
		res.Capabilities = fam.Capabilities
	} else {
		log.Info("no known model family matched; using default capabilities")
	}

	switch accel {
	case AccelerationUnset:
		log.Info("acceleration not specified; defaulting to disabled")
	case AccelerationDisabled:
	case AccelerationEnabled:
		d, reason := r.accelerationDType(ctx, res.Capabilities, dtype)
		if reason != "" {
			res.Fallback = true
			log.Warn("acceleration requested but unavailable; falling back to standard local", "reason", reason)
			break
		}
		res.Kind = backend.KindAcceleratedLocal
		res.DType = d
	}

	log.Info("backend resolved", "kind", res.Kind, "family", res.Family,
		"images", res.Capabilities.SupportsImages, "dtype", string(res.DType))
	return res, nil
}

// accelerationDType checks every precondition for the accelerated engine and
// returns the precision to use. A non-empty reason means acceleration is not
// possible.
func (r *Resolver) accelerationDType(ctx context.Context, caps backend.Capabilities, requested inference.DType) (inference.DType, string) {
	if !caps.SupportsAcceleration {
		return "", "model family does not support acceleration"
	}
	if r.batchFactory == nil {
		return "", "no accelerated engine available"
	}
	if r.probe == nil {
		return "", "no device probe configured"
	}
	dev, err := r.probe.Probe(ctx)
	if err != nil {
		return "", "device probe failed: " + err.Error()
	}
	if !dev.AtLeast(minAccelMajor, minAccelMinor) {
		return "", fmt.Sprintf("device %s below required compute capability %d.%d", dev, minAccelMajor, minAccelMinor)
	}

	if requested == "" {
		requested = inference.DTypeAuto
	}
	if requested != inference.DTypeFloat16 && !dev.AtLeast(bf16Major, bf16Minor) {
		r.log.Info("device lacks bfloat16 support; using float16", "device", dev.String())
		return inference.DTypeFloat16, ""
	}
	return requested, ""
}

// BuildOptions configures [Resolver.Build].
type BuildOptions struct {
	Acceleration Acceleration
	Accelerated  accelerated.Config
}

// Build resolves id and constructs its backend.
func (r *Resolver) Build(ctx context.Context, id string, opts BuildOptions) (backend.Backend, Resolution, error) {
	res, err := r.Resolve(ctx, id, opts.Acceleration, opts.Accelerated.DType)
	if err != nil {
		return nil, Resolution{}, err
	}
	log := r.log.With("model", res.Descriptor.String())

	switch res.Kind {
	case backend.KindRemote:
		ropts := append([]remote.Option{remote.WithCapabilities(res.Capabilities)}, r.remoteOpts...)
		b, err := remote.New(res.Descriptor.Endpoint, res.Descriptor.Credential, res.Descriptor.Model, ropts...)
		if err != nil {
			return nil, res, err
		}
		r.recordSelection(ctx, res)
		return b, res, nil

	case backend.KindAcceleratedLocal:
		cfg := opts.Accelerated
		cfg.DType = res.DType
		b, err := accelerated.New(ctx, res.Descriptor.Raw, res.Capabilities, cfg, r.batchFactory)
		if err == nil {
			r.recordSelection(ctx, res)
			return b, res, nil
		}
		if !errors.Is(err, backend.ErrBackendUnavailable) {
			return nil, res, err
		}
		log.Warn("accelerated engine failed to start; retrying with standard local", "err", err)
		res.Kind = backend.KindStandardLocal
		res.DType = ""
		res.Fallback = true
	}

	if r.engineFactory == nil {
		return nil, res, fmt.Errorf("resolve: %w: no local engine registered for %q", backend.ErrConfiguration, res.Descriptor.Raw)
	}
	b, err := local.New(ctx, res.Descriptor.Raw, res.Capabilities, r.engineFactory)
	if err != nil {
		return nil, res, err
	}
	res.Capabilities = b.Capabilities()
	r.recordSelection(ctx, res)
	return b, res, nil
}

func (r *Resolver) recordSelection(ctx context.Context, res Resolution) {
	if r.metrics != nil {
		r.metrics.RecordBackendSelection(ctx, res.Kind.String(), res.Fallback)
	}
}
