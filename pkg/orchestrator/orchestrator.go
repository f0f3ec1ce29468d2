// Package orchestrator drives the renderer over the unified dataset and
// appends its results to an output store.
//
// Keys are processed one at a time in sorted order. Each key goes through
// skip-if-done, load, normalize, a time-bounded render and persist. Failures
// of a single key are reported as *KeyError and never stop the run; only
// failing to open the stores, or cancellation of the run context, does.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/menta2k/synthprep/pkg/keystore"
	"github.com/menta2k/synthprep/pkg/ndarray"
	"github.com/menta2k/synthprep/pkg/processing"
	"github.com/menta2k/synthprep/pkg/renderer"
	"github.com/menta2k/synthprep/pkg/timeout"
	"github.com/menta2k/synthprep/pkg/types"
)

// PartitionRuns records one entry per run in the output store.
const PartitionRuns = "runs"

// Confirm is called after every key when Params.Visualize is set. Returning
// false ends the run early.
type Confirm func(ctx context.Context, key string, results []types.Result) (bool, error)

// Report summarises a run.
type Report struct {
	RunID     string
	Keys      int // keys in the selected range
	Skipped   int // keys that already had output
	Persisted int // keys that produced at least one instance
	Empty     int // keys that produced no instance, timeouts included
	Instances int // instances written
	Failures  []*KeyError
	Stopped   bool // ended early by Confirm
}

// Failed returns the failures of the given kind.
func (r *Report) Failed(kind Kind) []*KeyError {
	var out []*KeyError
	for _, f := range r.Failures {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

type Orchestrator struct {
	renderer  renderer.Renderer
	guard     timeout.Guard
	processor *processing.Processor
	logger    *zap.Logger
	metrics   *Metrics
	confirm   Confirm
	progress  rate.Sometimes
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithGuard replaces the timeout guard chosen for the host.
func WithGuard(g timeout.Guard) Option {
	return func(o *Orchestrator) {
		o.guard = g
	}
}

func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

func WithConfirm(c Confirm) Option {
	return func(o *Orchestrator) {
		o.confirm = c
	}
}

// New creates an orchestrator around r.
func New(r renderer.Renderer, opts ...Option) (*Orchestrator, error) {
	if r == nil {
		return nil, errors.New("orchestrator: renderer is required")
	}
	o := &Orchestrator{
		renderer:  r,
		processor: processing.NewProcessor(),
		logger:    zap.NewNop(),
		progress:  rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.guard == nil {
		g, err := timeout.New(timeout.Auto)
		if err != nil {
			return nil, err
		}
		o.guard = g
	}
	if o.metrics == nil {
		m, err := NewMetrics(nil)
		if err != nil {
			return nil, err
		}
		o.metrics = m
	}
	return o, nil
}

// Run processes the selected key range of the dataset store at input and
// appends results to the output store at output, creating it if needed.
func (o *Orchestrator) Run(ctx context.Context, input, output string, p Params) (*Report, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	in, err := keystore.Open(input, keystore.ModeRead)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer in.Close()

	out, err := keystore.Open(output, keystore.ModeAppend)
	if err != nil {
		return nil, fmt.Errorf("failed to open output store: %w", err)
	}
	defer out.Close()

	for _, part := range []string{types.PartitionData, PartitionRuns} {
		if err := out.CreatePartition(ctx, part); err != nil {
			return nil, fmt.Errorf("failed to prepare output store: %w", err)
		}
	}

	keys, err := in.Keys(ctx, types.PartitionImage)
	if err != nil {
		return nil, fmt.Errorf("failed to list dataset keys: %w", err)
	}
	start, end := p.bounds(len(keys))

	report := &Report{RunID: ulid.Make().String(), Keys: end - start}
	if err := o.recordRun(ctx, out, report.RunID, start, end, p); err != nil {
		return nil, err
	}

	log := o.logger.With(zap.String("run", report.RunID))
	log.Info("generation started",
		zap.String("dataset", input),
		zap.String("output", output),
		zap.Int("start", start),
		zap.Int("end", end),
		zap.Int("instances", p.Instances),
		zap.Duration("budget", p.TimeBudget),
		zap.String("guard", string(o.guard.Strategy())),
	)

	for i := start; i < end; i++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		key := keys[i]
		klog := log.With(zap.Int("index", i), zap.String("key", key))
		results, skipped, kerr := o.processKey(ctx, in, out, i, key, p, klog)
		if ctx.Err() != nil {
			// work interrupted by cancellation is not a per-key failure
			return report, ctx.Err()
		}

		switch {
		case kerr != nil:
			report.Failures = append(report.Failures, kerr)
			o.metrics.key(outcomeFailed, kerr.Kind)
			if kerr.Kind == KindTimeout {
				report.Empty++
				klog.Warn("render timed out", zap.String("kind", string(kerr.Kind)), zap.Error(kerr.Err))
			} else {
				klog.Error("key failed", zap.String("kind", string(kerr.Kind)), zap.Error(kerr.Err))
			}
		case skipped:
			report.Skipped++
			o.metrics.key(outcomeSkipped, "")
			klog.Debug("already generated, skipping")
		case len(results) == 0:
			report.Empty++
			o.metrics.key(outcomeEmpty, "")
			klog.Info("no text placed")
		default:
			report.Persisted++
			report.Instances += len(results)
			o.metrics.key(outcomePersisted, "")
			o.metrics.instances.Add(float64(len(results)))
			klog.Info("persisted", zap.Int("instances", len(results)))
		}

		o.progress.Do(func() {
			log.Info("generation progress",
				zap.Int("done", i-start+1),
				zap.Int("total", end-start),
				zap.Int("persisted", report.Persisted),
				zap.Int("failures", len(report.Failures)),
			)
		})

		if p.Visualize && o.confirm != nil && !skipped {
			cont, err := o.confirm(ctx, key, results)
			if err != nil {
				return report, fmt.Errorf("confirm: %w", err)
			}
			if !cont {
				report.Stopped = true
				log.Info("stopped by user", zap.Int("index", i))
				break
			}
		}
	}

	if err := out.Close(); err != nil {
		return report, fmt.Errorf("failed to close output store: %w", err)
	}

	log.Info("generation finished",
		zap.Int("keys", report.Keys),
		zap.Int("skipped", report.Skipped),
		zap.Int("persisted", report.Persisted),
		zap.Int("empty", report.Empty),
		zap.Int("instances", report.Instances),
		zap.Int("failures", len(report.Failures)),
	)
	return report, nil
}

func (o *Orchestrator) recordRun(ctx context.Context, out *keystore.Store, id string, start, end int, p Params) error {
	meta, err := ndarray.FromFloat64([]int{4}, []float64{
		float64(start), float64(end), float64(p.Instances), p.TimeBudget.Seconds(),
	})
	if err != nil {
		return err
	}
	attrs := keystore.Attrs{
		"started": keystore.TextAttr(time.Now().UTC().Format(time.RFC3339)),
		"guard":   keystore.TextAttr(string(o.guard.Strategy())),
	}
	if err := out.Put(ctx, PartitionRuns, id, meta, attrs); err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// processKey runs the per-key steps. It returns the persisted results, or
// skipped when the key already has output.
func (o *Orchestrator) processKey(ctx context.Context, in, out *keystore.Store, idx int, key string, p Params, log *zap.Logger) ([]types.Result, bool, *KeyError) {
	fail := func(kind Kind, err error) ([]types.Result, bool, *KeyError) {
		return nil, false, &KeyError{Index: idx, Key: key, Kind: kind, Err: err}
	}

	done, err := out.HasPrefix(ctx, types.PartitionData, key+"_")
	if err != nil {
		return fail(KindPersist, err)
	}
	if done {
		return nil, true, nil
	}

	entry, kind, err := load(ctx, in, key)
	if err != nil {
		return fail(kind, err)
	}

	input, err := o.normalize(entry, p)
	if err != nil {
		return fail(KindNormalize, err)
	}

	var results []types.Result
	begin := time.Now()
	err = o.guard.Run(ctx, p.TimeBudget, func(ctx context.Context) error {
		res, err := o.renderer.Render(ctx, input)
		if err != nil {
			return err
		}
		results = res
		return nil
	})
	elapsed := time.Since(begin)
	o.metrics.renderSeconds.Observe(elapsed.Seconds())
	log.Debug("render finished", zap.Duration("elapsed", elapsed))
	if errors.Is(err, timeout.ErrTimeout) {
		return fail(KindTimeout, err)
	}
	if err != nil {
		return fail(KindRender, err)
	}

	for i, r := range results {
		if err := renderer.Validate(r); err != nil {
			return fail(KindRender, fmt.Errorf("instance %d: %w", i, err))
		}
	}

	for i, r := range results {
		attrs := keystore.Attrs{
			types.AttrCharBB: keystore.ArrayAttr(r.CharBB),
			types.AttrWordBB: keystore.ArrayAttr(r.WordBB),
			types.AttrTxt:    keystore.TextAttr(r.Txt...),
		}
		if err := out.Put(ctx, types.PartitionData, fmt.Sprintf("%s_%d", key, i), r.Image, attrs); err != nil {
			return fail(KindPersist, err)
		}
	}
	return results, false, nil
}

// load reads the image, depth and seg records of key. The returned kind
// classifies a failure.
func load(ctx context.Context, in *keystore.Store, key string) (*types.Entry, Kind, error) {
	for _, part := range []string{types.PartitionDepth, types.PartitionSeg} {
		ok, err := in.Has(ctx, part, key)
		if err != nil {
			return nil, KindLoad, err
		}
		if !ok {
			return nil, KindIncomplete, fmt.Errorf("no %s entry", part)
		}
	}

	img, err := in.Payload(ctx, types.PartitionImage, key)
	if err != nil {
		return nil, KindLoad, err
	}
	depth, err := in.Payload(ctx, types.PartitionDepth, key)
	if err != nil {
		return nil, KindLoad, err
	}
	seg, err := in.Get(ctx, types.PartitionSeg, key)
	if err != nil {
		return nil, KindLoad, err
	}
	area, err := seg.Attrs.Array(types.AttrArea)
	if err != nil {
		return nil, KindLoad, err
	}
	label, err := seg.Attrs.Array(types.AttrLabel)
	if err != nil {
		return nil, KindLoad, err
	}

	return &types.Entry{Key: key, Image: img, Depth: depth, Seg: seg.Payload, Area: area, Label: label}, "", nil
}

// normalize selects the depth channel and resizes image and seg to the
// depth extent: image with Lanczos filtering, seg by nearest neighbour.
func (o *Orchestrator) normalize(e *types.Entry, p Params) (types.RenderInput, error) {
	depth := e.Depth
	if p.TransposeDepth {
		depth = depth.Transpose()
	}
	switch depth.Ndim() {
	case 2:
	case 3:
		ch, err := depth.Channel(p.DepthChannel)
		if err != nil {
			return types.RenderInput{}, err
		}
		depth = ch
	default:
		return types.RenderInput{}, fmt.Errorf("depth must have 2 or 3 axes, got %v", depth.Shape)
	}
	depth, err := depth.AsType(ndarray.Float32)
	if err != nil {
		return types.RenderInput{}, err
	}
	h, w, err := depth.HW()
	if err != nil {
		return types.RenderInput{}, err
	}

	seg, err := e.Seg.AsType(ndarray.Float32)
	if err != nil {
		return types.RenderInput{}, err
	}
	if seg.Ndim() != 2 {
		return types.RenderInput{}, fmt.Errorf("segmentation must be H x W, got %v", seg.Shape)
	}
	seg, err = o.processor.ResizeLabels(seg, h, w)
	if err != nil {
		return types.RenderInput{}, fmt.Errorf("resize segmentation: %w", err)
	}

	img, err := o.processor.ResizeImage(e.Image, h, w)
	if err != nil {
		return types.RenderInput{}, fmt.Errorf("resize image: %w", err)
	}

	return types.RenderInput{
		Key:       e.Key,
		Image:     img,
		Depth:     depth,
		Seg:       seg,
		Area:      e.Area,
		Label:     e.Label,
		Instances: p.Instances,
		Visualize: p.Visualize,
	}, nil
}
