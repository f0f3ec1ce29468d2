package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/menta2k/synthprep/pkg/keystore"
	"github.com/menta2k/synthprep/pkg/ndarray"
	"github.com/menta2k/synthprep/pkg/renderer"
	"github.com/menta2k/synthprep/pkg/timeout"
	"github.com/menta2k/synthprep/pkg/types"
)

const (
	imgH, imgW = 12, 16 // source image extent
	depH, depW = 8, 10  // depth extent, the render extent
)

// buildDataset writes a unified dataset holding keys, with depth stored
// channel-first the way source depth stores keep it.
func buildDataset(t *testing.T, keys ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dset.db")
	s, err := keystore.Open(path, keystore.ModeCreate)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	for _, p := range []string{types.PartitionImage, types.PartitionDepth, types.PartitionSeg} {
		require.NoError(t, s.CreatePartition(ctx, p))
	}
	for _, k := range keys {
		putEntry(t, s, k)
	}
	return path
}

func putEntry(t *testing.T, s *keystore.Store, key string) {
	t.Helper()
	ctx := context.Background()

	img, err := ndarray.New(ndarray.Uint8, imgH, imgW, 3)
	require.NoError(t, err)
	for i := range img.Data {
		img.Data[i] = uint8(i)
	}
	require.NoError(t, s.Put(ctx, types.PartitionImage, key, img, nil))

	// channel 1 carries 7s so the selection is observable
	vals := make([]float32, 2*depW*depH)
	for i := depW * depH; i < len(vals); i++ {
		vals[i] = 7
	}
	depth, err := ndarray.FromFloat32([]int{2, depW, depH}, vals)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, types.PartitionDepth, key, depth, nil))

	labels := make([]int32, 4*5)
	for i := range labels {
		labels[i] = int32(i%3) + 1
	}
	seg, err := ndarray.FromInt32([]int{4, 5}, labels)
	require.NoError(t, err)
	area, err := ndarray.FromInt32([]int{3}, []int32{7, 7, 6})
	require.NoError(t, err)
	label, err := ndarray.FromInt32([]int{3}, []int32{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, types.PartitionSeg, key, seg, keystore.Attrs{
		types.AttrArea:  keystore.ArrayAttr(area),
		types.AttrLabel: keystore.ArrayAttr(label),
	}))
}

func result(t *testing.T, in types.RenderInput, txt ...string) types.Result {
	t.Helper()
	char, err := ndarray.FromFloat32([]int{2, 4, 1}, []float32{1, 5, 5, 1, 1, 1, 5, 5})
	require.NoError(t, err)
	word := char.Clone()
	return types.Result{Image: in.Image.Clone(), CharBB: char, WordBB: word, Txt: txt}
}

// scripted renders count instances per key; a negative count blocks until
// the context is done.
func scripted(t *testing.T, counts map[string]int) (renderer.Renderer, *sync.Map) {
	calls := &sync.Map{}
	return renderer.Func(func(ctx context.Context, in types.RenderInput) ([]types.Result, error) {
		n, _ := calls.LoadOrStore(in.Key, new(atomic.Int32))
		n.(*atomic.Int32).Add(1)

		c := counts[in.Key]
		if c < 0 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		out := make([]types.Result, c)
		for i := range out {
			out[i] = result(t, in, "word")
		}
		return out, nil
	}), calls
}

func callCount(calls *sync.Map, key string) int {
	n, ok := calls.Load(key)
	if !ok {
		return 0
	}
	return int(n.(*atomic.Int32).Load())
}

func testParams() Params {
	p := DefaultParams()
	p.TimeBudget = 200 * time.Millisecond
	return p
}

func outputKeys(t *testing.T, path string) []string {
	t.Helper()
	s, err := keystore.Open(path, keystore.ModeRead)
	require.NoError(t, err)
	defer s.Close()
	keys, err := s.Keys(context.Background(), types.PartitionData)
	require.NoError(t, err)
	return keys
}

func TestRunScenario(t *testing.T) {
	input := buildDataset(t, "A", "B", "C")
	output := filepath.Join(t.TempDir(), "results.db")
	r, _ := scripted(t, map[string]int{"A": 2, "B": -1, "C": 1})

	o, err := New(r)
	require.NoError(t, err)

	report, err := o.Run(context.Background(), input, output, testParams())
	require.NoError(t, err)

	assert.Equal(t, []string{"A_0", "A_1", "C_0"}, outputKeys(t, output))
	assert.Equal(t, 3, report.Keys)
	assert.Equal(t, 2, report.Persisted)
	assert.Equal(t, 1, report.Empty)
	assert.Equal(t, 3, report.Instances)
	require.Len(t, report.Failed(KindTimeout), 1)
	assert.Equal(t, "B", report.Failed(KindTimeout)[0].Key)
	assert.ErrorIs(t, report.Failures[0], timeout.ErrTimeout)
}

func TestRunIsResumable(t *testing.T) {
	input := buildDataset(t, "A", "B", "C")
	output := filepath.Join(t.TempDir(), "results.db")
	r, calls := scripted(t, map[string]int{"A": 2, "B": 0, "C": 1})

	o, err := New(r, WithGuard(mustGuard(t, timeout.Timer)))
	require.NoError(t, err)

	first, err := o.Run(context.Background(), input, output, testParams())
	require.NoError(t, err)
	before := outputKeys(t, output)

	second, err := o.Run(context.Background(), input, output, testParams())
	require.NoError(t, err)

	assert.Equal(t, before, outputKeys(t, output))
	assert.Equal(t, 0, second.Instances)
	assert.Equal(t, 2, second.Skipped)
	assert.NotEqual(t, first.RunID, second.RunID)
	// B produced nothing so it is retried, the others are not
	assert.Equal(t, 1, callCount(calls, "A"))
	assert.Equal(t, 2, callCount(calls, "B"))
	assert.Equal(t, 1, callCount(calls, "C"))

	s, err := keystore.Open(output, keystore.ModeRead)
	require.NoError(t, err)
	defer s.Close()
	runs, err := s.Keys(context.Background(), PartitionRuns)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{first.RunID, second.RunID}, runs)
}

func TestRunContainsUncooperativeTimeout(t *testing.T) {
	input := buildDataset(t, "A", "B")
	output := filepath.Join(t.TempDir(), "results.db")

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	r := renderer.Func(func(ctx context.Context, in types.RenderInput) ([]types.Result, error) {
		if in.Key == "A" {
			<-release // ignores ctx
			return nil, nil
		}
		return []types.Result{result(t, in, "ok")}, nil
	})

	core, logs := observer.New(zapcore.DebugLevel)
	o, err := New(r, WithLogger(zap.New(core)))
	require.NoError(t, err)

	p := testParams()
	p.TimeBudget = 100 * time.Millisecond
	start := time.Now()
	report, err := o.Run(context.Background(), input, output, p)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, []string{"B_0"}, outputKeys(t, output))
	require.Len(t, report.Failed(KindTimeout), 1)

	timeouts := logs.FilterMessage("render timed out").All()
	require.Len(t, timeouts, 1)
	fields := timeouts[0].ContextMap()
	assert.Equal(t, "A", fields["key"])
	assert.Equal(t, "timeout", fields["kind"])
}

func TestRunIsolatesFaults(t *testing.T) {
	input := buildDataset(t, "A", "C", "D")

	// B: area attribute stored as text; E: image only
	s, err := keystore.Open(input, keystore.ModeAppend)
	require.NoError(t, err)
	ctx := context.Background()
	img, _ := ndarray.New(ndarray.Uint8, imgH, imgW, 3)
	depth, _ := ndarray.New(ndarray.Float32, 2, depW, depH)
	seg, _ := ndarray.New(ndarray.Int32, 4, 5)
	label, _ := ndarray.FromInt32([]int{1}, []int32{1})
	require.NoError(t, s.Put(ctx, types.PartitionImage, "B", img, nil))
	require.NoError(t, s.Put(ctx, types.PartitionDepth, "B", depth, nil))
	require.NoError(t, s.Put(ctx, types.PartitionSeg, "B", seg, keystore.Attrs{
		types.AttrArea:  keystore.TextAttr("corrupt"),
		types.AttrLabel: keystore.ArrayAttr(label),
	}))
	require.NoError(t, s.Put(ctx, types.PartitionImage, "E", img, nil))
	require.NoError(t, s.Close())

	r := renderer.Func(func(ctx context.Context, in types.RenderInput) ([]types.Result, error) {
		switch in.Key {
		case "C":
			panic("renderer bug")
		case "D":
			bad := result(t, in)
			bad.WordBB = nil
			return []types.Result{bad}, nil
		}
		return []types.Result{result(t, in, "fine")}, nil
	})

	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	o, err := New(r, WithMetrics(metrics), WithGuard(mustGuard(t, timeout.Timer)))
	require.NoError(t, err)

	output := filepath.Join(t.TempDir(), "results.db")
	report, err := o.Run(ctx, input, output, testParams())
	require.NoError(t, err)

	assert.Equal(t, []string{"A_0"}, outputKeys(t, output))
	require.Len(t, report.Failures, 4)

	kinds := map[string]Kind{}
	for _, f := range report.Failures {
		kinds[f.Key] = f.Kind
	}
	assert.Equal(t, map[string]Kind{
		"B": KindLoad,
		"C": KindRender,
		"D": KindRender,
		"E": KindIncomplete,
	}, kinds)

	var panicErr *timeout.PanicError
	assert.ErrorAs(t, report.Failed(KindRender)[0], &panicErr)
	assert.ErrorIs(t, report.Failed(KindRender)[1], renderer.ErrInvalidResult)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.keys.WithLabelValues(outcomePersisted, "")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.keys.WithLabelValues(outcomeFailed, string(KindRender))))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.keys.WithLabelValues(outcomeFailed, string(KindIncomplete))))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.instances))
}

func TestRunRejectsTruncatedResult(t *testing.T) {
	input := buildDataset(t, "A", "C")
	output := filepath.Join(t.TempDir(), "results.db")
	truncate := true
	r := renderer.Func(func(ctx context.Context, in types.RenderInput) ([]types.Result, error) {
		res := result(t, in, "word")
		if in.Key == "A" && truncate {
			res.Image.Data = res.Image.Data[:5]
		}
		return []types.Result{res}, nil
	})

	o, err := New(r, WithGuard(mustGuard(t, timeout.Timer)))
	require.NoError(t, err)

	report, err := o.Run(context.Background(), input, output, testParams())
	require.NoError(t, err)
	assert.Equal(t, []string{"C_0"}, outputKeys(t, output))
	require.Len(t, report.Failed(KindRender), 1)
	assert.Equal(t, "A", report.Failed(KindRender)[0].Key)
	assert.ErrorIs(t, report.Failed(KindRender)[0], renderer.ErrInvalidResult)

	// A was never marked done, so a later run renders it
	truncate = false
	again, err := o.Run(context.Background(), input, output, testParams())
	require.NoError(t, err)
	assert.Equal(t, 1, again.Skipped)
	assert.Equal(t, 1, again.Instances)
	assert.Equal(t, []string{"A_0", "C_0"}, outputKeys(t, output))

	s, err := keystore.Open(output, keystore.ModeRead)
	require.NoError(t, err)
	defer s.Close()
	img, err := s.Payload(context.Background(), types.PartitionData, "A_0")
	require.NoError(t, err)
	assert.Equal(t, []int{depH, depW, 3}, img.Shape)
}

func TestRunNormalizesInput(t *testing.T) {
	input := buildDataset(t, "A")
	output := filepath.Join(t.TempDir(), "results.db")

	var got types.RenderInput
	r := renderer.Func(func(ctx context.Context, in types.RenderInput) ([]types.Result, error) {
		got = in
		return nil, nil
	})
	o, err := New(r, WithGuard(mustGuard(t, timeout.Timer)))
	require.NoError(t, err)

	p := testParams()
	p.Instances = 3
	report, err := o.Run(context.Background(), input, output, p)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Empty)
	assert.Empty(t, outputKeys(t, output))

	assert.Equal(t, 3, got.Instances)
	assert.Equal(t, []int{depH, depW}, got.Depth.Shape)
	assert.Equal(t, ndarray.Float32, got.Depth.DType)
	for _, v := range got.Depth.Floats() {
		require.Equal(t, 7.0, v)
	}
	assert.Equal(t, []int{depH, depW, 3}, got.Image.Shape)
	assert.Equal(t, []int{depH, depW}, got.Seg.Shape)
	assert.Equal(t, ndarray.Float32, got.Seg.DType)
	for _, v := range got.Seg.Floats() {
		require.Contains(t, []float64{1, 2, 3}, v)
	}
	assert.Equal(t, []float64{1, 2, 3}, got.Label.Floats())
}

func TestRunNonASCIIText(t *testing.T) {
	input := buildDataset(t, "A")
	output := filepath.Join(t.TempDir(), "results.db")
	words := []string{"Grüße", "日本語", "naïve café", "🎉"}

	r := renderer.Func(func(ctx context.Context, in types.RenderInput) ([]types.Result, error) {
		return []types.Result{result(t, in, words...)}, nil
	})
	o, err := New(r)
	require.NoError(t, err)
	_, err = o.Run(context.Background(), input, output, testParams())
	require.NoError(t, err)

	s, err := keystore.Open(output, keystore.ModeRead)
	require.NoError(t, err)
	defer s.Close()
	attrs, err := s.Attrs(context.Background(), types.PartitionData, "A_0")
	require.NoError(t, err)
	txt, err := attrs.Text(types.AttrTxt)
	require.NoError(t, err)
	assert.Equal(t, words, txt)

	_, err = attrs.Array(types.AttrCharBB)
	assert.NoError(t, err)
	_, err = attrs.Array(types.AttrWordBB)
	assert.NoError(t, err)
}

func TestRunKeyRange(t *testing.T) {
	input := buildDataset(t, "A", "B", "C", "D")
	r, calls := scripted(t, map[string]int{"A": 1, "B": 1, "C": 1, "D": 1})
	o, err := New(r, WithGuard(mustGuard(t, timeout.Timer)))
	require.NoError(t, err)

	p := testParams()
	p.Start, p.End = 1, 3
	output := filepath.Join(t.TempDir(), "results.db")
	report, err := o.Run(context.Background(), input, output, p)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Keys)
	assert.Equal(t, []string{"B_0", "C_0"}, outputKeys(t, output))
	assert.Zero(t, callCount(calls, "A"))

	p = testParams()
	p.NumImages = 1
	output = filepath.Join(t.TempDir(), "results.db")
	_, err = o.Run(context.Background(), input, output, p)
	require.NoError(t, err)
	assert.Equal(t, []string{"A_0"}, outputKeys(t, output))
}

func TestRunConfirmStops(t *testing.T) {
	input := buildDataset(t, "A", "B")
	r, _ := scripted(t, map[string]int{"A": 1, "B": 1})

	var seen []string
	confirm := func(ctx context.Context, key string, results []types.Result) (bool, error) {
		seen = append(seen, key)
		return false, nil
	}
	o, err := New(r, WithConfirm(confirm), WithGuard(mustGuard(t, timeout.Timer)))
	require.NoError(t, err)

	p := testParams()
	p.Visualize = true
	output := filepath.Join(t.TempDir(), "results.db")
	report, err := o.Run(context.Background(), input, output, p)
	require.NoError(t, err)
	assert.True(t, report.Stopped)
	assert.Equal(t, []string{"A"}, seen)
	assert.Equal(t, []string{"A_0"}, outputKeys(t, output))
}

func TestRunFatalErrors(t *testing.T) {
	r, _ := scripted(t, nil)
	o, err := New(r)
	require.NoError(t, err)

	_, err = o.Run(context.Background(), filepath.Join(t.TempDir(), "missing.db"), filepath.Join(t.TempDir(), "out.db"), testParams())
	assert.Error(t, err)

	p := testParams()
	p.Instances = 0
	_, err = o.Run(context.Background(), buildDataset(t, "A"), filepath.Join(t.TempDir(), "out.db"), p)
	assert.Error(t, err)
}

func TestRunCancelled(t *testing.T) {
	input := buildDataset(t, "A", "B")
	ctx, cancel := context.WithCancel(context.Background())
	r := renderer.Func(func(rctx context.Context, in types.RenderInput) ([]types.Result, error) {
		cancel()
		<-rctx.Done()
		return nil, rctx.Err()
	})
	o, err := New(r, WithGuard(mustGuard(t, timeout.Timer)))
	require.NoError(t, err)

	report, err := o.Run(ctx, input, filepath.Join(t.TempDir(), "out.db"), testParams())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, report.Failures)
}

func TestParamsBounds(t *testing.T) {
	tests := []struct {
		name               string
		p                  Params
		n                  int
		wantStart, wantEnd int
	}{
		{"all", DefaultParams(), 5, 0, 5},
		{"end", Params{Start: 1, End: 3, NumImages: -1}, 5, 1, 3},
		{"end past keys", Params{End: 10, NumImages: -1}, 5, 0, 5},
		{"num images", Params{End: -1, NumImages: 2}, 5, 0, 2},
		{"start past end", Params{Start: 7, End: -1, NumImages: -1}, 5, 5, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, e := tt.p.bounds(tt.n)
			assert.Equal(t, tt.wantStart, s)
			assert.Equal(t, tt.wantEnd, e)
		})
	}
}

func mustGuard(t *testing.T, s timeout.Strategy) timeout.Guard {
	t.Helper()
	g, err := timeout.New(s)
	require.NoError(t, err)
	return g
}
