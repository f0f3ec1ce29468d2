package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/menta2k/synthprep/internal/config"
	"github.com/menta2k/synthprep/pkg/keystore"
	"github.com/menta2k/synthprep/pkg/ndarray"
	"github.com/menta2k/synthprep/pkg/types"
)

func TestInspect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.db")
	s, err := keystore.Open(path, keystore.ModeCreate)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.CreatePartition(ctx, types.PartitionData))
	img, err := ndarray.New(ndarray.Uint8, 4, 6, 3)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, types.PartitionData, "A_0", img, keystore.Attrs{
		types.AttrTxt: keystore.TextAttr("héllo"),
	}))
	require.NoError(t, s.Close())

	var buf bytes.Buffer
	require.NoError(t, runInspect(ctx, []string{"-keys", path}, &buf))
	out := buf.String()
	assert.Contains(t, out, "data     1 keys")
	assert.Contains(t, out, "/        0 keys")
	assert.Contains(t, out, `A_0 uint8[4 6 3] txt=["héllo"]`)

	assert.Error(t, runInspect(ctx, nil, &buf))
	assert.Error(t, runInspect(ctx, []string{filepath.Join(t.TempDir(), "missing.db")}, &buf))
}

func visualizerResult(t *testing.T) types.Result {
	t.Helper()
	img, err := ndarray.New(ndarray.Uint8, 10, 10, 3)
	require.NoError(t, err)
	bb, err := ndarray.FromFloat32([]int{2, 4}, []float32{1, 8, 8, 1, 1, 1, 8, 8})
	require.NoError(t, err)
	return types.Result{Image: img, CharBB: bb, WordBB: bb, Txt: []string{"hi"}}
}

func TestVisualizerConfirm(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	v, err := newVisualizer(dir, strings.NewReader("\nq\n"), &out, config.Default().Export, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	cont, err := v.confirm(ctx, "A", []types.Result{visualizerResult(t)})
	require.NoError(t, err)
	assert.True(t, cont)
	assert.Contains(t, out.String(), "continue? (enter to continue, q to exit)")

	_, err = os.Stat(filepath.Join(dir, "A_0_boxes.png"))
	assert.NoError(t, err)

	cont, err = v.confirm(ctx, "B", nil)
	require.NoError(t, err)
	assert.False(t, cont)

	// input exhausted
	cont, err = v.confirm(ctx, "C", nil)
	require.NoError(t, err)
	assert.False(t, cont)
}
