// Package merge builds the unified dataset store from its three sources: a
// directory of image files, a depth store and a segmentation store.
package merge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/menta2k/synthprep/internal/utils"
	"github.com/menta2k/synthprep/pkg/keystore"
	"github.com/menta2k/synthprep/pkg/processing"
	"github.com/menta2k/synthprep/pkg/types"
)

// DefaultExtensions is the source image filter.
var DefaultExtensions = []string{"jpg"}

// Sources are the inputs of a merge. The stores must already be open; the
// merger only reads from them.
type Sources struct {
	ImageDir string
	Depth    *keystore.Store // keys at the root partition
	Seg      *keystore.Store // keys in the mask partition, with area/label attributes
}

// Report summarises a merge.
type Report struct {
	Images       int      // image files considered
	Merged       int      // keys written to all three partitions
	MissingDepth []string // keys absent from the depth store
	MissingSeg   []string // keys absent from the segmentation store
	MissingAttrs []string // segmentation entries without area or label
	Undecodable  []string // image files that could not be decoded
}

// Incomplete returns the number of images written without depth and seg.
func (r *Report) Incomplete() int {
	return r.Images - r.Merged - len(r.Undecodable)
}

// Config controls a Merger.
type Config struct {
	Extensions  []string // source image extensions, DefaultExtensions when empty
	Compression int      // zstd level for the destination store, 0 disables
}

type Merger struct {
	config    Config
	processor *processing.Processor
	logger    *zap.Logger
	progress  rate.Sometimes
}

func New(config Config, logger *zap.Logger) *Merger {
	if len(config.Extensions) == 0 {
		config.Extensions = DefaultExtensions
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Merger{
		config:    config,
		processor: processing.NewProcessor(),
		logger:    logger,
		progress:  rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
}

// Merge creates a fresh store at dest holding the image, depth and seg
// partitions. Every decodable image is written to image. Depth and seg are
// written only for keys found in both source stores; misses are recorded in
// the report and are not errors. Failing to list the image directory, to
// create dest or to write into it aborts the merge.
func (m *Merger) Merge(ctx context.Context, src Sources, dest string) (*Report, error) {
	if src.Depth == nil || src.Seg == nil {
		return nil, errors.New("merge: depth and segmentation stores are required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	names, err := utils.ListFiles(src.ImageDir, m.config.Extensions)
	if err != nil {
		return nil, fmt.Errorf("failed to read image directory: %w", err)
	}

	var opts []keystore.Option
	if m.config.Compression > 0 {
		opts = append(opts, keystore.WithCompression(m.config.Compression))
	}
	out, err := keystore.Open(dest, keystore.ModeCreate, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create dataset store: %w", err)
	}
	defer out.Close()

	for _, p := range []string{types.PartitionImage, types.PartitionDepth, types.PartitionSeg} {
		if err := out.CreatePartition(ctx, p); err != nil {
			return nil, err
		}
	}

	m.logger.Info("merging dataset",
		zap.String("images", src.ImageDir),
		zap.String("depth", src.Depth.Path()),
		zap.String("seg", src.Seg.Path()),
		zap.String("dest", dest),
		zap.Int("files", len(names)),
	)

	report := &Report{Images: len(names)}
	for i, name := range names {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := m.mergeOne(ctx, src, out, name, report); err != nil {
			return report, err
		}
		m.progress.Do(func() {
			m.logger.Info("merge progress",
				zap.Int("done", i+1),
				zap.Int("total", len(names)),
				zap.Int("merged", report.Merged),
			)
		})
	}

	if err := out.Close(); err != nil {
		return report, fmt.Errorf("failed to close dataset store: %w", err)
	}

	m.logger.Info("merge finished",
		zap.Int("images", report.Images),
		zap.Int("merged", report.Merged),
		zap.Int("missing_depth", len(report.MissingDepth)),
		zap.Int("missing_seg", len(report.MissingSeg)),
		zap.Int("missing_attrs", len(report.MissingAttrs)),
		zap.Int("undecodable", len(report.Undecodable)),
	)
	return report, nil
}

// mergeOne handles a single image file. Only fatal errors are returned.
func (m *Merger) mergeOne(ctx context.Context, src Sources, out *keystore.Store, name string, report *Report) error {
	path := filepath.Join(src.ImageDir, name)
	log := m.logger.With(zap.String("key", name))

	img, err := m.processor.LoadImageArray(path)
	if err != nil {
		log.Warn("skipping undecodable image", zap.Error(err))
		report.Undecodable = append(report.Undecodable, name)
		return nil
	}
	if err := out.Put(ctx, types.PartitionImage, name, img, nil); err != nil {
		return fmt.Errorf("failed to write image %s: %w", name, err)
	}

	hasDepth, err := src.Depth.Has(ctx, keystore.Root, name)
	if err != nil {
		return fmt.Errorf("failed to query depth store: %w", err)
	}
	hasSeg, err := src.Seg.Has(ctx, types.PartitionMask, name)
	if err != nil {
		return fmt.Errorf("failed to query segmentation store: %w", err)
	}
	if !hasDepth {
		report.MissingDepth = append(report.MissingDepth, name)
	}
	if !hasSeg {
		report.MissingSeg = append(report.MissingSeg, name)
	}
	if !hasDepth || !hasSeg {
		if ce := log.Check(zap.DebugLevel, "incomplete entry, image only"); ce != nil {
			ce.Write(zap.Bool("depth", hasDepth), zap.Bool("seg", hasSeg), zap.String("size", fileSize(path)))
		}
		return nil
	}

	depth, err := src.Depth.Payload(ctx, keystore.Root, name)
	if err != nil {
		return fmt.Errorf("failed to read depth %s: %w", name, err)
	}
	seg, err := src.Seg.Get(ctx, types.PartitionMask, name)
	if err != nil {
		return fmt.Errorf("failed to read segmentation %s: %w", name, err)
	}

	attrs := keystore.Attrs{}
	for _, a := range []string{types.AttrArea, types.AttrLabel} {
		v, ok := seg.Attrs[a]
		if !ok || v.Array == nil {
			log.Warn("segmentation entry lacks attribute, image only", zap.String("attr", a))
			report.MissingAttrs = append(report.MissingAttrs, name)
			return nil
		}
		attrs[a] = v
	}

	if err := out.Put(ctx, types.PartitionDepth, name, depth, nil); err != nil {
		return fmt.Errorf("failed to write depth %s: %w", name, err)
	}
	if err := out.Put(ctx, types.PartitionSeg, name, seg.Payload, attrs); err != nil {
		return fmt.Errorf("failed to write segmentation %s: %w", name, err)
	}

	report.Merged++
	if ce := log.Check(zap.DebugLevel, "merged"); ce != nil {
		ce.Write(
			zap.Stringer("image", img),
			zap.Stringer("depth", depth),
			zap.Stringer("seg", seg.Payload),
			zap.String("size", fileSize(path)),
		)
	}
	return nil
}

// fileSize formats the on-disk size of path for logging.
func fileSize(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return "unknown"
	}
	return utils.FormatFileSize(info.Size())
}
