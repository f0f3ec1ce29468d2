// Package synthprep assembles the dataset for synthetic scene-text
// generation and drives a text renderer over it.
//
// The pipeline has two stages:
//
//  1. Merge joins a directory of background images with a depth store and a
//     segmentation store into one unified dataset store with the partitions
//     image, depth and seg.
//  2. Generate walks the sorted keys of the dataset, normalizes each entry to
//     the depth resolution, calls the Renderer under a per-item time budget
//     and appends the results to an output store as <key>_<i>.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"log"
//
//		"github.com/menta2k/synthprep"
//		"github.com/menta2k/synthprep/pkg/merge"
//		"github.com/menta2k/synthprep/pkg/orchestrator"
//		"github.com/menta2k/synthprep/pkg/renderer/httprender"
//	)
//
//	func main() {
//		ctx := context.Background()
//		src := synthprep.MergeSources{ImageDir: "bg_img", DepthPath: "depth.db", SegPath: "seg.db"}
//		if _, err := synthprep.Merge(ctx, src, "dset.db", merge.Config{}, nil); err != nil {
//			log.Fatal(err)
//		}
//
//		r, err := httprender.NewClient("http://localhost:8500")
//		if err != nil {
//			log.Fatal(err)
//		}
//		report, err := synthprep.Generate(ctx, r, "dset.db", "results.db", orchestrator.DefaultParams())
//		if err != nil {
//			log.Fatal(err)
//		}
//		log.Printf("%d instances written", report.Instances)
//	}
//
// Stores are single SQLite files managed by pkg/keystore. Results are never
// overwritten, so Generate can be rerun over the same range to resume.
package synthprep

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/menta2k/synthprep/pkg/keystore"
	"github.com/menta2k/synthprep/pkg/merge"
	"github.com/menta2k/synthprep/pkg/orchestrator"
	"github.com/menta2k/synthprep/pkg/renderer"
)

// Version is the release of the library and CLI.
const Version = "0.3.0"

// MergeSources locates the inputs of Merge on disk.
type MergeSources struct {
	ImageDir  string
	DepthPath string
	SegPath   string
}

// Merge opens the source stores read-only and builds the unified dataset at
// dest. Missing source stores are fatal.
func Merge(ctx context.Context, src MergeSources, dest string, config merge.Config, logger *zap.Logger) (*merge.Report, error) {
	depth, err := keystore.Open(src.DepthPath, keystore.ModeRead)
	if err != nil {
		return nil, fmt.Errorf("failed to open depth store: %w", err)
	}
	defer depth.Close()

	seg, err := keystore.Open(src.SegPath, keystore.ModeRead)
	if err != nil {
		return nil, fmt.Errorf("failed to open segmentation store: %w", err)
	}
	defer seg.Close()

	m := merge.New(config, logger)
	return m.Merge(ctx, merge.Sources{ImageDir: src.ImageDir, Depth: depth, Seg: seg}, dest)
}

// Generate runs the orchestrator once over dataset, appending to output.
func Generate(ctx context.Context, r renderer.Renderer, dataset, output string, p orchestrator.Params, opts ...orchestrator.Option) (*orchestrator.Report, error) {
	o, err := orchestrator.New(r, opts...)
	if err != nil {
		return nil, err
	}
	return o.Run(ctx, dataset, output, p)
}
