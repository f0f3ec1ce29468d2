// Package export writes the contents of an output store to plain files: one
// image per result instance, an optional image with the word and character
// boxes drawn over it, and a JSON document with the placed text and boxes.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/menta2k/synthprep/internal/utils"
	"github.com/menta2k/synthprep/pkg/keystore"
	"github.com/menta2k/synthprep/pkg/processing"
	"github.com/menta2k/synthprep/pkg/types"
)

// Config controls an export.
type Config struct {
	Dir      string // output directory, created if missing
	Format   string // png, jpg or webp
	Quality  int    // jpg and webp quality
	Overlay  bool   // also write <key>_boxes.<format>
	Prefix   string // only export keys starting with this prefix
	Limit    int    // stop after this many keys, 0 for all
	Lossless bool   // lossless webp
}

// Label is the JSON document written per result instance.
type Label struct {
	Key    string       `json:"key"`
	Width  int          `json:"width"`
	Height int          `json:"height"`
	Txt    []string     `json:"txt"`
	WordBB []types.Quad `json:"wordBB"`
	CharBB []types.Quad `json:"charBB"`
}

type Exporter struct {
	config    Config
	processor *processing.Processor
	logger    *zap.Logger
}

func New(config Config, logger *zap.Logger) (*Exporter, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("export directory is required")
	}
	switch strings.ToLower(config.Format) {
	case "":
		config.Format = "png"
	case "png", "jpg", "jpeg", "webp":
	default:
		return nil, fmt.Errorf("unsupported export format %q", config.Format)
	}
	if config.Quality <= 0 {
		config.Quality = 95
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{config: config, processor: processing.NewProcessor(), logger: logger}, nil
}

// Export writes every selected entry of the data partition of the store at
// path. It returns the number of entries written.
func (e *Exporter) Export(ctx context.Context, path string) (int, error) {
	store, err := keystore.Open(path, keystore.ModeRead)
	if err != nil {
		return 0, fmt.Errorf("failed to open output store: %w", err)
	}
	defer store.Close()

	if err := utils.EnsureDir(e.config.Dir); err != nil {
		return 0, fmt.Errorf("failed to create export directory: %w", err)
	}

	keys, err := store.Keys(ctx, types.PartitionData)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, key := range keys {
		if !strings.HasPrefix(key, e.config.Prefix) {
			continue
		}
		if e.config.Limit > 0 && n >= e.config.Limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return n, err
		}
		rec, err := store.Get(ctx, types.PartitionData, key)
		if err != nil {
			return n, err
		}
		if err := e.ExportRecord(rec); err != nil {
			return n, fmt.Errorf("export %s: %w", key, err)
		}
		n++
	}

	e.logger.Info("export finished", zap.String("store", path), zap.String("dir", e.config.Dir), zap.Int("entries", n))
	return n, nil
}

// ExportRecord writes the files of one output store record.
func (e *Exporter) ExportRecord(rec *keystore.Record) error {
	img, err := rec.Payload.ToImage()
	if err != nil {
		return err
	}

	imgPath := utils.OutputFilename(e.config.Dir, rec.Key, e.config.Format)
	if err := e.processor.SaveImage(img, imgPath, e.config.Format, e.config.Quality, e.config.Lossless); err != nil {
		return fmt.Errorf("failed to save image: %w", err)
	}

	label := Label{
		Key:    rec.Key,
		Width:  img.Bounds().Dx(),
		Height: img.Bounds().Dy(),
		Txt:    []string{},
	}
	if txt, err := rec.Attrs.Text(types.AttrTxt); err == nil {
		label.Txt = txt
	}
	wordBB, _ := rec.Attrs.Array(types.AttrWordBB)
	charBB, _ := rec.Attrs.Array(types.AttrCharBB)
	if label.WordBB, err = processing.Quads(wordBB); err != nil {
		return err
	}
	if label.CharBB, err = processing.Quads(charBB); err != nil {
		return err
	}

	if e.config.Overlay {
		overlay, err := e.processor.CreateDebugOverlay(img, wordBB, charBB)
		if err != nil {
			return err
		}
		path := utils.OutputFilename(e.config.Dir, rec.Key+"_boxes", e.config.Format)
		if err := e.processor.SaveImage(overlay, path, e.config.Format, e.config.Quality, e.config.Lossless); err != nil {
			return fmt.Errorf("failed to save overlay: %w", err)
		}
	}

	data, err := json.MarshalIndent(label, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(utils.OutputFilename(e.config.Dir, rec.Key, "json"), data, 0644); err != nil {
		return fmt.Errorf("failed to write labels: %w", err)
	}

	e.logger.Debug("exported", zap.String("key", rec.Key), zap.Int("words", len(label.WordBB)))
	return nil
}
