package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/menta2k/synthprep"
	"github.com/menta2k/synthprep/internal/config"
	"github.com/menta2k/synthprep/internal/logging"
	"github.com/menta2k/synthprep/internal/utils"
	"github.com/menta2k/synthprep/pkg/export"
	"github.com/menta2k/synthprep/pkg/keystore"
	"github.com/menta2k/synthprep/pkg/merge"
	"github.com/menta2k/synthprep/pkg/orchestrator"
	"github.com/menta2k/synthprep/pkg/renderer/httprender"
	"github.com/menta2k/synthprep/pkg/timeout"
	"github.com/menta2k/synthprep/pkg/types"
)

const usage = `usage: synthprep <command> [flags]

commands:
  merge     build the unified dataset from images, depth and segmentation stores
  generate  render text over the dataset and append results to the output store
  export    write result images and JSON labels to a directory
  inspect   print partitions, key counts and shapes of a store
  version   print the version

run "synthprep <command> -h" for the flags of a command`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "merge":
		err = runMerge(ctx, args)
	case "generate":
		err = runGenerate(ctx, args)
	case "export":
		err = runExport(ctx, args)
	case "inspect":
		err = runInspect(ctx, args, os.Stdout)
	case "version":
		fmt.Println(synthprep.Version)
	case "-h", "--help", "help":
		fmt.Println(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s\n", cmd, usage)
		os.Exit(2)
	}

	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "synthprep: %v\n", err)
		}
		os.Exit(1)
	}
}

// common holds the flags every command shares.
type common struct {
	configPath string
	logLevel   string
	logFormat  string
}

func (c *common) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "YAML config file (default: "+config.GetConfigPath()+" when present)")
	fs.StringVar(&c.logLevel, "log-level", "", "log level: debug|info|warn|error")
	fs.StringVar(&c.logFormat, "log-format", "", "log format: console|json")
}

// load reads the config file and builds the logger. Explicit flags are
// applied by the caller afterwards.
func (c *common) load() (*config.Config, *zap.Logger, error) {
	cfg := config.Default()
	path := c.configPath
	if path == "" && utils.FileExists(config.GetConfigPath()) {
		path = config.GetConfigPath()
	}
	if path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, nil, err
		}
		cfg = loaded
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	if c.logFormat != "" {
		cfg.Log.Format = c.logFormat
	}
	logger, err := logging.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// visited returns the names of the flags set on the command line.
func visited(fs *flag.FlagSet) map[string]bool {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

func runMerge(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("merge", flag.ContinueOnError)
	var c common
	c.register(fs)
	imageDir := fs.String("images", "", "directory of background images")
	depth := fs.String("depth", "", "depth store")
	seg := fs.String("seg", "", "segmentation store (partition mask)")
	dest := fs.String("out", "", "unified dataset store to create")
	ext := fs.String("ext", "", "comma separated image extensions (default jpg)")
	compression := fs.Int("compression", 0, "zstd level for the dataset store, 0 disables")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, logger, err := c.load()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	set := visited(fs)
	if set["images"] {
		cfg.Merge.ImageDir = *imageDir
	}
	if set["depth"] {
		cfg.Merge.Depth = *depth
	}
	if set["seg"] {
		cfg.Merge.Seg = *seg
	}
	if set["out"] {
		cfg.Merge.Dest = *dest
	}
	if set["ext"] {
		cfg.Merge.Extensions = strings.Split(*ext, ",")
	}
	if set["compression"] {
		cfg.Store.Compression = *compression
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	report, err := synthprep.Merge(ctx,
		synthprep.MergeSources{ImageDir: cfg.Merge.ImageDir, DepthPath: cfg.Merge.Depth, SegPath: cfg.Merge.Seg},
		cfg.Merge.Dest,
		merge.Config{Extensions: cfg.Merge.Extensions, Compression: cfg.Store.Compression},
		logger,
	)
	if err != nil {
		return err
	}
	for _, k := range report.MissingDepth {
		logger.Debug("missing depth", zap.String("key", k))
	}
	for _, k := range report.MissingSeg {
		logger.Debug("missing segmentation", zap.String("key", k))
	}
	for _, k := range report.MissingAttrs {
		logger.Debug("missing segmentation attributes", zap.String("key", k))
	}
	return nil
}

func runGenerate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)
	var c common
	c.register(fs)
	dataset := fs.String("dataset", "", "unified dataset store")
	output := fs.String("out", "", "output store, created or extended")
	start := fs.Int("start", 0, "first key index")
	end := fs.Int("end", -1, "key index to stop before, -1 for all")
	numImages := fs.Int("n", -1, "number of images to process, -1 for all")
	instances := fs.Int("instances", 1, "instances requested per image")
	budget := fs.Duration("budget", 0, "time budget per image (default 5s)")
	strategy := fs.String("timeout", "", "timeout mechanism: auto|signal|timer")
	url := fs.String("renderer", "", "renderer service URL")
	viz := fs.Bool("viz", false, "write box overlays and ask before each next image")
	vizDir := fs.String("viz-dir", "viz", "directory for visualization overlays")
	metricsFile := fs.String("metrics", "", "write prometheus metrics to this textfile when done")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, logger, err := c.load()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	g := &cfg.Generate
	set := visited(fs)
	if set["dataset"] {
		g.Dataset = *dataset
	}
	if set["out"] {
		g.Output = *output
	}
	if set["start"] {
		g.Start = *start
	}
	if set["end"] {
		g.End = *end
	}
	if set["n"] {
		g.NumImages = *numImages
	}
	if set["instances"] {
		g.Instances = *instances
	}
	if set["budget"] {
		g.TimeBudget = *budget
	}
	if set["timeout"] {
		g.Timeout = *strategy
	}
	if set["viz"] {
		g.Visualize = *viz
	}
	if set["metrics"] {
		g.MetricsFile = *metricsFile
	}
	if set["renderer"] {
		cfg.Renderer.URL = *url
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	s, err := timeout.ParseStrategy(g.Timeout)
	if err != nil {
		return err
	}
	guard, err := timeout.New(s)
	if err != nil {
		return err
	}

	clientOpts := []httprender.Option{httprender.WithHTTPClient(&http.Client{Timeout: cfg.Renderer.Timeout})}
	if cfg.Renderer.Compress {
		clientOpts = append(clientOpts, httprender.WithCompression())
	}
	r, err := httprender.NewClient(cfg.Renderer.URL, clientOpts...)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics, err := orchestrator.NewMetrics(reg)
	if err != nil {
		return err
	}

	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithGuard(guard),
		orchestrator.WithMetrics(metrics),
	}
	if g.Visualize {
		v, err := newVisualizer(*vizDir, os.Stdin, os.Stdout, cfg.Export, logger)
		if err != nil {
			return err
		}
		opts = append(opts, orchestrator.WithConfirm(v.confirm))
	}

	report, runErr := synthprep.Generate(ctx, r, g.Dataset, g.Output, cfg.Params(), opts...)

	if g.MetricsFile != "" {
		if err := prometheus.WriteToTextfile(g.MetricsFile, reg); err != nil {
			logger.Error("failed to write metrics", zap.String("path", g.MetricsFile), zap.Error(err))
		}
	}
	if runErr != nil {
		return runErr
	}
	for _, f := range report.Failures {
		logger.Debug("failed key", zap.Int("index", f.Index), zap.String("key", f.Key), zap.String("kind", string(f.Kind)))
	}
	return nil
}

// visualizer writes overlays for each rendered key and asks whether to go on.
type visualizer struct {
	exporter *export.Exporter
	in       *bufio.Reader
	out      io.Writer
	logger   *zap.Logger
}

func newVisualizer(dir string, in io.Reader, out io.Writer, ec config.ExportConfig, logger *zap.Logger) (*visualizer, error) {
	e, err := export.New(export.Config{Dir: dir, Format: ec.Format, Quality: ec.Quality, Overlay: true}, logger)
	if err != nil {
		return nil, err
	}
	if err := utils.EnsureDir(dir); err != nil {
		return nil, err
	}
	return &visualizer{exporter: e, in: bufio.NewReader(in), out: out, logger: logger}, nil
}

func (v *visualizer) confirm(ctx context.Context, key string, results []types.Result) (bool, error) {
	for i, r := range results {
		rec := &keystore.Record{
			Key:     fmt.Sprintf("%s_%d", key, i),
			Payload: r.Image,
			Attrs: keystore.Attrs{
				types.AttrCharBB: keystore.ArrayAttr(r.CharBB),
				types.AttrWordBB: keystore.ArrayAttr(r.WordBB),
				types.AttrTxt:    keystore.TextAttr(r.Txt...),
			},
		}
		if err := v.exporter.ExportRecord(rec); err != nil {
			v.logger.Warn("visualization failed", zap.String("key", rec.Key), zap.Error(err))
		}
	}

	fmt.Fprint(v.out, "continue? (enter to continue, q to exit) ")
	line, err := v.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	if errors.Is(err, io.EOF) && line == "" {
		return false, nil
	}
	return strings.TrimSpace(line) != "q", nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	var c common
	c.register(fs)
	store := fs.String("store", "", "output store to export (default: generate.output)")
	dir := fs.String("dir", "", "destination directory")
	format := fs.String("format", "", "image format: png|jpg|webp")
	quality := fs.Int("quality", 0, "jpg/webp quality (1-100)")
	overlay := fs.Bool("overlay", true, "also write images with word and char boxes")
	prefix := fs.String("prefix", "", "only export keys with this prefix")
	limit := fs.Int("limit", 0, "export at most this many entries, 0 for all")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, logger, err := c.load()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	set := visited(fs)
	path := cfg.Generate.Output
	if set["store"] {
		path = *store
	}
	if set["dir"] {
		cfg.Export.Dir = *dir
	}
	if set["format"] {
		cfg.Export.Format = *format
	}
	if set["quality"] {
		cfg.Export.Quality = *quality
	}
	if set["overlay"] {
		cfg.Export.Overlay = *overlay
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	e, err := export.New(export.Config{
		Dir:     cfg.Export.Dir,
		Format:  cfg.Export.Format,
		Quality: cfg.Export.Quality,
		Overlay: cfg.Export.Overlay,
		Prefix:  *prefix,
		Limit:   *limit,
	}, logger)
	if err != nil {
		return err
	}
	_, err = e.Export(ctx, path)
	return err
}

func runInspect(ctx context.Context, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	showKeys := fs.Bool("keys", false, "list keys with payload shapes and attributes")
	partition := fs.String("partition", "", "limit key listing to one partition")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: synthprep inspect [-keys] [-partition name] store.db")
	}
	return inspect(ctx, fs.Arg(0), *showKeys, *partition, w)
}

func inspect(ctx context.Context, path string, showKeys bool, only string, w io.Writer) error {
	s, err := keystore.Open(path, keystore.ModeRead)
	if err != nil {
		return err
	}
	defer s.Close()

	size := int64(0)
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	}
	fmt.Fprintf(w, "%s (%s)\n", filepath.Base(path), utils.FormatFileSize(size))

	parts, err := s.Partitions(ctx)
	if err != nil {
		return err
	}
	for _, p := range parts {
		if only != "" && p != only {
			continue
		}
		n, err := s.Count(ctx, p)
		if err != nil {
			return err
		}
		name := p
		if p == keystore.Root {
			name = "/"
		}
		fmt.Fprintf(w, "  %-8s %d keys\n", name, n)
		if !showKeys {
			continue
		}

		keys, err := s.Keys(ctx, p)
		if err != nil {
			return err
		}
		for _, k := range keys {
			rec, err := s.Get(ctx, p, k)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "    %s %s", k, rec.Payload)
			for _, a := range sortedNames(rec.Attrs) {
				v := rec.Attrs[a]
				if v.IsText() {
					fmt.Fprintf(w, " %s=%q", a, v.Text)
				} else {
					fmt.Fprintf(w, " %s=%s", a, v.Array)
				}
			}
			fmt.Fprintln(w)
		}
	}
	return nil
}

func sortedNames(a keystore.Attrs) []string {
	return slices.Sorted(maps.Keys(a))
}
