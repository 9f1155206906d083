package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/born-ml/netrun/inference"
	"github.com/born-ml/netrun/internal/alloc"
)

type benchConfig struct {
	input, output string
	shape         inference.Shape
	threads       int
	loops         int
	light, gpu    bool
}

func newBenchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench PARAM MODEL",
		Short: "Time repeated extraction of one output",
		Args:  cobra.ExactArgs(2),
		RunE:  BenchHandler,
	}
	cmd.Flags().String("input", "data", "Input slot name")
	cmd.Flags().String("shape", "3,224,224", "Input shape, channel first (C,H,W)")
	cmd.Flags().String("output", "output", "Output slot name")
	cmd.Flags().Int("threads", 0, "Worker threads per session (0 uses the default)")
	cmd.Flags().Int("loops", 10, "Number of timed extractions")
	cmd.Flags().Bool("light", true, "Evict intermediates once consumed")
	cmd.Flags().Bool("gpu", false, "Run on the best available device")
	return cmd
}

// BenchHandler loads a network and reports extraction timings.
func BenchHandler(cmd *cobra.Command, args []string) error {
	var cfg benchConfig
	var shape string
	var err error
	flags := cmd.Flags()
	if cfg.input, err = flags.GetString("input"); err != nil {
		return err
	}
	if shape, err = flags.GetString("shape"); err != nil {
		return err
	}
	if cfg.output, err = flags.GetString("output"); err != nil {
		return err
	}
	if cfg.threads, err = flags.GetInt("threads"); err != nil {
		return err
	}
	if cfg.loops, err = flags.GetInt("loops"); err != nil {
		return err
	}
	if cfg.light, err = flags.GetBool("light"); err != nil {
		return err
	}
	if cfg.gpu, err = flags.GetBool("gpu"); err != nil {
		return err
	}
	if cfg.shape, err = parseShape(shape); err != nil {
		return err
	}
	if cfg.loops < 1 {
		return errors.Errorf("loops must be positive, got %d", cfg.loops)
	}
	return bench(cmd.OutOrStdout(), args[0], args[1], cfg)
}

func parseShape(s string) (inference.Shape, error) {
	parts := strings.Split(s, ",")
	if len(parts) > 3 {
		return nil, errors.Errorf("shape %q: at most 3 dimensions", s)
	}
	shape := make(inference.Shape, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n <= 0 {
			return nil, errors.Errorf("shape %q: bad dimension %q", s, p)
		}
		shape[i] = n
	}
	return shape, nil
}

func openGraph(paramPath, modelPath string, cfg benchConfig) (*inference.Graph, error) {
	opts := inference.DefaultOptions()
	opts.LightMode = cfg.light
	if cfg.threads > 0 {
		opts.NumThreads = cfg.threads
	}
	if !cfg.gpu {
		opts.UseGPUCompute = false
		return inference.Open(paramPath, modelPath, opts)
	}
	g, err := inference.OpenDevice(opts)
	if err != nil {
		return nil, err
	}
	if err := g.LoadParamFile(paramPath); err != nil {
		g.Device().Release()
		return nil, err
	}
	if err := g.LoadModelFile(modelPath); err != nil {
		_ = g.Clear()
		g.Device().Release()
		return nil, err
	}
	return g, nil
}

func bench(w io.Writer, paramPath, modelPath string, cfg benchConfig) error {
	loadStart := time.Now()
	g, err := openGraph(paramPath, modelPath, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = g.Clear()
		if dev := g.Device(); dev != nil {
			dev.Release()
		}
	}()
	loadTime := time.Since(loadStart)

	data := make([]float32, cfg.shape.NumElements())
	for i := range data {
		data[i] = float32(i%255) / 255
	}
	in, err := inference.FromFloat32(cfg.shape, data)
	if err != nil {
		return err
	}

	blobs := alloc.NewPoolAllocator()
	workspace := alloc.NewPoolAllocator()
	var (
		total, best, worst time.Duration
		last               inference.Stats
		out                *inference.Tensor
	)
	for i := 0; i < cfg.loops; i++ {
		s, err := g.NewSession()
		if err != nil {
			return err
		}
		s.SetBlobAllocator(blobs)
		s.SetWorkspaceAllocator(workspace)
		if cfg.threads > 0 {
			s.SetNumThreads(cfg.threads)
		}
		if err := s.InputByName(cfg.input, in); err != nil {
			s.Release()
			return err
		}
		start := time.Now()
		out, err = s.ExtractByName(cfg.output)
		elapsed := time.Since(start)
		last = s.Stats()
		s.Release()
		if err != nil {
			return err
		}
		total += elapsed
		if i == 0 || elapsed < best {
			best = elapsed
		}
		worst = max(worst, elapsed)
	}

	device := "cpu"
	if dev := g.Device(); dev != nil && cfg.gpu {
		device = dev.Name()
	}
	fmt.Fprintf(w, "loaded %d layers (%d fused away) on %s in %s\n",
		g.LayerCount(), g.FusedLayers(), device, loadTime.Round(time.Microsecond))
	fmt.Fprintf(w, "%s %v -> %s %v (%s)\n",
		cfg.input, cfg.shape, cfg.output, out.Shape(), humanize.IBytes(uint64(out.ByteSize())))
	fmt.Fprintf(w, "%s loops: min %s  max %s  avg %s\n", humanize.Comma(int64(cfg.loops)),
		best.Round(time.Microsecond), worst.Round(time.Microsecond),
		(total / time.Duration(cfg.loops)).Round(time.Microsecond))
	fmt.Fprintf(w, "session: %s\n", last)
	fmt.Fprintf(w, "blob allocator: %s\n", blobs.Stats())
	fmt.Fprintf(w, "workspace allocator: %s\n", workspace.Stats())
	return nil
}
