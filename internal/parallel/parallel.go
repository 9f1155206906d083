// Package parallel provides the bounded worker fan-out operators use to split
// one forward computation across the session's configured thread count.
package parallel

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/born-ml/netrun/internal/envconfig"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled      bool // Whether parallel execution is enabled.
	NumWorkers   int  // Number of worker goroutines to use.
	MinChunkSize int  // Minimum items per goroutine to avoid overhead.
}

// DefaultConfig returns defaults from the environment (NETRUN_NUM_THREADS) or CPU count.
func DefaultConfig() Config {
	return WithThreads(envconfig.NumThreads())
}

// WithThreads returns a config bounded to n workers. n <= 1 disables parallelism.
func WithThreads(n int) Config {
	return Config{
		Enabled:      n > 1,
		NumWorkers:   max(n, 1),
		MinChunkSize: 1,
	}
}

// chunks splits [0, n) into at most cfg.NumWorkers ranges of at least MinChunkSize.
func chunks(n int, cfg Config) int {
	return max((n+cfg.NumWorkers-1)/cfg.NumWorkers, cfg.MinChunkSize, 1)
}

// For executes f(i) for i in [0, n) with optional parallelism.
// Falls back to sequential execution if parallelism is disabled or n is too small.
func For(n int, f func(i int), cfg Config) {
	if !cfg.Enabled || n < 2*max(cfg.MinChunkSize, 1) {
		for i := 0; i < n; i++ {
			f(i)
		}
		return
	}

	var wg sync.WaitGroup
	chunkSize := chunks(n, cfg)
	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			for i := s; i < e; i++ {
				f(i)
			}
		}(start, end)
	}
	wg.Wait()
}

// ForErr is For for bodies that can fail. Remaining chunks stop early after
// the first error, which is returned.
func ForErr(n int, f func(i int) error, cfg Config) error {
	if !cfg.Enabled || n < 2*max(cfg.MinChunkSize, 1) {
		for i := 0; i < n; i++ {
			if err := f(i); err != nil {
				return err
			}
		}
		return nil
	}

	var g errgroup.Group
	g.SetLimit(cfg.NumWorkers)
	var failed sync.Once
	stop := make(chan struct{})
	chunkSize := chunks(n, cfg)
	for start := 0; start < n; start += chunkSize {
		s, e := start, min(start+chunkSize, n)
		g.Go(func() error {
			for i := s; i < e; i++ {
				select {
				case <-stop:
					return nil
				default:
				}
				if err := f(i); err != nil {
					failed.Do(func() { close(stop) })
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}
