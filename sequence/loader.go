package sequence

import (
	"context"
	"fmt"
	"math/rand"
)

// Batch is a padded mini-batch of windows
type Batch struct {
	X       []float32 // [len(Windows), size, dim]
	Targets []int
	Windows []Window
}

func (b Batch) Len() int { return len(b.Targets) }

// LoaderConfig holds configuration for the batch loader
type LoaderConfig struct {
	BatchSize int
	Size      int   // window length W
	Dim       int   // embedding dimension D
	Prefetch  int   // batches assembled ahead of the consumer (default: 2)
	Shuffle   bool  // reshuffle window order every epoch
	Seed      int64 // shuffle seed
}

// Loader assembles padded batches on a background goroutine
type Loader struct {
	windows []Window
	cfg     LoaderConfig
	rng     *rand.Rand
}

// NewLoader creates a loader over windows. Without Shuffle, batches always come in input order.
func NewLoader(windows []Window, cfg LoaderConfig) (*Loader, error) {
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.Size <= 0 || cfg.Dim <= 0 {
		return nil, fmt.Errorf("window shape must be positive, got %dx%d", cfg.Size, cfg.Dim)
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 2
	}
	return &Loader{
		windows: windows,
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Len returns the number of windows
func (l *Loader) Len() int { return len(l.windows) }

// NumBatches returns the number of batches per epoch
func (l *Loader) NumBatches() int {
	return (len(l.windows) + l.cfg.BatchSize - 1) / l.cfg.BatchSize
}

// Epoch streams one pass over the windows. The channel is closed after the
// last batch or when ctx is cancelled.
func (l *Loader) Epoch(ctx context.Context) <-chan Batch {
	order := make([]int, len(l.windows))
	for i := range order {
		order[i] = i
	}
	if l.cfg.Shuffle {
		l.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	out := make(chan Batch, l.cfg.Prefetch)
	go func() {
		defer close(out)
		for start := 0; start < len(order); start += l.cfg.BatchSize {
			end := start + l.cfg.BatchSize
			if end > len(order) {
				end = len(order)
			}
			select {
			case out <- l.assemble(order[start:end]):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (l *Loader) assemble(idx []int) Batch {
	stride := l.cfg.Size * l.cfg.Dim
	b := Batch{
		X:       make([]float32, len(idx)*stride),
		Targets: make([]int, len(idx)),
		Windows: make([]Window, len(idx)),
	}
	for i, wi := range idx {
		w := l.windows[wi]
		copy(b.X[i*stride:(i+1)*stride], w.Padded(l.cfg.Size, l.cfg.Dim))
		b.Targets[i] = w.Target
		b.Windows[i] = w
	}
	return b
}
