package simulator

import (
	"context"
	"math"
	"math/rand"
	"time"

	"psss-processing-go/internal/types"
)

// Options describe a synthetic spectrometer: a Gaussian ridge along x on a
// flat background, with shot-like noise.
type Options struct {
	Width   int
	Height  int
	Channel string
	// Rate in frames per second; 0 emits as fast as the consumer reads.
	Rate       float64
	Center     float64
	Sigma      float64
	Amplitude  float64
	Background float64
	// Jitter is the standard deviation of the per-frame center shift.
	Jitter float64
	Seed   int64
}

func Defaults() Options {
	return Options{
		Width:      2560,
		Height:     2160,
		Channel:    "SARFE10-PSSS059:FPICTURE",
		Rate:       10,
		Center:     1280,
		Sigma:      120,
		Amplitude:  200,
		Background: 10,
		Jitter:     15,
		Seed:       1,
	}
}

// Generator produces frames with increasing pulse ids. It is not safe for
// concurrent use.
type Generator struct {
	opts    Options
	rng     *rand.Rand
	pulseID uint64
	profile []float64
}

func NewGenerator(opts Options) *Generator {
	return &Generator{
		opts:    opts,
		rng:     rand.New(rand.NewSource(opts.Seed)),
		profile: make([]float64, opts.Width),
	}
}

func (g *Generator) Next() types.Frame {
	o := g.opts
	center := o.Center + g.rng.NormFloat64()*o.Jitter
	for x := range g.profile {
		d := float64(x) - center
		g.profile[x] = o.Background + o.Amplitude*math.Exp(-d*d/(2*o.Sigma*o.Sigma))
	}

	img := types.NewImage(o.Width, o.Height)
	for y := 0; y < o.Height; y++ {
		row := img.Row(y)
		for x, base := range g.profile {
			val := base + g.rng.NormFloat64()*math.Sqrt(base)
			if val < 0 {
				val = 0
			}
			row[x] = uint32(val)
		}
	}

	now := time.Now()
	frame := types.Frame{
		PulseID:   g.pulseID,
		Timestamp: types.Timestamp{Seconds: now.Unix(), Offset: int64(now.Nanosecond())},
		Channels:  map[string]types.Image{o.Channel: img},
	}
	g.pulseID++
	return frame
}

// Stream emits frames until ctx is cancelled, then closes the channel.
func Stream(ctx context.Context, opts Options) <-chan types.Frame {
	out := make(chan types.Frame)
	go func() {
		defer close(out)
		gen := NewGenerator(opts)

		var tick <-chan time.Time
		if opts.Rate > 0 {
			ticker := time.NewTicker(time.Duration(float64(time.Second) / opts.Rate))
			defer ticker.Stop()
			tick = ticker.C
		}

		for {
			if tick != nil {
				select {
				case <-ctx.Done():
					return
				case <-tick:
				}
			}
			select {
			case <-ctx.Done():
				return
			case out <- gen.Next():
			}
		}
	}()

	return out
}
