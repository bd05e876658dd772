// Package videopipe wires the three-stage sender-side frame pipeline:
// capture (owned by a camera.Source), transform (this package, fanned out
// one worker per frame), and order/send/render (this package, a single
// consumer task restoring sequence order before a frame leaves the
// process).
package videopipe

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/vterm/masp/pkg/ascii"
	"github.com/vterm/masp/pkg/camera"
	"github.com/vterm/masp/pkg/masp"
	"github.com/vterm/masp/pkg/metrics"
)

// emptyBufferPoll is how often Stage C checks a momentarily empty ordering
// buffer: a yield-and-retry sleep instead of a busy spin.
const emptyBufferPoll = time.Millisecond

// frameEntry is one transformed ASCII frame awaiting its turn in Stage C,
// tagged with the sequence Stage A assigned its source raw frame.
type frameEntry struct {
	frame string
	seq   uint64
}

// Pipeline holds Stage C's ordering buffer, shared between the Stage B
// workers that append to it and the Stage C consumer that drains it.
type Pipeline struct {
	metrics *metrics.Collector

	mu     sync.Mutex
	buffer []frameEntry
}

// New creates a Pipeline reporting to m (nil is valid; see pkg/metrics).
func New(m *metrics.Collector) *Pipeline {
	return &Pipeline{metrics: m}
}

// Capture runs Stage A and Stage B: it reads raw frames from src until ctx
// is cancelled or the source's channel closes, assigning each a
// monotonically increasing sequence number and spawning a Stage B worker to
// transform it into the ordering buffer. It blocks until every in-flight
// worker has finished, so callers can safely tear down after it returns.
func (p *Pipeline) Capture(ctx context.Context, src camera.Source) error {
	frames, err := src.Frames(ctx)
	if err != nil {
		return err
	}

	var seq uint64
	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case raw, ok := <-frames:
			if !ok {
				wg.Wait()
				return nil
			}
			p.metrics.IncFramesCaptured()
			seq++
			s := seq
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.transform(ctx, raw, s)
			}()
		}
	}
}

// transform is Stage B's worker body: convert one raw frame to its ASCII
// representation and append it to the ordering buffer, tagged with seq.
func (p *Pipeline) transform(ctx context.Context, raw camera.Frame, seq uint64) {
	start := time.Now()
	frame, err := ascii.Transform(raw)
	if err != nil {
		dlog.Errorf(ctx, "videopipe: dropping frame %d: %v", seq, err)
		return
	}
	p.metrics.ObserveTransformDuration(time.Since(start).Seconds())
	p.metrics.IncFramesTransformed()

	p.mu.Lock()
	p.buffer = append(p.buffer, frameEntry{frame: frame, seq: seq})
	p.mu.Unlock()
}

// Consume runs Stage C: repeatedly takes the lowest-sequence frame off the
// ordering buffer, renders it via render, run-length-compresses it, and
// sends it as a VideoData packet over sender.
func (p *Pipeline) Consume(ctx context.Context, sender *masp.Sender, render func(string)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		p.mu.Lock()
		if len(p.buffer) == 0 {
			p.mu.Unlock()
			time.Sleep(emptyBufferPoll)
			continue
		}
		sort.Slice(p.buffer, func(i, j int) bool { return p.buffer[i].seq < p.buffer[j].seq })
		head := p.buffer[0]
		p.buffer = p.buffer[1:]
		p.mu.Unlock()

		render(head.frame)
		if _, err := sender.Send(ctx, masp.VideoData, ascii.Compress(head.frame)); err != nil {
			dlog.Errorf(ctx, "videopipe: send frame %d failed: %v", head.seq, err)
		}
	}
}

// BufferLen reports the ordering buffer's current depth.
func (p *Pipeline) BufferLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}
