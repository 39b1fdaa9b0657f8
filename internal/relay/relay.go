package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"modelgate/internal/models"
)

// Sink is an optional side-channel notified after each forwarded event,
// used by external persistence collaborators to capture partial and final
// text. Calls are best-effort: a sink must not block, and a panicking sink
// is contained without disturbing the stream.
type Sink interface {
	OnEvent(event models.StreamEvent)
}

// Relay turns one adapter event sequence into SSE frames on a consumer,
// independent of provider. It opens with a synthetic start marker so
// intermediary buffers flush early, injects periodic keep-alive comments,
// preserves event order, and guarantees that exactly one done event
// terminates the stream, including on mid-stream failure.
type Relay struct {
	keepalive time.Duration
}

// New constructs a Relay with the given keep-alive interval.
func New(keepalive time.Duration) *Relay {
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	return &Relay{keepalive: keepalive}
}

// Pipe drives events to exhaustion, writing each as one SSE data frame on
// w. If the consumer disconnects mid-stream the relay keeps draining the
// upstream sequence so the sink still sees the complete answer; failed
// consumer writes are silently dropped. sink may be nil.
func (r *Relay) Pipe(ctx context.Context, events iter.Seq[models.StreamEvent], w io.Writer, sink Sink) {
	out := &consumer{w: w}
	out.comment("start")

	eventCh := make(chan models.StreamEvent)
	go func() {
		defer close(eventCh)
		for event := range events {
			eventCh <- event
		}
	}()

	ticker := time.NewTicker(r.keepalive)
	defer ticker.Stop()

	doneSent := false
	for {
		select {
		case event, ok := <-eventCh:
			if !ok {
				// Upstream ended without a done event; never leave the
				// stream open without a terminal marker.
				if !doneSent {
					r.emit(out, sink, models.DoneEvent())
				}
				return
			}
			if event.Type == models.EventDone {
				if doneSent {
					continue
				}
				doneSent = true
			}
			r.emit(out, sink, event)
			if doneSent {
				// Drain the remainder for side effects only.
				for range eventCh {
				}
				return
			}

		case <-ticker.C:
			// Transport liveness only; not a stream event, ignored by any
			// event parser.
			out.comment("keep-alive")

		case <-ctx.Done():
			r.emit(out, sink, models.ErrorEvent(ctx.Err().Error()))
			r.emit(out, sink, models.DoneEvent())
			// The producer goroutine exits once the adapter notices the
			// cancellation; drain so it never blocks on send.
			go func() {
				for range eventCh {
				}
			}()
			return
		}
	}
}

func (r *Relay) emit(out *consumer, sink Sink, event models.StreamEvent) {
	out.event(event)
	notifySink(sink, event)
}

func notifySink(sink Sink, event models.StreamEvent) {
	if sink == nil {
		return
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			slog.Warn("stream sink panicked", "panic", recovered)
		}
	}()
	sink.OnEvent(event)
}

// consumer wraps the downstream writer. After the first failed write the
// consumer is considered disconnected and all further writes are dropped.
type consumer struct {
	w            io.Writer
	disconnected bool
}

func (c *consumer) event(event models.StreamEvent) {
	if c.disconnected {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal stream event", "type", event.Type, "err", err)
		return
	}
	if _, err := fmt.Fprintf(c.w, "data: %s\n\n", data); err != nil {
		c.disconnected = true
		return
	}
	c.flush()
}

func (c *consumer) comment(text string) {
	if c.disconnected {
		return
	}
	if _, err := fmt.Fprintf(c.w, ": %s\n\n", text); err != nil {
		c.disconnected = true
		return
	}
	c.flush()
}

func (c *consumer) flush() {
	if flusher, ok := c.w.(http.Flusher); ok {
		flusher.Flush()
	}
}
