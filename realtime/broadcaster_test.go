package realtime

import (
	"bytes"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// stalledWriter blocks every write until released.
type stalledWriter struct {
	release chan struct{}
}

func (w stalledWriter) Write(p []byte) (int, error) {
	<-w.release
	return len(p), nil
}

type frameCounter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *frameCounter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *frameCounter) frames() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return bytes.Count(w.buf.Bytes(), []byte("\n"))
}

func TestBroadcaster_StalledConnectionDoesNotBlockOthers(t *testing.T) {
	registry := NewRegistry()
	b := NewBroadcaster(registry, nil)
	channel := Channel("contract-x")

	release := make(chan struct{})
	stalled := newPeer(json.NewEncoder(stalledWriter{release: release}), nil)
	healthyOut := &frameCounter{}
	healthy := newPeer(json.NewEncoder(healthyOut), nil)
	for _, p := range []*peer{stalled, healthy} {
		registry.attach(p)
		registry.join(channel, p)
		go func() { _ = p.run() }()
	}
	defer func() {
		close(release)
		stalled.close()
		healthy.close()
	}()

	const frames = outboxSize + 3
	type result struct {
		total int
		err   error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		for i := 0; i < frames; i++ {
			n, err := b.Emit("contract-x", EventContractUpdated, map[string]int{"n": i})
			if err != nil {
				r.err = err
				break
			}
			r.total += n
			for healthyOut.frames() <= i {
				time.Sleep(time.Millisecond)
			}
		}
		done <- r
	}()

	var r result
	select {
	case r = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("emit waited on the stalled connection")
	}
	if r.err != nil {
		t.Fatalf("emit: %v", r.err)
	}
	if got := healthyOut.frames(); got != frames {
		t.Fatalf("healthy connection received %d frames, want %d", got, frames)
	}
	// The stalled connection holds at most one frame in its writer plus a full queue.
	if stalledAccepted := r.total - frames; stalledAccepted > outboxSize+1 || stalledAccepted < outboxSize {
		t.Fatalf("stalled connection accepted %d frames", stalledAccepted)
	}
}

func TestPeer_SendAfterCloseIsRefused(t *testing.T) {
	p := newPeer(json.NewEncoder(&frameCounter{}), nil)
	p.close()
	if p.send(Frame{Type: EventContractUpdated}) {
		t.Fatal("closed peer accepted a frame")
	}
	if err := p.run(); err != nil {
		t.Fatalf("run on closed peer: %v", err)
	}
}
