// Package realtime pushes live contract state to websocket clients. Clients
// join one channel per contract; delivery is at-most-once and non-durable.
package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Frame is the wire envelope for both directions.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Channel names the room of one contract.
func Channel(contractID string) string {
	return "contract:" + contractID
}

const (
	writeTimeout = 5 * time.Second
	// outboxSize bounds the frames waiting for one connection. A connection
	// that falls this far behind misses frames instead of stalling the
	// broadcaster.
	outboxSize = 32
)

type peer struct {
	id       string
	encoder  *json.Encoder
	deadline func(time.Time) error
	outbox   chan Frame
	done     chan struct{}
	once     sync.Once
}

func newPeer(encoder *json.Encoder, deadline func(time.Time) error) *peer {
	return &peer{
		id:       uuid.NewString(),
		encoder:  encoder,
		deadline: deadline,
		outbox:   make(chan Frame, outboxSize),
		done:     make(chan struct{}),
	}
}

// send queues frame without blocking and reports whether it was accepted.
func (p *peer) send(frame Frame) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.outbox <- frame:
		return true
	default:
		return false
	}
}

// run writes queued frames in order until the peer is closed or a write fails.
func (p *peer) run() error {
	for {
		select {
		case <-p.done:
			return nil
		case frame := <-p.outbox:
			if p.deadline != nil {
				_ = p.deadline(time.Now().Add(writeTimeout))
			}
			if err := p.encoder.Encode(frame); err != nil {
				p.close()
				return err
			}
		}
	}
}

func (p *peer) close() {
	p.once.Do(func() { close(p.done) })
}

// Registry tracks which connections listen on which channel. One Registry is
// built per process and handed to the Handler and the Broadcaster.
type Registry struct {
	mu       sync.Mutex
	channels map[string]map[*peer]struct{}
	peers    map[*peer]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		channels: make(map[string]map[*peer]struct{}),
		peers:    make(map[*peer]struct{}),
	}
}

func (r *Registry) attach(p *peer) {
	r.mu.Lock()
	r.peers[p] = struct{}{}
	r.mu.Unlock()
}

// detach drops p from the given channels and forgets the connection.
func (r *Registry) detach(p *peer, channels []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range channels {
		r.removeLocked(ch, p)
	}
	delete(r.peers, p)
}

func (r *Registry) join(channel string, p *peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.channels[channel]
	if !ok {
		members = make(map[*peer]struct{})
		r.channels[channel] = members
	}
	members[p] = struct{}{}
}

func (r *Registry) leave(channel string, p *peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(channel, p)
}

func (r *Registry) removeLocked(channel string, p *peer) {
	members, ok := r.channels[channel]
	if !ok {
		return
	}
	delete(members, p)
	if len(members) == 0 {
		delete(r.channels, channel)
	}
}

func (r *Registry) members(channel string) []*peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*peer, 0, len(r.channels[channel]))
	for p := range r.channels[channel] {
		out = append(out, p)
	}
	return out
}

// Connections returns the number of live connections.
func (r *Registry) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Members returns how many connections listen on channel.
func (r *Registry) Members(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels[channel])
}
