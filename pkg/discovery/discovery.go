package discovery

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Peer is one discoverable broker endpoint. The ID may be empty until
// a first successful sync or probe reveals the peer's node id.
type Peer struct {
	ID       string
	Endpoint string
}

// Discovery yields the current set of candidate peer brokers. The
// broker's discovery loop calls Peers every discovery period and
// reconciles the result into its peer table.
type Discovery interface {
	Peers(ctx context.Context) ([]Peer, error)
}

// Static is a fixed-list Discovery backed by configuration. Entries
// are either "endpoint" or "id=endpoint".
type Static struct {
	mu    sync.RWMutex
	peers []Peer
}

// NewStatic parses the configured peer list. Malformed entries are
// skipped rather than failing the whole node.
func NewStatic(entries []string) *Static {
	s := &Static{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		p := Peer{Endpoint: entry}
		if id, ep, ok := strings.Cut(entry, "="); ok {
			p.ID = strings.TrimSpace(id)
			p.Endpoint = strings.TrimSpace(ep)
		}
		if p.Endpoint == "" {
			continue
		}
		s.peers = append(s.peers, p)
	}
	sort.Slice(s.peers, func(i, j int) bool { return s.peers[i].Endpoint < s.peers[j].Endpoint })
	return s
}

// Peers returns a copy of the configured list.
func (s *Static) Peers(ctx context.Context) ([]Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Peer, len(s.peers))
	copy(out, s.peers)
	return out, nil
}

// Add appends a peer discovered at runtime, e.g. learned from a sync
// partner's peer table. Duplicate endpoints are ignored.
func (s *Static) Add(p Peer) {
	if p.Endpoint == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.peers {
		if existing.Endpoint == p.Endpoint {
			return
		}
	}
	s.peers = append(s.peers, p)
	sort.Slice(s.peers, func(i, j int) bool { return s.peers[i].Endpoint < s.peers[j].Endpoint })
}
