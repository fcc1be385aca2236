package broker

import (
	"context"
	"time"

	"github.com/cuemby/lattice/pkg/clock"
	"github.com/cuemby/lattice/pkg/discovery"
	"github.com/cuemby/lattice/pkg/emergency"
	"github.com/cuemby/lattice/pkg/events"
	"github.com/cuemby/lattice/pkg/metrics"
	"github.com/cuemby/lattice/pkg/types"
)

// syncLoop exchanges metadata with every healthy peer each period. A
// failure against one peer never blocks the others.
func (b *Broker) syncLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.SyncPeriod())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.SyncPeers()
		case <-b.stopCh:
			return
		}
	}
}

// SyncPeers runs one pairwise sync round against all healthy peers.
func (b *Broker) SyncPeers() {
	for _, peer := range b.healthyPeers() {
		b.syncWith(peer)
	}
}

func (b *Broker) healthyPeers() []*types.PeerRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*types.PeerRecord, 0, len(b.peers))
	for _, p := range b.peers {
		if p.State == types.PeerStateHealthy {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out
}

func (b *Broker) syncWith(peer *types.PeerRecord) {
	timer := metrics.NewTimer()
	meta := b.Metadata()

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.SyncTimeout())
	defer cancel()
	remote, err := b.peerRPC.SyncMetadata(ctx, peer.Endpoint, meta, b.cfg.SyncTimeout())
	if err != nil {
		metrics.SyncFailuresTotal.Inc()
		b.demotePeer(peer.Endpoint)
		b.logger.Warn().Str("peer", peer.Endpoint).Err(err).Msg("Peer sync failed")
		return
	}

	b.Reconcile(remote)

	b.mu.Lock()
	if live, ok := b.peers[peer.Endpoint]; ok {
		live.ID = remote.BrokerID
		live.State = types.PeerStateHealthy
		live.LastSync = time.Now().UTC()
		live.LastSeen = live.LastSync
		live.FailedProbes = 0
	}
	b.mu.Unlock()

	metrics.SyncCyclesTotal.Inc()
	timer.ObserveDuration(metrics.SyncDuration)
	b.publish(events.EventSyncCompleted, "", remote.BrokerID)
}

// Metadata builds the sync payload describing this broker. Each build
// ticks the clock (the send is an event) and bumps the sequence.
func (b *Broker) Metadata() *types.BrokerMetadata {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := b.clk.Tick()
	b.syncSeq++

	execs := make(map[string]*types.ExecutorRecord, len(b.executors))
	counts := make(map[string]int, len(b.executors))
	for id, rec := range b.executors {
		cp := *rec
		execs[id] = &cp
		counts[id] = rec.RunningJobs
	}
	peers := make(map[string]*types.PeerRecord, len(b.peers))
	for ep, p := range b.peers {
		cp := *p
		peers[ep] = &cp
	}

	return &types.BrokerMetadata{
		BrokerID:     b.id,
		Clock:        snap,
		Executors:    execs,
		Peers:        peers,
		Emergency:    b.emergency,
		JobCounts:    counts,
		SyncSequence: b.syncSeq,
	}
}

// Reconcile merges a peer's metadata into local state. The merge is
// idempotent and symmetric, so repeated pairwise syncs converge:
//   - clock: component-wise max (plus the reception tick)
//   - executor records: causally later clock wins; concurrent records
//     fall back to fresher heartbeat, then to the smaller broker id
//   - emergency context: causal resolution via pkg/emergency
//   - peer table: union, fresher last-seen wins per entry
func (b *Broker) Reconcile(remote *types.BrokerMetadata) {
	if remote == nil {
		return
	}
	b.mu.Lock()
	b.clk.Merge(remote.Clock)

	for id, theirs := range remote.Executors {
		ours, known := b.executors[id]
		if !known {
			cp := *theirs
			b.executors[id] = &cp
			b.endpoints[id] = theirs.Endpoint
			b.persistExecutorLocked(&cp)
			continue
		}
		if b.keepTheirsLocked(ours, theirs, remote.BrokerID) {
			cp := *theirs
			b.executors[id] = &cp
			b.endpoints[id] = theirs.Endpoint
			b.persistExecutorLocked(&cp)
		}
	}

	winner := emergency.Resolve(b.emergency, remote.Emergency)
	emergencyChanged := winner != b.emergency
	b.emergency = winner

	for endpoint, theirs := range remote.Peers {
		if theirs.ID == b.id || endpoint == b.cfg.BindAddr {
			continue
		}
		ours, known := b.peers[endpoint]
		if !known {
			cp := *theirs
			// a peer learned second-hand still needs a probe before
			// we sync with it
			cp.State = types.PeerStateUnknown
			b.peers[endpoint] = &cp
			if b.disc != nil {
				b.disc.Add(discovery.Peer{ID: theirs.ID, Endpoint: endpoint})
			}
			continue
		}
		if theirs.LastSeen.After(ours.LastSeen) {
			ours.ID = theirs.ID
			ours.LastSeen = theirs.LastSeen
		}
	}
	b.mu.Unlock()

	if emergencyChanged {
		if emergency.Active(winner) {
			metrics.EmergencyMode.Set(1)
			b.logger.Warn().Str("kind", winner.Kind).Msg("Fleet emergency learned from peer")
			b.publish(events.EventEmergencyDeclared, "", winner.Kind)
		} else {
			metrics.EmergencyMode.Set(0)
			b.publish(events.EventEmergencyCleared, "", "")
		}
	}
}

// keepTheirsLocked decides whether a peer-reported executor record
// replaces ours. Symmetric on both sides of a sync, which is what
// makes the executor registry converge.
func (b *Broker) keepTheirsLocked(ours, theirs *types.ExecutorRecord, remoteBrokerID string) bool {
	switch clock.CompareSnapshots(theirs.LastClock, ours.LastClock) {
	case clock.After:
		return true
	case clock.Before:
		return false
	case clock.Equal:
		return false
	}
	if !theirs.LastHeartbeat.Equal(ours.LastHeartbeat) {
		return theirs.LastHeartbeat.After(ours.LastHeartbeat)
	}
	return remoteBrokerID < b.id
}

// discoveryLoop probes candidate peers and maintains the peer state
// machine: UNKNOWN -> PROBING -> HEALTHY <-> UNHEALTHY -> dropped.
func (b *Broker) discoveryLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.DiscoveryPeriod())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.DiscoverPeers()
		case <-b.stopCh:
			return
		}
	}
}

// DiscoverPeers runs one discovery round: refresh candidates from the
// discovery collaborator, probe everything not yet healthy, and drop
// peers silent past the grace window.
func (b *Broker) DiscoverPeers() {
	if b.disc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.ProbeTimeout())
		candidates, err := b.disc.Peers(ctx)
		cancel()
		if err == nil {
			b.mu.Lock()
			for _, cand := range candidates {
				if cand.Endpoint == b.cfg.BindAddr || cand.ID == b.id {
					continue
				}
				if _, known := b.peers[cand.Endpoint]; !known {
					b.peers[cand.Endpoint] = &types.PeerRecord{
						ID:       cand.ID,
						Endpoint: cand.Endpoint,
						State:    types.PeerStateUnknown,
					}
				}
			}
			b.mu.Unlock()
		}
	}

	for _, peer := range b.peersToProbe() {
		b.probe(peer)
	}
	b.dropSilentPeers()
	b.dropFailedExecutors()
	b.updatePeerGauges()
}

func (b *Broker) peersToProbe() []*types.PeerRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*types.PeerRecord
	for _, p := range b.peers {
		if p.State == types.PeerStateHealthy {
			continue
		}
		p.State = types.PeerStateProbing
		cp := *p
		out = append(out, &cp)
	}
	return out
}

func (b *Broker) probe(peer *types.PeerRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.ProbeTimeout())
	defer cancel()
	status, err := b.peerRPC.Probe(ctx, peer.Endpoint, b.cfg.ProbeTimeout())

	b.mu.Lock()
	live, ok := b.peers[peer.Endpoint]
	if !ok {
		b.mu.Unlock()
		return
	}
	var transitioned bool
	if err != nil {
		live.FailedProbes++
		if live.State != types.PeerStateUnhealthy {
			live.State = types.PeerStateUnhealthy
			transitioned = true
		}
	} else {
		live.ID = status.BrokerID
		live.FailedProbes = 0
		live.LastSeen = time.Now().UTC()
		if live.State != types.PeerStateHealthy {
			live.State = types.PeerStateHealthy
			transitioned = true
		}
	}
	state := live.State
	b.mu.Unlock()

	if transitioned {
		b.logger.Info().Str("peer", peer.Endpoint).Str("state", string(state)).Msg("Peer state changed")
		b.publish(events.EventPeerStateChanged, "", peer.Endpoint+":"+string(state))
	}
}

// demotePeer marks a peer unhealthy after a failed sync. Probing
// resurrects it later.
func (b *Broker) demotePeer(endpoint string) {
	b.mu.Lock()
	live, ok := b.peers[endpoint]
	var transitioned bool
	if ok && live.State != types.PeerStateUnhealthy {
		live.State = types.PeerStateUnhealthy
		transitioned = true
	}
	b.mu.Unlock()
	if transitioned {
		b.publish(events.EventPeerStateChanged, "", endpoint+":unhealthy")
	}
}

// dropSilentPeers removes unhealthy peers not seen within the grace
// window.
func (b *Broker) dropSilentPeers() {
	grace := b.cfg.FailedGrace()
	now := time.Now()
	b.mu.Lock()
	for endpoint, p := range b.peers {
		if p.State != types.PeerStateUnhealthy {
			continue
		}
		if p.LastSeen.IsZero() || now.Sub(p.LastSeen) > grace {
			delete(b.peers, endpoint)
			b.logger.Info().Str("peer", endpoint).Msg("Peer dropped after grace window")
		}
	}
	b.mu.Unlock()
}

// dropFailedExecutors removes FAILED executor records once their grace
// window has elapsed. Dropping the record lets the node register again
// from scratch: its next heartbeat answers 404 and the agent falls back
// to registration.
func (b *Broker) dropFailedExecutors() {
	grace := b.cfg.FailedGrace()
	now := time.Now()
	var dropped []string
	b.mu.Lock()
	for id, rec := range b.executors {
		if rec.Health != types.ExecutorFailed {
			continue
		}
		deadline, ok := b.exclusions[id]
		if !ok {
			// a FAILED record learned via peer sync has no local
			// exclusion entry; age it off its last heartbeat instead
			deadline = rec.LastHeartbeat.Add(grace)
		}
		if now.Before(deadline) {
			continue
		}
		delete(b.executors, id)
		delete(b.endpoints, id)
		delete(b.exclusions, id)
		if err := b.store.DeleteExecutor(id); err != nil {
			b.logger.Error().Str("executor_id", id).Err(err).Msg("Failed to delete executor record")
		}
		dropped = append(dropped, id)
	}
	b.mu.Unlock()

	for _, id := range dropped {
		b.logger.Info().Str("executor_id", id).Msg("Failed executor dropped after grace window")
		b.publish(events.EventExecutorDropped, "", id)
	}
}

func (b *Broker) updatePeerGauges() {
	b.mu.RLock()
	counts := map[types.PeerState]int{}
	for _, p := range b.peers {
		counts[p.State]++
	}
	b.mu.RUnlock()
	for _, state := range []types.PeerState{types.PeerStateUnknown, types.PeerStateProbing,
		types.PeerStateHealthy, types.PeerStateUnhealthy} {
		metrics.PeersTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

// AddPeer seeds the peer table directly, used at startup for static
// peers so the first sync round does not wait for discovery.
func (b *Broker) AddPeer(id, endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if endpoint == "" || endpoint == b.cfg.BindAddr {
		return
	}
	if _, known := b.peers[endpoint]; !known {
		b.peers[endpoint] = &types.PeerRecord{ID: id, Endpoint: endpoint, State: types.PeerStateUnknown}
	}
}
