// topology.go - cached piecewise TopologyProvider.
// SPDX-License-Identifier: AGPL-3.0-only

// Package topology implements the cached, piecewise ports.TopologyProvider
// spec.md §6 names and SPEC_FULL.md grounds in the original
// NymTopologyProvider: serve the last good topology until a configurable
// TTL expires, then refresh by layer-assignment diff rather than a full
// re-fetch whenever possible.
package topology

import (
	"context"
	"sync"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/nymproject/mixcore/internal/ports"
)

var log = logging.MustGetLogger("topology")

// PiecewiseProvider is the upstream collaborator a cached provider
// drives: a full-topology pull, a descriptor-batch pull for unknown node
// IDs, and a layer-assignment pull used to detect epoch changes cheaply.
type PiecewiseProvider interface {
	GetFullTopology(ctx context.Context) (*ports.Topology, error)
	GetDescriptorBatch(ctx context.Context, ids []string) (map[string]ports.NodeDescriptor, error)
	GetLayerAssignments(ctx context.Context) (epoch uint64, layers map[string]int, err error)
}

// Config tunes caching and node filtering, the Go shape of the
// original's piecewise Config.
type Config struct {
	CacheTTL              time.Duration
	MinMixnodePerformance int // unused placeholder for performance filtering hooks; nodes carry no score yet
}

func DefaultConfig() Config {
	return Config{CacheTTL: 2 * time.Minute}
}

// CachedProvider serves ports.TopologyProvider by composing PiecewiseProvider
// pulls behind a TTL, refreshing via layer-assignment diff when the cache is
// already warm and falling back to a full pull on cold start.
type CachedProvider struct {
	cfg     Config
	manager PiecewiseProvider

	mu       sync.Mutex
	cached   *ports.Topology
	cachedAt time.Time
}

var _ ports.TopologyProvider = (*CachedProvider)(nil)

func NewCachedProvider(manager PiecewiseProvider, cfg Config, initial *ports.Topology) *CachedProvider {
	return &CachedProvider{cfg: cfg, manager: manager, cached: initial}
}

// ForceRefresh invalidates the TTL so the next GetNewTopology call pulls,
// mirroring the original's force_refresh.
func (p *CachedProvider) ForceRefresh() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cachedAt = time.Time{}
}

// ForceClear drops the cached topology entirely, forcing a full pull on
// next use, mirroring the original's force_clear.
func (p *CachedProvider) ForceClear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = nil
	p.cachedAt = time.Time{}
}

func (p *CachedProvider) GetNewTopology(ctx context.Context) (*ports.Topology, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t := p.freshLocked(); t != nil {
		return t, nil
	}

	if err := p.updateLocked(ctx); err != nil {
		return nil, err
	}
	return p.freshLocked(), nil
}

func (p *CachedProvider) freshLocked() *ports.Topology {
	if p.cached == nil {
		return nil
	}
	if time.Since(p.cachedAt) > p.cfg.CacheTTL {
		return nil
	}
	cp := *p.cached
	return &cp
}

func (p *CachedProvider) updateLocked(ctx context.Context) error {
	if p.cached == nil {
		full, err := p.manager.GetFullTopology(ctx)
		if err != nil {
			return err
		}
		p.cached = full
		p.cachedAt = time.Now()
		return nil
	}

	epoch, layers, err := p.manager.GetLayerAssignments(ctx)
	if err != nil {
		log.Warningf("topology: layer assignment pull failed, keeping stale cache: %v", err)
		p.cachedAt = time.Now()
		return nil
	}

	if epoch == p.cached.Epoch {
		log.Debugf("topology: layer assignments pulled, epoch %d already known", epoch)
		p.cachedAt = time.Now()
		return nil
	}

	knownIDs := knownNodeIDs(p.cached)
	var unknown []string
	for id := range layers {
		if _, ok := knownIDs[id]; !ok {
			unknown = append(unknown, id)
		}
	}

	var descriptors map[string]ports.NodeDescriptor
	if len(unknown) > 0 {
		descriptors, err = p.manager.GetDescriptorBatch(ctx, unknown)
		if err != nil {
			log.Warningf("topology: descriptor batch pull failed: %v", err)
		}
	}

	p.cached = rebuildTopology(p.cached, epoch, layers, descriptors)
	p.cachedAt = time.Now()

	if missing := missingDescriptors(p.cached, layers); len(missing) > 0 {
		log.Warningf("topology: still missing descriptors for %d assigned nodes", len(missing))
	}
	return nil
}

func knownNodeIDs(t *ports.Topology) map[string]struct{} {
	ids := make(map[string]struct{})
	for _, layer := range t.Layers {
		for _, n := range layer {
			ids[n.ID] = struct{}{}
		}
	}
	return ids
}

// rebuildTopology reassembles layers from the new assignment map, reusing
// descriptors already held in prior and filling in freshly fetched ones.
func rebuildTopology(prior *ports.Topology, epoch uint64, layers map[string]int, fresh map[string]ports.NodeDescriptor) *ports.Topology {
	byID := make(map[string]ports.NodeDescriptor)
	for _, layer := range prior.Layers {
		for _, n := range layer {
			byID[n.ID] = n
		}
	}
	for id, n := range fresh {
		byID[id] = n
	}

	maxLayer := 0
	for _, l := range layers {
		if l > maxLayer {
			maxLayer = l
		}
	}
	out := make([][]ports.NodeDescriptor, maxLayer+1)
	for id, l := range layers {
		n, ok := byID[id]
		if !ok {
			continue
		}
		out[l] = append(out[l], n)
	}

	return &ports.Topology{Epoch: epoch, Layers: out, Fetched: time.Now()}
}

func missingDescriptors(t *ports.Topology, layers map[string]int) []string {
	known := knownNodeIDs(t)
	var missing []string
	for id := range layers {
		if _, ok := known[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}
