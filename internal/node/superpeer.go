// Package node provides the overlay's node roles and the controller that
// runs a whole topology.
package node

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iggydv12/superleaf/internal/config"
	"github.com/iggydv12/superleaf/internal/ledger"
	"github.com/iggydv12/superleaf/internal/metrics"
	"github.com/iggydv12/superleaf/internal/topology"
	"github.com/iggydv12/superleaf/internal/transport"
	"github.com/iggydv12/superleaf/internal/wire"
)

// ErrNotAttached is returned when a leaf registers with a super-peer that is
// not its parent.
var ErrNotAttached = errors.New("leaf not attached to this super-peer")

// Caller sends one request to a node address and decodes its reply.
type Caller interface {
	Call(ctx context.Context, addr string, req wire.Message, resp any) error
}

// Resolver maps node ids to addresses.
type Resolver interface {
	Addr(id string) (string, error)
}

// SuperPeer is a backbone node. It indexes the files of its leaves and floods
// queries and invalidations through the super-peer graph.
type SuperPeer struct {
	mu sync.Mutex

	// file name → leaves holding it
	registry map[string]map[string]struct{}
	ledger   *ledger.Ledger

	id        string
	neighbors []string
	leaves    map[string]struct{}

	dir     Resolver
	client  Caller
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewSuperPeer creates the super-peer described by spec.
func NewSuperPeer(spec topology.SuperPeerSpec, cfg *config.Config, dir Resolver, client Caller, m *metrics.Metrics, logger *zap.Logger) (*SuperPeer, error) {
	sp := &SuperPeer{
		registry:  make(map[string]map[string]struct{}),
		id:        spec.ID,
		neighbors: append([]string(nil), spec.Neighbors...),
		leaves:    make(map[string]struct{}, len(spec.Leaves)),
		dir:       dir,
		client:    client,
		metrics:   m,
		logger:    logger.With(zap.String("node", spec.ID)),
	}
	for _, l := range spec.Leaves {
		sp.leaves[l] = struct{}{}
	}

	evicted := m.LedgerEvictions.WithLabelValues(spec.ID)
	led, err := ledger.New(cfg.Ledger.Capacity, cfg.Ledger.Retired, func(id string) {
		evicted.Inc()
		sp.logger.Warn("Ledger full, evicted entry", zap.String("msg_id", id))
	})
	if err != nil {
		return nil, fmt.Errorf("super-peer %s: %w", spec.ID, err)
	}
	sp.ledger = led
	return sp, nil
}

// ID returns the super-peer's identifier.
func (sp *SuperPeer) ID() string { return sp.id }

// Neighbors returns the ids of the adjacent super-peers.
func (sp *SuperPeer) Neighbors() []string {
	return append([]string(nil), sp.neighbors...)
}

// Mount registers the super-peer's request handlers on mux.
func (sp *SuperPeer) Mount(mux *transport.Mux) {
	mux.Handle(wire.TypeFileQuery, func(ctx context.Context, msg wire.Message) (any, error) {
		return sp.Query(ctx, msg.(wire.FileQuery)), nil
	})
	mux.Handle(wire.TypeInvalidation, func(ctx context.Context, msg wire.Message) (any, error) {
		sp.Invalidate(ctx, msg.(wire.Invalidation))
		return nil, nil
	})
	mux.Handle(wire.TypeCleanup, func(ctx context.Context, msg wire.Message) (any, error) {
		sp.Cleanup(ctx, msg.(wire.Cleanup))
		return nil, nil
	})
	mux.Handle(wire.TypePull, func(ctx context.Context, msg wire.Message) (any, error) {
		return sp.CheckStaleness(ctx, msg.(wire.Pull)), nil
	})
	mux.Handle(wire.TypeRegisterFiles, func(_ context.Context, msg wire.Message) (any, error) {
		return nil, sp.RegisterFiles(msg.(wire.RegisterFiles))
	})
}

// Query answers a file search. Local registry hits are always reported; the
// query is forwarded to the other neighbors only while it has hops left and
// only the first time this super-peer sees its id. Neighbor hits are merged
// into the result, which is never nil.
func (sp *SuperPeer) Query(ctx context.Context, q wire.FileQuery) []wire.QueryHit {
	sp.metrics.QueriesReceived.WithLabelValues(sp.id).Inc()

	hits := []wire.QueryHit{}
	sp.mu.Lock()
	for _, holder := range sp.holders(q.FileName) {
		hits = append(hits, wire.QueryHit{Type: wire.TypeQueryHit, LeafNode: holder, FileName: q.FileName})
	}
	forward := q.TTL > 0 && sp.ledger.Insert(q.MessageID, q.Origin)
	duplicate := q.TTL > 0 && !forward
	sp.setLedgerGauge()
	sp.mu.Unlock()

	log := sp.logger.With(zap.String("msg_id", q.MessageID), zap.Int("ttl", q.TTL))
	if len(hits) > 0 {
		sp.metrics.QueryHits.WithLabelValues(sp.id).Inc()
		log.Debug("Query hit", zap.Int("holders", len(hits)))
	}
	if duplicate {
		sp.metrics.DuplicatesDropped.WithLabelValues(sp.id, string(wire.TypeFileQuery)).Inc()
		log.Debug("Query already forwarded")
	}
	if !forward {
		return hits
	}

	fwd := q
	fwd.TTL--
	fwd.Sender = sp.id
	targets := sp.neighborsExcept(q.Sender)
	sp.metrics.QueriesForwarded.WithLabelValues(sp.id).Inc()
	log.Debug("Forwarding query", zap.Strings("to", targets))

	results := make([][]wire.QueryHit, len(targets))
	var eg errgroup.Group
	for i, n := range targets {
		i, n := i, n
		eg.Go(func() error {
			var got []wire.QueryHit
			if err := sp.send(ctx, n, fwd, &got); err != nil {
				log.Warn("Neighbor query failed", zap.String("neighbor", n), zap.Error(err))
				return nil
			}
			results[i] = got
			return nil
		})
	}
	_ = eg.Wait()

	for _, r := range results {
		hits = mergeHits(hits, r)
	}
	return hits
}

// Invalidate processes a push invalidation: the first arrival is delivered to
// every attached leaf holding the file except the master's leaf and
// forwarded to every neighbor except the one it came from. Later arrivals of
// the same id are dropped.
func (sp *SuperPeer) Invalidate(ctx context.Context, inv wire.Invalidation) {
	log := sp.logger.With(zap.String("msg_id", inv.MsgID), zap.String("file", inv.FileName))

	sp.mu.Lock()
	if !sp.ledger.Admit(inv.MsgID, inv.OriginServerID) {
		sp.mu.Unlock()
		sp.metrics.DuplicatesDropped.WithLabelValues(sp.id, string(wire.TypeInvalidation)).Inc()
		log.Debug("Invalidation already processed")
		return
	}
	holders := sp.holders(inv.FileName)
	sp.setLedgerGauge()
	sp.mu.Unlock()
	sp.metrics.Invalidations.WithLabelValues(sp.id).Inc()

	fwd := inv
	fwd.Sender = sp.id

	var eg errgroup.Group
	for _, holder := range holders {
		if holder == inv.OriginServerID {
			continue
		}
		holder := holder
		eg.Go(func() error {
			if err := sp.send(ctx, holder, fwd, nil); err != nil {
				log.Warn("Leaf invalidation failed", zap.String("leaf", holder), zap.Error(err))
				return nil
			}
			sp.metrics.LeafInvalidations.WithLabelValues(sp.id).Inc()
			log.Info("Invalidated leaf copy", zap.String("leaf", holder), zap.Int("version", inv.Version))
			return nil
		})
	}
	for _, n := range sp.neighborsExcept(inv.Sender) {
		n := n
		eg.Go(func() error {
			if err := sp.send(ctx, n, fwd, nil); err != nil {
				log.Warn("Invalidation forward failed", zap.String("neighbor", n), zap.Error(err))
			}
			return nil
		})
	}
	_ = eg.Wait()
}

// Cleanup drops msgID from the ledger and, when the cleanup comes from a leaf
// that discarded its copy, that leaf from the file's holders. The
// cleanup is passed on to the other neighbors the first time it is seen here,
// so the flood stops at super-peers that already applied it.
func (sp *SuperPeer) Cleanup(ctx context.Context, c wire.Cleanup) {
	sp.mu.Lock()
	live, fresh := sp.ledger.Retire(c.MsgID)
	if c.NodeID != "" {
		sp.dropHolder(c.FileName, c.NodeID)
	}
	sp.setLedgerGauge()
	sp.mu.Unlock()

	log := sp.logger.With(zap.String("msg_id", c.MsgID), zap.String("file", c.FileName))
	if live {
		sp.metrics.Cleanups.WithLabelValues(sp.id).Inc()
		log.Debug("Removed ledger entry")
	}
	if !fresh {
		return
	}

	fwd := wire.Cleanup{FileName: c.FileName, MsgID: c.MsgID, SuperPeer: sp.id}
	var eg errgroup.Group
	for _, n := range sp.neighborsExcept(c.SuperPeer) {
		n := n
		eg.Go(func() error {
			if err := sp.send(ctx, n, fwd, nil); err != nil {
				log.Warn("Cleanup forward failed", zap.String("neighbor", n), zap.Error(err))
			}
			return nil
		})
	}
	_ = eg.Wait()
}

// CheckStaleness compares a cached version against the version held by the
// master's leaf. Any doubt (no origin, unreachable origin, origin without the
// file) is reported as stale.
func (sp *SuperPeer) CheckStaleness(ctx context.Context, p wire.Pull) wire.PullReply {
	status := sp.staleness(ctx, p)
	sp.metrics.StalenessChecks.WithLabelValues(sp.id, string(status)).Inc()
	return wire.PullReply{Status: status, FileName: p.FileName}
}

func (sp *SuperPeer) staleness(ctx context.Context, p wire.Pull) wire.Status {
	log := sp.logger.With(zap.String("file", p.FileName), zap.String("requester", p.NodeID))
	if p.OriginNode == "" {
		log.Info("Pull without origin")
		return wire.StatusStale
	}
	var reply wire.VersionReply
	if err := sp.send(ctx, p.OriginNode, wire.VersionRequest{FileName: p.FileName}, &reply); err != nil {
		log.Warn("Version request failed", zap.String("origin", p.OriginNode), zap.Error(err))
		return wire.StatusStale
	}
	if reply.Version == 0 || p.CachedVersion < reply.Version {
		log.Debug("Copy is stale", zap.Int("cached", p.CachedVersion), zap.Int("current", reply.Version))
		return wire.StatusStale
	}
	return wire.StatusValid
}

// RegisterFiles replaces the registry entries of an attached leaf with its
// current file list.
func (sp *SuperPeer) RegisterFiles(r wire.RegisterFiles) error {
	if _, ok := sp.leaves[r.NodeID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotAttached, r.NodeID)
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()
	for name := range sp.registry {
		sp.dropHolder(name, r.NodeID)
	}
	for _, name := range r.Files {
		set, ok := sp.registry[name]
		if !ok {
			set = make(map[string]struct{})
			sp.registry[name] = set
		}
		set[r.NodeID] = struct{}{}
	}
	sp.logger.Debug("Files registered", zap.String("leaf", r.NodeID), zap.Strings("files", r.Files))
	return nil
}

// LedgerIDs returns the live message ids in sorted order.
func (sp *SuperPeer) LedgerIDs() []string {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.ledger.IDs()
}

// Ledger returns a copy of the live ledger entries.
func (sp *SuperPeer) Ledger() map[string]string {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.ledger.Snapshot()
}

// Registry returns a copy of the file registry, holders sorted by id.
func (sp *SuperPeer) Registry() map[string][]string {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	out := make(map[string][]string, len(sp.registry))
	for name := range sp.registry {
		out[name] = sp.holders(name)
	}
	return out
}

// holders must be called with sp.mu held.
func (sp *SuperPeer) holders(name string) []string {
	set := sp.registry[name]
	out := make([]string, 0, len(set))
	for leaf := range set {
		out = append(out, leaf)
	}
	sort.Strings(out)
	return out
}

// dropHolder must be called with sp.mu held.
func (sp *SuperPeer) dropHolder(name, leaf string) {
	set, ok := sp.registry[name]
	if !ok {
		return
	}
	delete(set, leaf)
	if len(set) == 0 {
		delete(sp.registry, name)
	}
}

// setLedgerGauge must be called with sp.mu held.
func (sp *SuperPeer) setLedgerGauge() {
	sp.metrics.LedgerEntries.WithLabelValues(sp.id).Set(float64(sp.ledger.Len()))
}

func (sp *SuperPeer) neighborsExcept(id string) []string {
	out := make([]string, 0, len(sp.neighbors))
	for _, n := range sp.neighbors {
		if n != id {
			out = append(out, n)
		}
	}
	return out
}

func (sp *SuperPeer) send(ctx context.Context, to string, req wire.Message, resp any) error {
	return send(ctx, sp.dir, sp.client, sp.metrics, sp.id, to, req, resp)
}

// send resolves to and performs one exchange with it.
func send(ctx context.Context, dir Resolver, client Caller, m *metrics.Metrics, self, to string, req wire.Message, resp any) error {
	addr, err := dir.Addr(to)
	if err != nil {
		return err
	}
	if err := client.Call(ctx, addr, req, resp); err != nil {
		if errors.Is(err, transport.ErrUnreachable) {
			m.Unreachable.WithLabelValues(self).Inc()
		}
		return fmt.Errorf("%s %s: %w", req.MessageType(), to, err)
	}
	return nil
}

// mergeHits appends the hits of more that are not already in hits.
func mergeHits(hits, more []wire.QueryHit) []wire.QueryHit {
	for _, h := range more {
		dup := false
		for _, have := range hits {
			if have.LeafNode == h.LeafNode && have.FileName == h.FileName {
				dup = true
				break
			}
		}
		if !dup {
			hits = append(hits, h)
		}
	}
	return hits
}
