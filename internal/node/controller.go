package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iggydv12/superleaf/internal/api/rest"
	"github.com/iggydv12/superleaf/internal/config"
	"github.com/iggydv12/superleaf/internal/metrics"
	"github.com/iggydv12/superleaf/internal/storage"
	"github.com/iggydv12/superleaf/internal/topology"
	"github.com/iggydv12/superleaf/internal/transport"
)

// Controller builds every node of a topology in one process, wires them to
// their listeners and runs them until shutdown. Nodes still talk to each other
// only through the transport.
type Controller struct {
	cfg    *config.Config
	logger *zap.Logger
	state  atomic.Int32

	dir      *topology.Directory
	client   *transport.Client
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	superPeers map[string]*SuperPeer
	leaves     map[string]*Leaf
	stores     []storage.ContentStore

	mu        sync.Mutex
	listeners []*transport.Listener
	cancel    context.CancelFunc
	ctx       context.Context
	group     *errgroup.Group
}

// NewController creates every node described by cfg.Topology. Nothing listens
// until Start is called.
func NewController(cfg *config.Config, logger *zap.Logger) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	c := &Controller{
		cfg:        cfg,
		logger:     logger,
		client:     transport.NewClient(cfg.Transport.DialTimeout, cfg.Transport.MaxMessageBytes),
		registry:   prometheus.NewRegistry(),
		superPeers: make(map[string]*SuperPeer, len(cfg.Topology.SuperPeers)),
		leaves:     make(map[string]*Leaf, len(cfg.Topology.Leaves)),
	}
	c.registry.MustRegister(collectors.NewGoCollector())
	c.metrics = metrics.New(c.registry)

	if cfg.Transport.EphemeralPorts {
		c.dir = topology.NewDirectory(nil)
	} else {
		addrs, err := cfg.Topology.Addresses(cfg.Transport.Host, cfg.Transport.LeafPortBase)
		if err != nil {
			return nil, err
		}
		c.dir = topology.NewDirectory(addrs)
	}

	for _, spec := range cfg.Topology.SuperPeers {
		sp, err := NewSuperPeer(spec, cfg, c.dir, c.client, c.metrics, logger)
		if err != nil {
			return nil, err
		}
		c.superPeers[spec.ID] = sp
	}
	for _, spec := range cfg.Topology.Leaves {
		store, err := storage.Open(cfg.Storage.Backend, cfg.Storage.Root, spec.ID, logger)
		if err != nil {
			c.closeStores()
			return nil, fmt.Errorf("leaf %s: %w", spec.ID, err)
		}
		c.stores = append(c.stores, store)
		leaf, err := NewLeaf(spec, cfg, store, c.dir, c.client, c.metrics, logger)
		if err != nil {
			c.closeStores()
			return nil, err
		}
		c.leaves[spec.ID] = leaf
	}
	return c, nil
}

// Start binds a listener for every node, registers every leaf with its
// super-peer and, in pull mode, starts the pollers. It returns once the
// overlay is ready to serve requests.
func (c *Controller) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		return fmt.Errorf("controller is %s", c.State())
	}
	c.logger.Info("Starting overlay",
		zap.String("mode", string(c.cfg.Mode)),
		zap.Int("super_peers", len(c.superPeers)),
		zap.Int("leaves", len(c.leaves)),
	)

	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)
	c.mu.Lock()
	c.ctx, c.cancel, c.group = gctx, cancel, group
	c.mu.Unlock()

	opts := transport.Options{ReadTimeout: c.cfg.Transport.ReadTimeout, MaxMessageBytes: c.cfg.Transport.MaxMessageBytes}
	for _, id := range c.SuperPeerIDs() {
		mux := transport.NewMux()
		c.superPeers[id].Mount(mux)
		if err := c.listen(id, RoleSuperPeer, mux, opts); err != nil {
			c.Close()
			return err
		}
	}
	for _, id := range c.LeafIDs() {
		mux := transport.NewMux()
		c.leaves[id].Mount(mux)
		if err := c.listen(id, RoleLeaf, mux, opts); err != nil {
			c.Close()
			return err
		}
	}

	c.mu.Lock()
	for _, l := range c.listeners {
		l := l
		group.Go(func() error { return l.Serve(gctx) })
	}
	c.mu.Unlock()

	var reg errgroup.Group
	for _, leaf := range c.leaves {
		leaf := leaf
		reg.Go(func() error {
			if err := leaf.RegisterWithRetry(gctx); err != nil {
				return fmt.Errorf("register %s: %w", leaf.ID(), err)
			}
			return nil
		})
	}
	if err := reg.Wait(); err != nil {
		c.Close()
		return err
	}

	if c.cfg.Mode == config.ModePull {
		for _, leaf := range c.leaves {
			leaf := leaf
			group.Go(func() error {
				leaf.PollForUpdates(gctx, c.cfg.Protocol.PollInterval)
				return nil
			})
		}
	}
	c.logger.Info("Overlay running")
	return nil
}

func (c *Controller) listen(id string, role ComponentType, mux *transport.Mux, opts transport.Options) error {
	addr := net.JoinHostPort(c.cfg.Transport.Host, "0")
	if !c.cfg.Transport.EphemeralPorts {
		a, err := c.dir.Addr(id)
		if err != nil {
			return err
		}
		addr = a
	}
	l, err := transport.Listen(addr, mux, opts, c.logger.With(zap.String("node", id), zap.Stringer("role", role)))
	if err != nil {
		return fmt.Errorf("%s %s: %w", role, id, err)
	}
	c.dir.Set(id, l.Addr())

	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
	return nil
}

// Run starts the overlay and the REST API and blocks until ctx is cancelled,
// SIGINT/SIGTERM is received or a listener fails.
func (c *Controller) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.Start(ctx); err != nil {
		return err
	}
	if c.cfg.Rest.Enabled {
		srv := c.RESTServer()
		c.group.Go(func() error { return srv.Serve(c.ctx, c.cfg.Rest.Addr) })
	}

	<-c.ctx.Done()
	c.logger.Info("Shutting down overlay")
	return c.Close()
}

// Close stops every listener and poller, waits for them and closes the
// content stores. It is safe to call more than once.
func (c *Controller) Close() error {
	if State(c.state.Swap(int32(StateStopped))) == StateStopped {
		return nil
	}

	c.mu.Lock()
	cancel, group, listeners := c.cancel, c.group, c.listeners
	c.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
	}
	for _, l := range listeners {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if group != nil {
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	errs = append(errs, c.closeStores())
	return errors.Join(errs...)
}

func (c *Controller) closeStores() error {
	var errs []error
	for _, s := range c.stores {
		errs = append(errs, s.Close())
	}
	c.stores = nil
	return errors.Join(errs...)
}

// State returns the controller's lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Leaf returns the leaf with the given id.
func (c *Controller) Leaf(id string) (*Leaf, bool) {
	l, ok := c.leaves[id]
	return l, ok
}

// SuperPeer returns the super-peer with the given id.
func (c *Controller) SuperPeer(id string) (*SuperPeer, bool) {
	sp, ok := c.superPeers[id]
	return sp, ok
}

// LeafIDs returns the leaf ids in sorted order.
func (c *Controller) LeafIDs() []string { return sortedIDs(c.leaves) }

// SuperPeerIDs returns the super-peer ids in sorted order.
func (c *Controller) SuperPeerIDs() []string { return sortedIDs(c.superPeers) }

// Metrics returns the collectors shared by all nodes.
func (c *Controller) Metrics() *metrics.Metrics { return c.metrics }

// Gatherer returns the registry holding the overlay's metrics.
func (c *Controller) Gatherer() prometheus.Gatherer { return c.registry }

// RESTServer returns a REST API server bound to this controller.
func (c *Controller) RESTServer() *rest.Server {
	return rest.New(restView{c}, c.registry, c.logger)
}

// Nodes describes every node with its current address.
func (c *Controller) Nodes() []NodeInfo {
	return Describe(&c.cfg.Topology, c.dir)
}

// NodeInfo summarizes one node of a topology.
type NodeInfo struct {
	ID    string
	Role  ComponentType
	Addr  string
	Links []string // neighbors of a super-peer, parent of a leaf
	Files []string
}

// Describe lists the nodes of t, super-peers first, resolving addresses
// through dir. Unresolvable addresses are left empty.
func Describe(t *topology.Topology, dir Resolver) []NodeInfo {
	out := make([]NodeInfo, 0, len(t.SuperPeers)+len(t.Leaves))
	for _, sp := range t.SuperPeers {
		addr, _ := dir.Addr(sp.ID)
		out = append(out, NodeInfo{ID: sp.ID, Role: RoleSuperPeer, Addr: addr, Links: sp.Neighbors})
	}
	for _, l := range t.Leaves {
		addr, _ := dir.Addr(l.ID)
		out = append(out, NodeInfo{ID: l.ID, Role: RoleLeaf, Addr: addr, Links: []string{l.SuperPeer}, Files: l.Files})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Role != out[j].Role {
			return out[i].Role > out[j].Role
		}
		return lessID(out[i].ID, out[j].ID)
	})
	return out
}

// lessID orders ids by their non-numeric prefix, then numerically (L2 < L10).
func lessID(a, b string) bool {
	pa, na := splitID(a)
	pb, nb := splitID(b)
	if pa != pb || na < 0 || nb < 0 {
		if pa == pb {
			return a < b
		}
		return pa < pb
	}
	return na < nb
}

func splitID(id string) (string, int) {
	i := len(id)
	for i > 0 && id[i-1] >= '0' && id[i-1] <= '9' {
		i--
	}
	n, err := strconv.Atoi(id[i:])
	if err != nil {
		return id, -1
	}
	return id[:i], n
}

func sortedIDs[T any](m map[string]T) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return lessID(ids[i], ids[j]) })
	return ids
}

// restView exposes the controller's nodes to the REST API.
type restView struct{ c *Controller }

func (v restView) Leaf(id string) (rest.Leaf, bool) {
	l, ok := v.c.leaves[id]
	if !ok {
		return nil, false
	}
	return l, true
}

func (v restView) SuperPeer(id string) (rest.SuperPeer, bool) {
	sp, ok := v.c.superPeers[id]
	if !ok {
		return nil, false
	}
	return sp, true
}

func (v restView) LeafIDs() []string      { return v.c.LeafIDs() }
func (v restView) SuperPeerIDs() []string { return v.c.SuperPeerIDs() }
