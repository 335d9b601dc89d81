package node_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/iggydv12/superleaf/internal/config"
	"github.com/iggydv12/superleaf/internal/metrics"
	"github.com/iggydv12/superleaf/internal/node"
	"github.com/iggydv12/superleaf/internal/storage"
	"github.com/iggydv12/superleaf/internal/topology"
	"github.com/iggydv12/superleaf/internal/transport"
	"github.com/iggydv12/superleaf/internal/wire"
)

// fakeNet delivers requests in-process. Node ids double as addresses and
// every request and reply goes through the wire codec.
type fakeNet struct {
	mu    sync.Mutex
	muxes map[string]*transport.Mux
	down  map[string]bool
	calls map[string]int // "<to> <type>" → count
}

func newFakeNet() *fakeNet {
	return &fakeNet{
		muxes: make(map[string]*transport.Mux),
		down:  make(map[string]bool),
		calls: make(map[string]int),
	}
}

func (f *fakeNet) Addr(id string) (string, error) { return id, nil }

func (f *fakeNet) Call(ctx context.Context, addr string, req wire.Message, resp any) error {
	f.mu.Lock()
	mux, ok := f.muxes[addr]
	down := f.down[addr]
	f.calls[addr+" "+string(req.MessageType())]++
	f.mu.Unlock()
	if !ok || down {
		return fmt.Errorf("%w: %s", transport.ErrUnreachable, addr)
	}

	data, err := wire.Encode(req)
	if err != nil {
		return err
	}
	msg, err := wire.Decode(data)
	if err != nil {
		return err
	}
	reply, err := mux.Serve(ctx, msg)
	if err != nil {
		return &transport.RemoteError{Addr: addr, Msg: err.Error()}
	}
	if reply == nil {
		reply = wire.Ack{OK: true}
	}
	if resp == nil {
		return nil
	}
	raw, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, resp)
}

func (f *fakeNet) setDown(id string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down[id] = down
}

func (f *fakeNet) count(to string, t wire.Type) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[to+" "+string(t)]
}

func (f *fakeNet) total(t wire.Type) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k, c := range f.calls {
		if strings.HasSuffix(k, " "+string(t)) {
			n += c
		}
	}
	return n
}

type testOverlay struct {
	net     *fakeNet
	metrics *metrics.Metrics
	sps     map[string]*node.SuperPeer
	leaves  map[string]*node.Leaf
}

// newTestOverlay builds every node of topo on a fakeNet. files assigns master
// files to leaves; tweak, if non-nil, adjusts the configuration.
func newTestOverlay(t *testing.T, topo *topology.Topology, files map[string][]string, tweak func(*config.Config)) *testOverlay {
	t.Helper()
	for i := range topo.Leaves {
		topo.Leaves[i].Files = files[topo.Leaves[i].ID]
	}
	cfg := config.Default(*topo)
	if tweak != nil {
		tweak(cfg)
	}
	require.NoError(t, cfg.Validate())

	logger := zaptest.NewLogger(t)
	o := &testOverlay{
		net:     newFakeNet(),
		metrics: metrics.New(prometheus.NewRegistry()),
		sps:     make(map[string]*node.SuperPeer),
		leaves:  make(map[string]*node.Leaf),
	}
	for _, spec := range cfg.Topology.SuperPeers {
		sp, err := node.NewSuperPeer(spec, cfg, o.net, o.net, o.metrics, logger)
		require.NoError(t, err)
		mux := transport.NewMux()
		sp.Mount(mux)
		o.net.muxes[spec.ID] = mux
		o.sps[spec.ID] = sp
	}
	for _, spec := range cfg.Topology.Leaves {
		store, err := storage.NewFSStore(afero.NewMemMapFs(), spec.ID)
		require.NoError(t, err)
		leaf, err := node.NewLeaf(spec, cfg, store, o.net, o.net, o.metrics, logger)
		require.NoError(t, err)
		mux := transport.NewMux()
		leaf.Mount(mux)
		o.net.muxes[spec.ID] = mux
		o.leaves[spec.ID] = leaf
	}
	for _, l := range o.leaves {
		require.NoError(t, l.Register(context.Background()))
	}
	return o
}

func (o *testOverlay) ledgersEmpty(t *testing.T) {
	t.Helper()
	for id, sp := range o.sps {
		require.Empty(t, sp.LedgerIDs(), "ledger of %s", id)
	}
}
