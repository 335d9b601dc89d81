package node

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/iggydv12/superleaf/internal/config"
	"github.com/iggydv12/superleaf/internal/file"
	"github.com/iggydv12/superleaf/internal/metrics"
	"github.com/iggydv12/superleaf/internal/storage"
	"github.com/iggydv12/superleaf/internal/topology"
	"github.com/iggydv12/superleaf/internal/transport"
	"github.com/iggydv12/superleaf/internal/wire"
)

// ErrNoHolder is returned by Fetch when no leaf reported the file. It also
// matches file.ErrNotFound.
var ErrNoHolder = errors.New("no holder found")

// Leaf is an edge node. It keeps master files and downloaded copies and talks
// to exactly one super-peer.
type Leaf struct {
	mu sync.RWMutex

	records map[string]*file.Record

	id          string
	superPeer   string
	mode        config.Mode
	ttl         int
	autoRefetch bool

	store   storage.ContentStore
	dir     Resolver
	client  Caller
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewLeaf creates the leaf described by spec. Every declared file becomes a
// master at version 1; declared files missing from store are created empty.
func NewLeaf(spec topology.LeafSpec, cfg *config.Config, store storage.ContentStore, dir Resolver, client Caller, m *metrics.Metrics, logger *zap.Logger) (*Leaf, error) {
	l := &Leaf{
		records:     make(map[string]*file.Record, len(spec.Files)),
		id:          spec.ID,
		superPeer:   spec.SuperPeer,
		mode:        cfg.Mode,
		ttl:         cfg.Protocol.TTL,
		autoRefetch: cfg.Protocol.AutoRefetch,
		store:       store,
		dir:         dir,
		client:      client,
		metrics:     m,
		logger:      logger.With(zap.String("node", spec.ID)),
	}
	for _, name := range spec.Files {
		has, err := store.Has(name)
		if err != nil {
			return nil, fmt.Errorf("leaf %s: %w", spec.ID, err)
		}
		if !has {
			if err := store.Put(name, nil); err != nil {
				return nil, fmt.Errorf("leaf %s: seed %s: %w", spec.ID, name, err)
			}
		}
		l.records[name] = file.NewMaster(name, spec.ID)
	}
	return l, nil
}

// ID returns the leaf's identifier.
func (l *Leaf) ID() string { return l.id }

// SuperPeer returns the id of the leaf's parent.
func (l *Leaf) SuperPeer() string { return l.superPeer }

// Mount registers the leaf's request handlers on mux.
func (l *Leaf) Mount(mux *transport.Mux) {
	mux.Handle(wire.TypeFileTransfer, func(_ context.Context, msg wire.Message) (any, error) {
		return l.serveTransfer(msg.(wire.FileTransfer))
	})
	mux.Handle(wire.TypeVersionRequest, func(_ context.Context, msg wire.Message) (any, error) {
		return wire.VersionReply{Version: l.Version(msg.(wire.VersionRequest).FileName)}, nil
	})
	mux.Handle(wire.TypeInvalidation, func(ctx context.Context, msg wire.Message) (any, error) {
		l.HandleInvalidation(ctx, msg.(wire.Invalidation))
		return nil, nil
	})
}

// Files returns a copy of every record, sorted by name.
func (l *Leaf) Files() []file.Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]file.Record, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Record returns the record for name.
func (l *Leaf) Record(name string) (file.Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.records[name]
	if !ok {
		return file.Record{}, false
	}
	return *r, true
}

// Content returns the stored bytes of name.
func (l *Leaf) Content(name string) ([]byte, error) {
	if _, ok := l.Record(name); !ok {
		return nil, fmt.Errorf("%s: %w", name, file.ErrNotFound)
	}
	return l.store.Get(name)
}

// Version returns the version of a valid record, or 0 when name is not held.
func (l *Leaf) Version(name string) int {
	r, ok := l.Record(name)
	if !ok || !r.Valid {
		return 0
	}
	return r.Version
}

// Register sends the names of all valid records to the parent super-peer.
func (l *Leaf) Register(ctx context.Context) error {
	l.mu.RLock()
	names := make([]string, 0, len(l.records))
	for name, r := range l.records {
		if r.Valid {
			names = append(names, name)
		}
	}
	l.mu.RUnlock()
	sort.Strings(names)

	return l.send(ctx, l.superPeer, wire.RegisterFiles{NodeID: l.id, Files: names}, nil)
}

// RegisterWithRetry registers, retrying while the parent is not yet serving.
func (l *Leaf) RegisterWithRetry(ctx context.Context) error {
	return retry.Do(func() error {
		return l.Register(ctx)
	},
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(100*time.Millisecond),
		retry.MaxDelay(2*time.Second),
		retry.OnRetry(func(n uint, err error) {
			l.logger.Warn("Register retry", zap.Uint("attempt", n), zap.Error(err))
		}),
	)
}

// Query searches the overlay for name using the configured TTL.
func (l *Leaf) Query(ctx context.Context, name string) ([]wire.QueryHit, error) {
	return l.QueryWithTTL(ctx, name, l.ttl)
}

// QueryWithTTL searches the overlay for name. A file already held locally is
// not searched for and yields no hits. Once the search returns the query id is
// released from the ledgers so the same search can be repeated later.
func (l *Leaf) QueryWithTTL(ctx context.Context, name string, ttl int) ([]wire.QueryHit, error) {
	if _, ok := l.Record(name); ok {
		l.logger.Info("File already held locally", zap.String("file", name))
		return nil, nil
	}

	q := wire.FileQuery{
		FileName:  name,
		TTL:       ttl,
		MessageID: wire.QueryID(l.id, name),
		Origin:    l.id,
		SuperNode: l.superPeer,
	}
	start := time.Now()
	var hits []wire.QueryHit
	err := l.send(ctx, l.superPeer, q, &hits)
	l.cleanup(ctx, name, q.MessageID, false)
	if err != nil {
		return nil, err
	}

	out := hits[:0]
	for _, h := range hits {
		if h.LeafNode != l.id {
			out = append(out, h)
		}
	}
	l.logger.Info("Query finished",
		zap.String("file", name),
		zap.Int("hits", len(out)),
		zap.Duration("took", time.Since(start)),
	)
	return out, nil
}

// Download copies name from holder and registers the new copy.
func (l *Leaf) Download(ctx context.Context, name, holder string) (file.Record, error) {
	if holder == l.id {
		return file.Record{}, fmt.Errorf("download %s: %w: %s is this leaf", name, file.ErrBadHolder, holder)
	}
	if _, ok := l.Record(name); ok {
		return file.Record{}, fmt.Errorf("download %s: %w", name, file.ErrAlreadyHeld)
	}

	var reply wire.TransferReply
	if err := l.send(ctx, holder, wire.FileTransfer{FileName: name, Requester: l.id}, &reply); err != nil {
		return file.Record{}, err
	}
	origin := reply.Origin
	if origin == "" {
		origin = holder
	}
	rec := file.NewCopy(name, origin, reply.Version)

	l.mu.Lock()
	if _, ok := l.records[name]; ok {
		l.mu.Unlock()
		return file.Record{}, fmt.Errorf("download %s: %w", name, file.ErrAlreadyHeld)
	}
	if err := l.store.Put(name, reply.Content); err != nil {
		l.mu.Unlock()
		return file.Record{}, fmt.Errorf("download %s: %w", name, err)
	}
	l.records[name] = rec
	l.mu.Unlock()

	l.metrics.Downloads.WithLabelValues(l.id).Inc()
	l.logger.Info("Downloaded copy",
		zap.String("file", name),
		zap.String("from", holder),
		zap.String("origin", origin),
		zap.Int("version", rec.Version),
	)
	if err := l.Register(ctx); err != nil {
		l.logger.Warn("Re-register after download failed", zap.Error(err))
	}
	return *rec, nil
}

// Fetch queries for name and downloads it from the pick-th holder.
func (l *Leaf) Fetch(ctx context.Context, name string, pick int) (file.Record, error) {
	hits, err := l.Query(ctx, name)
	if err != nil {
		return file.Record{}, err
	}
	if len(hits) == 0 {
		return file.Record{}, fmt.Errorf("fetch %s: %w: %w", name, ErrNoHolder, file.ErrNotFound)
	}
	if pick < 0 || pick >= len(hits) {
		return file.Record{}, fmt.Errorf("fetch %s: %w: choice %d out of range [0,%d)", name, file.ErrBadHolder, pick, len(hits))
	}
	return l.Download(ctx, name, hits[pick].LeafNode)
}

// Edit appends payload to a master file and bumps its version. In push mode
// the new version is then announced to the overlay.
func (l *Leaf) Edit(ctx context.Context, name, payload string) (file.Record, error) {
	l.mu.Lock()
	rec, ok := l.records[name]
	if !ok {
		l.mu.Unlock()
		return file.Record{}, fmt.Errorf("edit %s: %w", name, file.ErrNotFound)
	}
	if err := rec.CheckEditable(); err != nil {
		l.mu.Unlock()
		return file.Record{}, err
	}
	if err := l.store.Append(name, []byte("\n"+payload)); err != nil {
		l.mu.Unlock()
		return file.Record{}, fmt.Errorf("edit %s: %w", name, err)
	}
	// CheckEditable passed under the same lock.
	_ = rec.Bump()
	snap := *rec
	l.mu.Unlock()

	l.metrics.Edits.WithLabelValues(l.id).Inc()
	l.logger.Info("File edited", zap.String("file", name), zap.Int("version", snap.Version))

	if l.mode == config.ModePush {
		l.push(ctx, snap)
	}
	return snap, nil
}

// push floods an invalidation for rec and, once the flood has returned,
// releases its id from the ledgers.
func (l *Leaf) push(ctx context.Context, rec file.Record) {
	inv := wire.Invalidation{
		FileName:       rec.Name,
		Version:        rec.Version,
		MsgID:          wire.InvalidationID(l.id, rec.Name, rec.Version),
		OriginServerID: l.id,
	}
	if err := l.send(ctx, l.superPeer, inv, nil); err != nil {
		l.logger.Warn("Push invalidation failed", zap.String("msg_id", inv.MsgID), zap.Error(err))
		return
	}
	l.logger.Info("Pushed invalidation", zap.String("msg_id", inv.MsgID))
	l.cleanup(ctx, rec.Name, inv.MsgID, false)
}

// HandleInvalidation discards a copy of inv.FileName. Masters, unknown files
// and copies already at or past inv.Version are left alone.
func (l *Leaf) HandleInvalidation(ctx context.Context, inv wire.Invalidation) {
	log := l.logger.With(zap.String("file", inv.FileName))

	l.mu.Lock()
	rec, ok := l.records[inv.FileName]
	switch {
	case !ok:
		l.mu.Unlock()
		log.Debug("Invalidation for a file not held")
		return
	case !rec.IsCopy:
		l.mu.Unlock()
		log.Debug("Invalidation ignored for master")
		return
	case inv.Version > 0 && rec.Version >= inv.Version:
		l.mu.Unlock()
		log.Debug("Copy already current", zap.Int("version", rec.Version))
		return
	}
	rec.Invalidate()
	delete(l.records, inv.FileName)
	if err := l.store.Delete(inv.FileName); err != nil {
		log.Warn("Delete discarded copy failed", zap.Error(err))
	}
	l.mu.Unlock()

	l.metrics.CopiesDiscarded.WithLabelValues(l.id).Inc()
	log.Info("Discarded invalid copy", zap.Int("version", rec.Version))

	if err := l.Register(ctx); err != nil {
		log.Warn("Re-register after discard failed", zap.Error(err))
	}
	msgID := inv.MsgID
	if msgID == "" {
		msgID = wire.QueryID(l.id, inv.FileName)
	}
	l.cleanup(ctx, inv.FileName, msgID, true)
}

// CheckCopies runs one staleness check for every valid copy and returns the
// names found stale. Stale copies are discarded and, with auto-refetch on,
// downloaded again.
func (l *Leaf) CheckCopies(ctx context.Context) []string {
	l.mu.RLock()
	var targets []file.Record
	for _, r := range l.records {
		if r.PollTarget() {
			targets = append(targets, *r)
		}
	}
	l.mu.RUnlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].Name < targets[j].Name })

	var stale []string
	for _, r := range targets {
		pull := wire.Pull{NodeID: l.id, FileName: r.Name, CachedVersion: r.Version, OriginNode: r.Origin}
		var reply wire.PullReply
		if err := l.send(ctx, l.superPeer, pull, &reply); err != nil {
			l.logger.Warn("Staleness check failed", zap.String("file", r.Name), zap.Error(err))
			continue
		}
		if reply.Status != wire.StatusStale {
			l.logger.Debug("Copy up to date", zap.String("file", r.Name))
			continue
		}
		l.logger.Info("Copy is stale", zap.String("file", r.Name), zap.Int("version", r.Version))
		stale = append(stale, r.Name)
		l.HandleInvalidation(ctx, wire.Invalidation{FileName: r.Name})

		if l.autoRefetch {
			if _, err := l.Fetch(ctx, r.Name, 0); err != nil {
				l.logger.Warn("Refetch failed", zap.String("file", r.Name), zap.Error(err))
			}
		}
	}
	return stale
}

// PollForUpdates checks every copy each interval until ctx is cancelled.
func (l *Leaf) PollForUpdates(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	l.logger.Info("Polling for updates", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.CheckCopies(ctx)
		}
	}
}

func (l *Leaf) serveTransfer(req wire.FileTransfer) (wire.TransferReply, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[req.FileName]
	if !ok || !rec.Servable() {
		return wire.TransferReply{}, fmt.Errorf("%s: %w", req.FileName, file.ErrNotFound)
	}
	content, err := l.store.Get(req.FileName)
	if err != nil {
		return wire.TransferReply{}, err
	}
	l.logger.Info("Sending file", zap.String("file", req.FileName), zap.String("to", req.Requester))
	return wire.TransferReply{
		FileName: rec.Name,
		Version:  rec.Version,
		Origin:   rec.Origin,
		Content:  content,
	}, nil
}

// cleanup asks the parent to drop msgID from the ledgers. deregister also
// drops this leaf's registry entry for name.
func (l *Leaf) cleanup(ctx context.Context, name, msgID string, deregister bool) {
	c := wire.Cleanup{FileName: name, MsgID: msgID, SuperPeer: l.superPeer}
	if deregister {
		c.NodeID = l.id
	}
	if err := l.send(ctx, l.superPeer, c, nil); err != nil {
		l.logger.Warn("Cleanup failed", zap.String("msg_id", msgID), zap.Error(err))
	}
}

func (l *Leaf) send(ctx context.Context, to string, req wire.Message, resp any) error {
	return send(ctx, l.dir, l.client, l.metrics, l.id, to, req, resp)
}
