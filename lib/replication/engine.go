package replication

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rKV/lib/common"
	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/ValentinKolb/rKV/lib/replication/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var log = logger.GetLogger("replication")

const (
	handshakeTimeout = 5 * time.Second

	// applyAttempts bounds the local retries of a replicated record that hit a lock timeout
	applyAttempts = 3
)

// State is the connection state of a peer
type State int32

const (
	StateDisconnected State = iota
	StateHandshaking
	StateBootstrapping
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateHandshaking:
		return "handshaking"
	case StateBootstrapping:
		return "bootstrapping"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// peer is the static, configured side of a replication partner
type peer struct {
	id    uint8
	addr  string // empty: the peer connects to us
	state atomic.Int32
	acked atomic.Uint64
}

func (p *peer) State() State {
	return State(p.state.Load())
}

// --------------------------------------------------------------------------
// Engine
// --------------------------------------------------------------------------

// Engine replicates a database to its configured peers and applies their changes.
type Engine struct {
	db          db.KVDB
	conf        common.ReplicationConfig
	self        uint8
	checkpoints CheckpointStore

	peers    map[uint8]*peer
	sessions *xsync.MapOf[uint8, *session]
	metrics  *engineMetrics
	limiter  *rate.Limiter

	listener net.Listener
	conns    sync.WaitGroup
}

// Option configures an engine
type Option func(*Engine)

// WithCheckpointStore replaces the checkpoint store derived from the configuration
func WithCheckpointStore(cs CheckpointStore) Option {
	return func(e *Engine) { e.checkpoints = cs }
}

// New creates an engine for database. The database should be opened with a change feed,
// otherwise changes are only picked up on heartbeat ticks.
func New(database db.KVDB, conf common.ReplicationConfig, opts ...Option) (*Engine, error) {
	self := database.ReplicaID()
	if err := conf.Validate(self); err != nil {
		return nil, err
	}
	if !database.SupportsFeature(db.FeatureReplication) {
		return nil, errors.Wrap(db.ErrInvalidConfig, "database does not support replication")
	}

	e := &Engine{
		db:       database,
		conf:     conf,
		self:     self,
		peers:    make(map[uint8]*peer, len(conf.Peers)),
		sessions: xsync.NewMapOf[uint8, *session](),
		metrics:  newEngineMetrics(self),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.checkpoints == nil {
		if conf.CheckpointDir != "" {
			cs, err := NewFileCheckpointStore(conf.CheckpointDir)
			if err != nil {
				return nil, err
			}
			e.checkpoints = cs
		} else {
			e.checkpoints = NewMemoryCheckpointStore()
		}
	}

	if conf.BootstrapBytesPerSec > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(conf.BootstrapBytesPerSec), conf.BootstrapBytesPerSec)
	}

	for _, id := range conf.PeerIDs() {
		p := &peer{id: id, addr: conf.Peers[id]}
		if cp, ok, err := e.checkpoints.Load(id); err != nil {
			log.Warningf("ignoring checkpoint of peer %d: %v", id, err)
		} else if ok {
			p.acked.Store(cp.Position)
		}
		e.peers[id] = p
		e.metrics.peerGauges(self, p)
	}
	return e, nil
}

// Listen binds the configured listen address. It must be called before Run
// for the engine to accept connections.
func (e *Engine) Listen() (net.Addr, error) {
	if e.conf.ListenAddr == "" {
		return nil, errors.Wrap(db.ErrInvalidConfig, "no listen address configured")
	}
	l, err := transport.Listen(e.conf.ListenAddr)
	if err != nil {
		return nil, err
	}
	e.listener = l
	return l.Addr(), nil
}

// Run accepts and dials peers until ctx is done. Connection failures never end Run,
// they are retried with backoff. Run returns after all sessions are closed.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if e.listener != nil {
		g.Go(func() error {
			<-ctx.Done()
			return e.listener.Close()
		})
		g.Go(func() error { return e.accept(ctx) })
	}
	for _, p := range e.peers {
		if p.addr != "" {
			g.Go(func() error { return e.dial(ctx, p) })
		}
	}
	g.Go(func() error { return e.dispatch(ctx) })

	err := g.Wait()
	e.conns.Wait()
	if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// MinAcknowledged returns the lowest position acknowledged by any configured peer.
// Every local change with a sequence <= the result has reached all peers.
func (e *Engine) MinAcknowledged() uint64 {
	if len(e.peers) == 0 {
		return e.db.ModSeq()
	}
	var acked uint64 = 1<<64 - 1
	for _, p := range e.peers {
		acked = min(acked, p.acked.Load())
	}
	return acked
}

// PeerState returns the connection state of peer id
func (e *Engine) PeerState(id uint8) State {
	if p, ok := e.peers[id]; ok {
		return p.State()
	}
	return StateDisconnected
}

// Metrics returns the metrics set of the engine
func (e *Engine) Metrics() *metrics.Set {
	return e.metrics.set
}

// --------------------------------------------------------------------------
// Connection loops
// --------------------------------------------------------------------------

func (e *Engine) accept(ctx context.Context) error {
	for {
		conn, err := transport.Accept(e.listener, e.conf.Socket)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warningf("accept: %v", err)
			time.Sleep(e.conf.ReconnectMin)
			continue
		}

		e.conns.Add(1)
		go func() {
			defer e.conns.Done()
			if _, err := e.serve(ctx, conn, nil); err != nil && ctx.Err() == nil {
				log.Infof("session from %s ended: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

func (e *Engine) dial(ctx context.Context, p *peer) error {
	bo := newBackoff(e.conf.ReconnectMin, e.conf.ReconnectMax)
	for {
		// a session accepted from the peer makes dialing unnecessary
		if s, ok := e.sessions.Load(p.id); ok {
			select {
			case <-s.done:
			case <-ctx.Done():
				return nil
			}
			continue
		}

		conn, err := transport.Dial(ctx, p.addr, e.conf.Socket)
		if err == nil {
			var streamed bool
			streamed, err = e.serve(ctx, conn, p)
			if streamed {
				bo.reset()
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		wait := bo.next()
		log.Infof("connection to peer %d at %s failed, retrying in %s: %v", p.id, p.addr, wait.Round(time.Millisecond), err)
		e.metrics.reconnects.Inc()
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

// dispatch wakes all sessions for every change event
func (e *Engine) dispatch(ctx context.Context) error {
	changes := e.db.Changes()
	if changes == nil {
		log.Warningf("database has no change feed, changes are sent every %s", e.conf.HeartbeatInterval)
		<-ctx.Done()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				<-ctx.Done()
				return nil
			}
			e.sessions.Range(func(_ uint8, s *session) bool {
				s.notify()
				return true
			})
		}
	}
}

// --------------------------------------------------------------------------
// Handshake
// --------------------------------------------------------------------------

// serve runs the handshake and the session on conn. dialed is the peer we connected to,
// nil for accepted connections. It reports whether the session reached streaming.
func (e *Engine) serve(ctx context.Context, conn *transport.Conn, dialed *peer) (bool, error) {
	defer conn.Close()

	if dialed != nil {
		dialed.state.Store(int32(StateHandshaking))
	}

	hello := Hello{Version: ProtoVersion, ReplicaID: e.self, Incarnation: e.db.Incarnation()}
	if err := conn.SendNow(transport.FrameHello, hello.Encode()); err != nil {
		e.resetState(dialed)
		return false, err
	}
	remote, err := e.receiveHello(conn)
	if err != nil {
		e.resetState(dialed)
		return false, err
	}

	p, err := e.admit(remote, dialed)
	if err != nil {
		e.metrics.rejected.Inc()
		e.resetState(dialed)
		return false, err
	}

	s := newSession(ctx, e, p, conn, remote)
	if !e.register(s, dialed != nil) {
		e.metrics.rejected.Inc()
		e.resetState(dialed)
		return false, errors.Newf("peer %d already has a live session", p.id)
	}
	defer e.unregister(s)

	log.Infof("session with peer %d (%s, incarnation %s) established", p.id, conn.RemoteAddr(), remote.Incarnation)
	err = s.run()
	return s.streamed.Load(), err
}

func (e *Engine) receiveHello(conn *transport.Conn) (Hello, error) {
	t, payload, err := conn.Receive(handshakeTimeout)
	if err != nil {
		return Hello{}, err
	}
	if t != transport.FrameHello {
		e.metrics.malformed.Inc()
		return Hello{}, errors.Wrapf(db.ErrMalformedFrame, "expected Hello, got %s", t)
	}
	h, err := DecodeHello(payload)
	if err != nil {
		e.metrics.malformed.Inc()
	}
	return h, err
}

// admit checks the remote hello against the configuration
func (e *Engine) admit(remote Hello, dialed *peer) (*peer, error) {
	switch {
	case remote.Version != ProtoVersion:
		return nil, errors.Wrapf(db.ErrReplicationTransport, "peer %d speaks protocol version %d, want %d", remote.ReplicaID, remote.Version, ProtoVersion)
	case remote.ReplicaID == e.self:
		return nil, errors.Wrapf(db.ErrInvalidConfig, "peer uses our own replica id %d", e.self)
	case dialed != nil && remote.ReplicaID != dialed.id:
		return nil, errors.Wrapf(db.ErrInvalidConfig, "dialed peer %d at %s, but replica %d answered", dialed.id, dialed.addr, remote.ReplicaID)
	}
	p, ok := e.peers[remote.ReplicaID]
	if !ok {
		return nil, errors.Wrapf(db.ErrInvalidConfig, "replica %d is not a configured peer", remote.ReplicaID)
	}
	return p, nil
}

// register installs s as the session of its peer. A live session wins over the new one,
// unless the new connection was dialed by the lower replica id. Both sides apply the same
// rule, so simultaneous connections resolve to the same winner.
func (e *Engine) register(s *session, weDialed bool) bool {
	newWins := (weDialed && e.self < s.peer.id) || (!weDialed && s.peer.id < e.self)

	var replaced *session
	actual, _ := e.sessions.Compute(s.peer.id, func(old *session, loaded bool) (*session, bool) {
		if loaded && !newWins {
			return old, false
		}
		if loaded {
			replaced = old
		}
		return s, false
	})
	if replaced != nil {
		log.Infof("replacing session with peer %d", s.peer.id)
		replaced.stop()
	}
	return actual == s
}

func (e *Engine) unregister(s *session) {
	e.sessions.Compute(s.peer.id, func(old *session, loaded bool) (*session, bool) {
		return old, !loaded || old == s
	})
	if cur, ok := e.sessions.Load(s.peer.id); !ok || cur == s {
		s.peer.state.Store(int32(StateDisconnected))
	}
	s.stop()
	e.metrics.bytesIn.Add(int(s.conn.BytesIn()))
	e.metrics.bytesOut.Add(int(s.conn.BytesOut()))
	close(s.done)
}

func (e *Engine) resetState(p *peer) {
	if p == nil {
		return
	}
	if _, live := e.sessions.Load(p.id); !live {
		p.state.Store(int32(StateDisconnected))
	}
}
