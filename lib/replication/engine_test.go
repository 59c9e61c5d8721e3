package replication

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/rKV/lib/common"
	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/ValentinKolb/rKV/lib/db/engines/offheap"
	"github.com/ValentinKolb/rKV/lib/db/interop"
	"github.com/ValentinKolb/rKV/lib/replication/transport"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 10 * time.Second

func mapConfig(id uint8) common.MapConfig {
	return common.MapConfig{
		ReplicaID:    id,
		Entries:      4096,
		AvgKeySize:   16,
		AvgValueSize: 32,
		Checksums:    true,
	}
}

func openMap(t *testing.T, conf common.MapConfig) db.KVDB {
	t.Helper()
	d, err := offheap.NewOffHeapDB(conf, offheap.WithChangeFeed())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func newMap(t *testing.T, id uint8) db.KVDB {
	t.Helper()
	return openMap(t, mapConfig(id))
}

func testReplicationConfig(listen bool, peers map[uint8]string) common.ReplicationConfig {
	conf := common.DefaultReplicationConfig()
	conf.HeartbeatInterval = 50 * time.Millisecond
	conf.ReconnectMin = 10 * time.Millisecond
	conf.ReconnectMax = 100 * time.Millisecond
	conf.Peers = peers
	if listen {
		conf.ListenAddr = "127.0.0.1:0"
	}
	return conf
}

type node struct {
	db     db.KVDB
	engine *Engine
	addr   string
}

// startNode runs an engine for d until the test ends
func startNode(t *testing.T, d db.KVDB, conf common.ReplicationConfig, opts ...Option) *node {
	t.Helper()
	e, err := New(d, conf, opts...)
	require.NoError(t, err)

	n := &node{db: d, engine: e}
	if conf.ListenAddr != "" {
		addr, err := e.Listen()
		require.NoError(t, err)
		n.addr = addr.String()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return n
}

// startPair connects replica 1 (listening) and replica 2 (dialing)
func startPair(t *testing.T) (*node, *node) {
	t.Helper()
	a := startNode(t, newMap(t, 1), testReplicationConfig(true, map[uint8]string{2: ""}))
	b := startNode(t, newMap(t, 2), testReplicationConfig(false, map[uint8]string{1: a.addr}))
	return a, b
}

// state returns every entry, tombstones included, without the local sequence numbers
func state(t *testing.T, d db.KVDB) map[string]db.Record {
	t.Helper()
	s := map[string]db.Record{}
	_, err := d.ScanModified(context.Background(), 0, func(rec *db.Record) error {
		r := *rec
		r.ModSeq = 0
		s[string(r.Key)] = r
		return nil
	})
	require.NoError(t, err)
	return s
}

func requireConverged(t *testing.T, a, b *node) {
	t.Helper()
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(state(t, a.db), state(t, b.db)) &&
			a.engine.MinAcknowledged() == a.db.ModSeq() &&
			b.engine.MinAcknowledged() == b.db.ModSeq()
	}, waitFor, 10*time.Millisecond)
}

func get(t *testing.T, d db.KVDB, key string) (string, bool) {
	t.Helper()
	v, ok, err := d.Get(context.Background(), []byte(key))
	require.NoError(t, err)
	return string(v), ok
}

func put(t *testing.T, d db.KVDB, key, value string) {
	t.Helper()
	_, _, err := d.Put(context.Background(), []byte(key), []byte(value))
	require.NoError(t, err)
}

// --------------------------------------------------------------------------
// Replica pairs
// --------------------------------------------------------------------------

func TestReplicatesPutsAndRemoves(t *testing.T) {
	a, b := startPair(t)
	ctx := context.Background()

	require.Eventually(t, func() bool {
		return a.engine.PeerState(2) == StateStreaming && b.engine.PeerState(1) == StateStreaming
	}, waitFor, 10*time.Millisecond)

	put(t, a.db, "from-a", "1")
	put(t, b.db, "from-b", "2")
	put(t, a.db, "removed", "x")
	requireConverged(t, a, b)

	_, _, err := b.db.Remove(ctx, []byte("removed"))
	require.NoError(t, err)
	requireConverged(t, a, b)

	v, ok := get(t, b.db, "from-a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
	v, ok = get(t, a.db, "from-b")
	assert.True(t, ok)
	assert.Equal(t, "2", v)
	_, ok = get(t, a.db, "removed")
	assert.False(t, ok)

	assert.Positive(t, a.engine.metrics.applied.Get())
	assert.Positive(t, b.engine.metrics.applied.Get())
	assert.Zero(t, a.engine.metrics.applyErrs.Get())
}

func TestBootstrapsExistingData(t *testing.T) {
	da := newMap(t, 1)
	for i := range 50 {
		put(t, da, fmt.Sprintf("key-%02d", i), "value")
	}
	_, _, err := da.Remove(context.Background(), []byte("key-07"))
	require.NoError(t, err)

	a := startNode(t, da, testReplicationConfig(true, map[uint8]string{2: ""}))
	b := startNode(t, newMap(t, 2), testReplicationConfig(false, map[uint8]string{1: a.addr}))
	requireConverged(t, a, b)

	assert.Len(t, state(t, b.db), 50, "the tombstone is replicated as well")
	_, ok := get(t, b.db, "key-07")
	assert.False(t, ok)
	assert.Equal(t, uint64(1), a.engine.metrics.bootstraps.Get())
}

func TestResumesFromCheckpoint(t *testing.T) {
	da, dbb := newMap(t, 1), newMap(t, 2)
	for i := 1; i <= 10; i++ {
		put(t, da, fmt.Sprintf("k%d", i), "v")
	}

	cs := NewMemoryCheckpointStore()
	require.NoError(t, cs.Store(2, Checkpoint{Incarnation: dbb.Incarnation(), Position: 5}))

	a := startNode(t, da, testReplicationConfig(true, map[uint8]string{2: ""}), WithCheckpointStore(cs))
	startNode(t, dbb, testReplicationConfig(false, map[uint8]string{1: a.addr}))

	require.Eventually(t, func() bool { return a.engine.MinAcknowledged() == 10 }, waitFor, 10*time.Millisecond)

	_, ok := get(t, dbb, "k5")
	assert.False(t, ok, "changes up to the checkpoint are not resent")
	_, ok = get(t, dbb, "k6")
	assert.True(t, ok)

	cp, ok, err := cs.Load(2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Checkpoint{Incarnation: dbb.Incarnation(), Position: 10}, cp)
}

func TestStaleIncarnationForcesFullBootstrap(t *testing.T) {
	tests := []struct {
		name string
		cp   func(peer db.KVDB) Checkpoint
	}{
		{"other incarnation", func(db.KVDB) Checkpoint { return Checkpoint{Incarnation: uuid.New(), Position: 5} }},
		{"ahead of local map", func(peer db.KVDB) Checkpoint { return Checkpoint{Incarnation: peer.Incarnation(), Position: 1000} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			da, dbb := newMap(t, 1), newMap(t, 2)
			for i := 1; i <= 10; i++ {
				put(t, da, fmt.Sprintf("k%d", i), "v")
			}

			cs := NewMemoryCheckpointStore()
			require.NoError(t, cs.Store(2, tt.cp(dbb)))

			a := startNode(t, da, testReplicationConfig(true, map[uint8]string{2: ""}), WithCheckpointStore(cs))
			b := startNode(t, dbb, testReplicationConfig(false, map[uint8]string{1: a.addr}))
			requireConverged(t, a, b)

			assert.Len(t, state(t, dbb), 10)
		})
	}
}

func TestFileCheckpointsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	da, dbb := newMap(t, 1), newMap(t, 2)
	put(t, da, "before", "1")

	confA := testReplicationConfig(true, map[uint8]string{2: ""})
	confA.CheckpointDir = dir

	// the sub test scopes the first engines, its cleanup stops them
	t.Run("first run", func(t *testing.T) {
		a := startNode(t, da, confA)
		startNode(t, dbb, testReplicationConfig(false, map[uint8]string{1: a.addr}))
		require.Eventually(t, func() bool { return a.engine.MinAcknowledged() == da.ModSeq() }, waitFor, 10*time.Millisecond)
	})

	put(t, da, "after", "2")
	a := startNode(t, da, confA)
	assert.Equal(t, uint64(1), a.engine.MinAcknowledged(), "the position is restored from disk")

	startNode(t, dbb, testReplicationConfig(false, map[uint8]string{1: a.addr}))
	require.Eventually(t, func() bool {
		_, ok := get(t, dbb, "after")
		return ok
	}, waitFor, 10*time.Millisecond)
}

func TestMinAcknowledged(t *testing.T) {
	d := newMap(t, 1)
	put(t, d, "k", "v")

	alone, err := New(d, testReplicationConfig(false, map[uint8]string{}))
	require.NoError(t, err)
	assert.Equal(t, d.ModSeq(), alone.MinAcknowledged(), "without peers everything is acknowledged")

	cs := NewMemoryCheckpointStore()
	require.NoError(t, cs.Store(2, Checkpoint{Position: 1}))
	e, err := New(d, testReplicationConfig(false, map[uint8]string{2: "", 3: ""}), WithCheckpointStore(cs))
	require.NoError(t, err)
	assert.Zero(t, e.MinAcknowledged(), "peer 3 never acknowledged anything")
	assert.Equal(t, StateDisconnected, e.PeerState(2))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	d := newMap(t, 1)

	_, err := New(d, testReplicationConfig(false, map[uint8]string{1: "localhost:1"}))
	assert.ErrorIs(t, err, db.ErrInvalidConfig)

	conf := testReplicationConfig(false, nil)
	conf.HeartbeatInterval = 0
	_, err = New(d, conf)
	assert.ErrorIs(t, err, db.ErrInvalidConfig)

	e, err := New(d, testReplicationConfig(false, nil))
	require.NoError(t, err)
	_, err = e.Listen()
	assert.ErrorIs(t, err, db.ErrInvalidConfig)
}

// --------------------------------------------------------------------------
// Scripted peer
// --------------------------------------------------------------------------

// fakePeer completes the handshake against addr and returns the connection
func fakePeer(t *testing.T, addr string, id uint8, inc uuid.UUID) *transport.Conn {
	t.Helper()
	conn, err := transport.Dial(context.Background(), addr, common.DefaultReplicationConfig().Socket)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, conn.SendNow(transport.FrameHello, Hello{Version: ProtoVersion, ReplicaID: id, Incarnation: inc}.Encode()))
	ft, payload, err := conn.Receive(time.Second)
	require.NoError(t, err)
	require.Equal(t, transport.FrameHello, ft)
	_, err = DecodeHello(payload)
	require.NoError(t, err)
	return conn
}

// receiveUntil collects entry keys until an end frame of type end arrives
func receiveUntil(t *testing.T, conn *transport.Conn, end transport.FrameType) ([]string, uint64) {
	t.Helper()
	var keys []string
	for {
		ft, payload, err := conn.Receive(waitFor)
		require.NoError(t, err)
		switch ft {
		case transport.FrameBootstrapEntry, transport.FrameEntry:
			rec, err := interop.DecodeRecord(payload)
			require.NoError(t, err)
			keys = append(keys, string(rec.Key))
		case end:
			w, err := decodeWatermark(payload)
			require.NoError(t, err)
			return keys, w
		case transport.FrameHeartbeat:
		default:
			t.Fatalf("unexpected %s frame", ft)
		}
	}
}

// slowConfig keeps the idle timeout well above the test duration, the scripted peer
// sends no heartbeats
func slowConfig() common.ReplicationConfig {
	conf := testReplicationConfig(true, map[uint8]string{2: ""})
	conf.HeartbeatInterval = 2 * time.Second
	return conf
}

func waitDisconnected(t *testing.T, n *node, peer uint8) {
	t.Helper()
	require.Eventually(t, func() bool { return n.engine.PeerState(peer) == StateDisconnected }, waitFor, 5*time.Millisecond)
}

func TestRedeliveryAfterReconnect(t *testing.T) {
	d := newMap(t, 1)
	for _, k := range []string{"a", "b", "c"} {
		put(t, d, k, "v")
	}
	n := startNode(t, d, slowConfig())
	inc := uuid.New()

	conn := fakePeer(t, n.addr, 2, inc)
	keys, w := receiveUntil(t, conn, transport.FrameBootstrapEnd)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, keys)
	assert.Equal(t, uint64(3), w)
	require.NoError(t, conn.Close())
	waitDisconnected(t, n, 2)
	assert.Zero(t, n.engine.MinAcknowledged())

	// nothing was acknowledged, so everything is sent again
	conn = fakePeer(t, n.addr, 2, inc)
	keys, w = receiveUntil(t, conn, transport.FrameBootstrapEnd)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, keys)
	require.NoError(t, conn.SendNow(transport.FrameAck, encodeWatermark(w)))
	require.Eventually(t, func() bool { return n.engine.MinAcknowledged() == 3 }, waitFor, 5*time.Millisecond)
	require.NoError(t, conn.Close())
	waitDisconnected(t, n, 2)

	// acknowledged changes are skipped, new ones are streamed
	conn = fakePeer(t, n.addr, 2, inc)
	keys, w = receiveUntil(t, conn, transport.FrameBootstrapEnd)
	assert.Empty(t, keys)
	assert.Equal(t, uint64(3), w)

	put(t, d, "d", "v")
	keys, w = receiveUntil(t, conn, transport.FrameBatchEnd)
	assert.Equal(t, []string{"d"}, keys)
	assert.Equal(t, uint64(4), w)
}

func TestStreamSkipsPeerOrigin(t *testing.T) {
	d := newMap(t, 1)
	n := startNode(t, d, slowConfig())
	conn := fakePeer(t, n.addr, 2, uuid.New())
	_, _ = receiveUntil(t, conn, transport.FrameBootstrapEnd)

	rec := &db.Record{Key: []byte("remote"), Value: []byte("v"), Meta: db.Meta{Timestamp: 1, Origin: 2}}
	require.NoError(t, conn.SendNow(transport.FrameEntry, interop.AppendRecord(nil, rec)))
	require.NoError(t, conn.SendNow(transport.FrameBatchEnd, encodeWatermark(1)))

	// the ack for our batch may come before or after the empty batch announcing the applied record
	var acked, announced bool
	for !acked || !announced {
		ft, payload, err := conn.Receive(waitFor)
		require.NoError(t, err)
		switch ft {
		case transport.FrameAck:
			w, _ := decodeWatermark(payload)
			assert.Equal(t, uint64(1), w)
			acked = true
		case transport.FrameBatchEnd:
			announced = true
		case transport.FrameEntry:
			t.Fatal("a record from the peer was sent back to it")
		}
	}

	v, ok := get(t, d, "remote")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
	assert.Equal(t, uint64(1), n.engine.metrics.applied.Get())
}

func TestHandshakeRejections(t *testing.T) {
	n := startNode(t, newMap(t, 1), slowConfig())

	expectClosed := func(conn *transport.Conn) {
		t.Helper()
		_, _, err := conn.Receive(waitFor)
		assert.ErrorIs(t, err, db.ErrReplicationTransport)
	}

	expectClosed(fakePeer(t, n.addr, 9, uuid.New()))
	expectClosed(fakePeer(t, n.addr, 1, uuid.New()))

	live := fakePeer(t, n.addr, 2, uuid.New())
	_, _ = receiveUntil(t, live, transport.FrameBootstrapEnd)
	expectClosed(fakePeer(t, n.addr, 2, uuid.New()))

	require.Eventually(t, func() bool { return n.engine.metrics.rejected.Get() == 3 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, StateStreaming, n.engine.PeerState(2), "the live session is kept")
}

func TestMalformedFrameEndsSession(t *testing.T) {
	n := startNode(t, newMap(t, 1), slowConfig())
	conn := fakePeer(t, n.addr, 2, uuid.New())
	_, _ = receiveUntil(t, conn, transport.FrameBootstrapEnd)

	require.NoError(t, conn.SendNow(transport.FrameType(0), nil))
	waitDisconnected(t, n, 2)
	assert.Equal(t, uint64(1), n.engine.metrics.malformed.Get())

	// the engine accepts the peer again afterwards
	conn = fakePeer(t, n.addr, 2, uuid.New())
	_, _ = receiveUntil(t, conn, transport.FrameBootstrapEnd)
}

func TestCorruptEntryFrameEndsSession(t *testing.T) {
	n := startNode(t, newMap(t, 1), slowConfig())
	conn := fakePeer(t, n.addr, 2, uuid.New())
	_, _ = receiveUntil(t, conn, transport.FrameBootstrapEnd)

	require.NoError(t, conn.SendNow(transport.FrameEntry, []byte{1, 2, 3}))
	waitDisconnected(t, n, 2)
	assert.Equal(t, uint64(1), n.engine.metrics.malformed.Get())
	assert.Zero(t, n.engine.metrics.applied.Get())
}

func TestFailedApplyIsNotAcknowledged(t *testing.T) {
	conf := mapConfig(1)
	conf.LockTimeout = 20 * time.Millisecond
	d := openMap(t, conf)
	n := startNode(t, d, slowConfig())
	ctx := context.Background()
	inc := uuid.New()

	h, err := d.AcquireForUpdate(ctx, []byte("k"))
	require.NoError(t, err)

	rec := interop.AppendRecord(nil, &db.Record{Key: []byte("k"), Value: []byte("v"), Meta: db.Meta{Timestamp: 1, Origin: 2}})
	sendBatch := func(conn *transport.Conn) {
		t.Helper()
		require.NoError(t, conn.Send(transport.FrameEntry, rec))
		require.NoError(t, conn.SendNow(transport.FrameBatchEnd, encodeWatermark(1)))
	}

	conn := fakePeer(t, n.addr, 2, inc)
	_, _ = receiveUntil(t, conn, transport.FrameBootstrapEnd)
	sendBatch(conn)

	// the segment of k stays locked, so the batch must end the session without an ack
	for {
		ft, _, err := conn.Receive(waitFor)
		if err != nil {
			assert.ErrorIs(t, err, db.ErrReplicationTransport)
			break
		}
		require.NotEqual(t, transport.FrameAck, ft, "a batch with an unapplied record was acknowledged")
	}
	waitDisconnected(t, n, 2)
	assert.Equal(t, uint64(1), n.engine.metrics.applyErrs.Get())
	_, ok := get(t, d, "k")
	assert.False(t, ok)

	// once the lock is free, the resent batch is applied and acknowledged
	require.NoError(t, h.Close())
	conn = fakePeer(t, n.addr, 2, inc)
	_, _ = receiveUntil(t, conn, transport.FrameBootstrapEnd)
	sendBatch(conn)
	for {
		ft, payload, err := conn.Receive(waitFor)
		require.NoError(t, err)
		if ft == transport.FrameAck {
			w, err := decodeWatermark(payload)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), w)
			break
		}
	}
	v, ok := get(t, d, "k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

// --------------------------------------------------------------------------
// Soak
// --------------------------------------------------------------------------

func TestTCPSoak(t *testing.T) {
	if testing.Short() {
		t.Skip("soak test")
	}
	a, b := startPair(t)
	ctx := context.Background()

	const (
		keys      = 100
		opsPerRun = 500
	)

	var wg sync.WaitGroup
	for i, n := range []*node{a, b, a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := rand.New(rand.NewSource(int64(i)))
			for op := range opsPerRun {
				key := []byte(fmt.Sprintf("key-%03d", r.Intn(keys)))
				var err error
				if r.Intn(4) == 0 {
					_, _, err = n.db.Remove(ctx, key)
				} else {
					_, _, err = n.db.Put(ctx, key, []byte(fmt.Sprintf("w%d-%d", i, op)))
				}
				if err != nil {
					t.Errorf("writer %d: %v", i, err)
					return
				}
				if op%50 == 0 {
					time.Sleep(time.Millisecond)
				}
			}
		}()
	}
	wg.Wait()

	requireConverged(t, a, b)
	assert.Zero(t, a.engine.metrics.applyErrs.Get())
	assert.Zero(t, b.engine.metrics.applyErrs.Get())
}
