package replication

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/ValentinKolb/rKV/lib/db/interop"
	"github.com/ValentinKolb/rKV/lib/replication/transport"
	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

// session is one established, bidirectional connection with a peer. The sender pushes
// local changes (bootstrap, then streaming), the receiver applies the peer's changes and
// handles acknowledgements for our stream.
type session struct {
	e      *Engine
	peer   *peer
	conn   *transport.Conn
	remote Hello

	wake     chan struct{}
	done     chan struct{}
	streamed atomic.Bool

	// sent is the highest watermark announced in an end frame
	sent atomic.Uint64

	// acks are queued by the receiver and written by the sender, which is the only writer
	ackDue     atomic.Bool
	pendingAck atomic.Uint64

	// unapplied is set by the receiver when a record of the current batch could not be applied
	unapplied bool

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	scratch  []byte
}

func newSession(ctx context.Context, e *Engine, p *peer, conn *transport.Conn, remote Hello) *session {
	s := &session{
		e:      e,
		peer:   p,
		conn:   conn,
		remote: remote,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	return s
}

// notify wakes the sender without blocking
func (s *session) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *session) stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.conn.Close()
	})
}

func (s *session) run() error {
	defer s.cancel()

	g, ctx := errgroup.WithContext(s.ctx)
	g.Go(func() error {
		<-ctx.Done()
		s.conn.Close()
		return nil
	})
	g.Go(func() error { return s.send(ctx) })
	g.Go(func() error { return s.receive(ctx) })
	return g.Wait()
}

// --------------------------------------------------------------------------
// Sender
// --------------------------------------------------------------------------

// startPosition returns the position to stream from and whether it is a full reset
func (s *session) startPosition() (uint64, bool) {
	cp, ok, err := s.e.checkpoints.Load(s.peer.id)
	switch {
	case err != nil:
		log.Warningf("checkpoint of peer %d unreadable, bootstrapping from scratch: %v", s.peer.id, err)
	case !ok:
	case cp.Incarnation != s.remote.Incarnation:
		log.Infof("peer %d has a new incarnation %s, bootstrapping from scratch", s.peer.id, s.remote.Incarnation)
	case cp.Position > s.e.db.ModSeq():
		log.Warningf("checkpoint %d of peer %d is ahead of the local map (%d), bootstrapping from scratch",
			cp.Position, s.peer.id, s.e.db.ModSeq())
	default:
		return cp.Position, false
	}
	return 0, true
}

func (s *session) send(ctx context.Context) error {
	pos, full := s.startPosition()
	s.peer.acked.Store(pos)
	s.sent.Store(pos)

	s.peer.state.Store(int32(StateBootstrapping))
	s.e.metrics.bootstraps.Inc()
	start := time.Now()

	watermark, n, err := s.push(ctx, transport.FrameBootstrapEntry, pos, full)
	if err != nil {
		return err
	}
	if err := s.sendEnd(transport.FrameBootstrapEnd, watermark); err != nil {
		return err
	}
	if err := s.conn.Flush(); err != nil {
		return err
	}
	log.Infof("bootstrap of peer %d from position %d done: %d entries up to %d in %s",
		s.peer.id, pos, n, watermark, time.Since(start).Round(time.Millisecond))

	s.peer.state.Store(int32(StateStreaming))
	s.streamed.Store(true)
	s.notify() // acks queued during the bootstrap

	ticker := time.NewTicker(s.e.conf.HeartbeatInterval)
	defer ticker.Stop()

	for {
		var tick bool
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		case <-ticker.C:
			tick = true
		}

		sent := s.sent.Load()
		watermark, _, err := s.push(ctx, transport.FrameEntry, sent, false)
		if err != nil {
			return err
		}

		var wrote bool
		if watermark > sent {
			if err := s.sendEnd(transport.FrameBatchEnd, watermark); err != nil {
				return err
			}
			wrote = true
		}
		if w, ok := s.takeAck(); ok {
			if err := s.conn.Send(transport.FrameAck, encodeWatermark(w)); err != nil {
				return err
			}
			wrote = true
		}
		if !wrote && tick {
			if err := s.conn.Send(transport.FrameHeartbeat, nil); err != nil {
				return err
			}
		}
		if err := s.conn.Flush(); err != nil {
			return err
		}
	}
}

// push sends every record modified after pos. Records that originate from the peer are
// skipped unless full is set.
func (s *session) push(ctx context.Context, t transport.FrameType, pos uint64, full bool) (uint64, int, error) {
	var n int
	lastFlush := time.Now()
	watermark, err := s.e.db.ScanModified(ctx, pos, func(rec *db.Record) error {
		if !full && rec.Meta.Origin == s.peer.id {
			return nil
		}
		s.scratch = interop.AppendRecord(s.scratch[:0], rec)
		if t == transport.FrameBootstrapEntry {
			if err := s.throttle(ctx, transport.HeaderSize+len(s.scratch)); err != nil {
				return err
			}
		}
		if err := s.conn.Send(t, s.scratch); err != nil {
			return err
		}
		s.e.metrics.sent.Inc()
		n++

		// a throttled stream must not sit in the write buffer past the peer's idle timeout
		if time.Since(lastFlush) >= s.e.conf.HeartbeatInterval {
			lastFlush = time.Now()
			return s.conn.Flush()
		}
		return nil
	})
	return watermark, n, err
}

func (s *session) sendEnd(t transport.FrameType, watermark uint64) error {
	if err := s.conn.Send(t, encodeWatermark(watermark)); err != nil {
		return err
	}
	s.sent.Store(watermark)
	return nil
}

func (s *session) queueAck(w uint64) {
	s.pendingAck.Store(w)
	s.ackDue.Store(true)
	s.notify()
}

func (s *session) takeAck() (uint64, bool) {
	if !s.ackDue.Swap(false) {
		return 0, false
	}
	return s.pendingAck.Load(), true
}

// throttle waits until n bytes of bootstrap traffic are allowed
func (s *session) throttle(ctx context.Context, n int) error {
	l := s.e.limiter
	if l == nil {
		return nil
	}
	for n > 0 {
		k := min(n, l.Burst())
		if err := l.WaitN(ctx, k); err != nil {
			return err
		}
		n -= k
	}
	return nil
}

// --------------------------------------------------------------------------
// Receiver
// --------------------------------------------------------------------------

func (s *session) receive(ctx context.Context) error {
	idle := 3 * s.e.conf.HeartbeatInterval

	for {
		t, payload, err := s.conn.Receive(idle)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, db.ErrMalformedFrame) {
				s.e.metrics.malformed.Inc()
			}
			return err
		}

		switch t {
		case transport.FrameBootstrapEntry, transport.FrameEntry:
			if err := s.apply(ctx, payload); err != nil {
				return err
			}

		case transport.FrameBootstrapEnd, transport.FrameBatchEnd:
			w, err := decodeWatermark(payload)
			if err != nil {
				s.e.metrics.malformed.Inc()
				return err
			}
			if s.unapplied {
				// the peer resends from its last checkpoint after the reconnect
				return errors.Wrapf(db.ErrReplicationTransport, "batch up to %d from peer %d not fully applied", w, s.peer.id)
			}
			s.queueAck(w)

		case transport.FrameAck:
			w, err := decodeWatermark(payload)
			if err != nil {
				s.e.metrics.malformed.Inc()
				return err
			}
			s.acknowledge(w)

		case transport.FrameHeartbeat:

		default:
			s.e.metrics.malformed.Inc()
			return errors.Wrapf(db.ErrMalformedFrame, "unexpected %s frame from peer %d", t, s.peer.id)
		}
	}
}

// apply applies one replicated record. Lock timeouts are retried a few times. A record
// that still fails is counted and marks the batch as unapplied, so it is not acknowledged.
func (s *session) apply(ctx context.Context, payload []byte) error {
	rec, err := interop.DecodeRecord(payload)
	if err != nil {
		s.e.metrics.malformed.Inc()
		return errors.CombineErrors(errors.Wrapf(db.ErrMalformedFrame, "entry from peer %d", s.peer.id), err)
	}

	var applied bool
	retry := newBackoff(s.e.conf.ReconnectMin, s.e.conf.ReconnectMax)
	for attempt := 1; ; attempt++ {
		applied, err = s.e.db.ApplyRemote(ctx, *rec)
		if err == nil || attempt == applyAttempts || !errors.Is(err, db.ErrLockTimeout) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry.next()):
		}
	}

	switch {
	case err != nil:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.e.metrics.applyErrs.Inc()
		s.unapplied = true
		log.Warningf("failed to apply entry %q from peer %d: %v", rec.Key, s.peer.id, err)
	case applied:
		s.e.metrics.applied.Inc()
	default:
		s.e.metrics.discarded.Inc()
	}
	return nil
}

// acknowledge records that the peer durably applied everything up to w
func (s *session) acknowledge(w uint64) {
	if sent := s.sent.Load(); w > sent {
		log.Warningf("peer %d acknowledged %d, beyond the sent watermark %d", s.peer.id, w, sent)
		w = sent
	}
	if w <= s.peer.acked.Load() {
		return
	}
	s.peer.acked.Store(w)
	cp := Checkpoint{Incarnation: s.remote.Incarnation, Position: w}
	if err := s.e.checkpoints.Store(s.peer.id, cp); err != nil {
		log.Warningf("failed to store checkpoint of peer %d: %v", s.peer.id, err)
	}
}
