package mysqlpool

import (
	"context"
	"time"

	"github.com/joeycumines/go-asyncrt/eventloop"
	"github.com/joeycumines/go-asyncrt/mysql"
)

type pooledConn struct {
	conn      *mysql.Conn
	createdAt time.Time
	idleSince time.Time
}

// Pool manages a bounded set of mysql.Conn connections to one database,
// grounded on the retrieval pack's TenantPool: an idle LIFO stack (most
// recently returned connection reused first, so idle connections at the
// bottom of the stack age out first), a FIFO waiter queue for callers that
// arrive when the pool is at MaxSize, and a periodic reaper — adapted here
// to run on the event loop's timer wheel (Loop.ScheduleTimer, re-armed each
// firing) instead of a free-running goroutine ticker, so pool maintenance
// is itself loop-scheduled and every state mutation happens on the loop
// thread without additional locking.
type Pool struct {
	loop *eventloop.Loop
	cfg  Config

	idle    []*pooledConn
	leased  map[*mysql.Conn]*pooledConn
	waiters []func(*mysql.Conn, error)

	closing bool
	timerID eventloop.TimerID
}

// New validates cfg and returns a ready Pool; the pool starts empty and
// dials connections lazily on Get. Nothing pre-dials MinSize connections:
// MinSize only bounds how many idle connections the reaper keeps.
func New(loop *eventloop.Loop, cfg Config) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Pool{
		loop:   loop,
		cfg:    cfg,
		leased: make(map[*mysql.Conn]*pooledConn),
	}
	p.armReaper()
	return p, nil
}

// Size reports the current idle and leased counts; idle+leased never
// exceeds cfg.MaxSize.
func (p *Pool) Size() (idle, leased int) {
	return len(p.idle), len(p.leased)
}

// Get acquires a connection, reusing an idle one if available, dialing a
// new one if the pool has spare capacity, or queuing behind existing
// waiters (FIFO) otherwise. The resolved *mysql.Conn must be returned via
// Release.
func (p *Pool) Get(ctx context.Context) *eventloop.Promise {
	result, resolve, reject := eventloop.NewPromise(p.loop)

	if p.closing {
		reject(&eventloop.PoolClosing{Message: "mysqlpool: pool is closing"})
		return result
	}

	if n := len(p.idle); n > 0 {
		pc := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.leased[pc.conn] = pc
		resolve(pc.conn)
		return result
	}

	if len(p.leased)+len(p.idle) < p.cfg.MaxSize {
		// Reserve the slot while the dial is in flight so concurrent Gets
		// cannot push idle+leased past MaxSize.
		slot := &mysql.Conn{}
		p.leased[slot] = &pooledConn{}
		p.dial(ctx, func(conn *mysql.Conn, err error) {
			delete(p.leased, slot)
			if err != nil {
				reject(err)
				return
			}
			p.leased[conn] = &pooledConn{conn: conn, createdAt: p.now()}
			resolve(conn)
		})
		return result
	}

	p.waiters = append(p.waiters, func(conn *mysql.Conn, err error) {
		if err != nil {
			reject(err)
			return
		}
		resolve(conn)
	})
	return result
}

// Release returns conn to the pool: handed directly to the oldest waiter
// (FIFO) if one is queued, otherwise pushed onto the idle stack. Releasing
// a connection not currently leased from this pool is a no-op.
func (p *Pool) Release(conn *mysql.Conn) {
	pc, ok := p.leased[conn]
	if !ok {
		return
	}
	delete(p.leased, conn)

	if p.closing {
		_ = conn.Close()
		return
	}

	if len(p.waiters) > 0 {
		next := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.leased[conn] = pc
		next(conn, nil)
		return
	}

	pc.idleSince = p.now()
	p.idle = append(p.idle, pc)
}

// Close stops the reaper, closes every idle connection, rejects every
// queued waiter, and marks the pool closing: connections still leased at
// the time of Close are closed as they are Released rather than returned
// to idle.
func (p *Pool) Close() {
	if p.closing {
		return
	}
	p.closing = true

	if p.timerID != 0 {
		_ = p.loop.CancelTimer(p.timerID)
	}

	for _, pc := range p.idle {
		_ = pc.conn.Close()
	}
	p.idle = nil

	for _, w := range p.waiters {
		w(nil, &eventloop.PoolClosing{Message: "mysqlpool: pool closed while waiting"})
	}
	p.waiters = nil
}

func (p *Pool) dial(ctx context.Context, done func(conn *mysql.Conn, err error)) {
	mysql.Connect(ctx, p.loop, p.cfg.connConfig()).Then(func(v eventloop.Result) eventloop.Result {
		done(v.(*mysql.Conn), nil)
		return nil
	}, func(r eventloop.Result) eventloop.Result {
		done(nil, reasonToErr(r))
		return nil
	})
}

func reasonToErr(r eventloop.Result) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &eventloop.ProtocolError{Message: "mysqlpool: connection attempt failed"}
}

// now is a seam so tests can observe reaping logic deterministically via
// the loop's own tick time instead of wall-clock time.
func (p *Pool) now() time.Time {
	return p.loop.CurrentTickTime()
}

func (p *Pool) armReaper() {
	id, err := p.loop.ScheduleTimer(p.cfg.reapInterval(), p.reap)
	if err != nil {
		return
	}
	p.timerID = id
}

// reap evicts idle connections beyond MinSize that have been idle longer
// than IdleTimeout, and any connection (idle or not yet reused) older than
// MaxLifetime, then re-arms itself on the loop's timer wheel.
func (p *Pool) reap() {
	if p.closing {
		return
	}

	now := p.now()
	kept := p.idle[:0]
	excess := len(p.idle) - p.cfg.MinSize
	for i, pc := range p.idle {
		expired := p.cfg.MaxLifetime > 0 && now.Sub(pc.createdAt) > p.cfg.MaxLifetime
		stale := i < excess && p.cfg.IdleTimeout > 0 && now.Sub(pc.idleSince) > p.cfg.IdleTimeout
		if expired || stale {
			_ = pc.conn.Close()
			continue
		}
		kept = append(kept, pc)
	}
	p.idle = kept

	p.armReaper()
}
