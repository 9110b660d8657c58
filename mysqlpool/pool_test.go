package mysqlpool

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/joeycumines/go-asyncrt/eventloop"
	"github.com/joeycumines/go-asyncrt/mysql"
)

// startFakeMySQLServer listens on loopback and completes a minimal
// mysql_native_password handshake for every accepted connection (empty
// password, so the client's auth response is trivially accepted), then
// discards further traffic until the client disconnects. This lets Pool
// tests dial real *mysql.Conn values without a live MySQL server, the same
// way packet_test.go in the mysql package drives packetIO over a net.Pipe.
func startFakeMySQLServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveFakeHandshake(conn)
		}
	}()

	return ln.Addr().String()
}

func serveFakeHandshake(conn net.Conn) {
	defer conn.Close()

	if err := writeRawPacket(conn, 0, fakeHandshakePayload()); err != nil {
		return
	}
	seq, _, err := readRawPacket(conn) // HandshakeResponse41
	if err != nil {
		return
	}
	if err := writeRawPacket(conn, seq+1, []byte{0x00}); err != nil { // OK
		return
	}

	buf := make([]byte, 256)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}

// fakeHandshakePayload mirrors the mysql package's own
// buildFakeHandshakePacket test helper: protocol version 10,
// mysql_native_password, CLIENT_PLUGIN_AUTH set in the high capability word.
func fakeHandshakePayload() []byte {
	var pkt []byte
	pkt = append(pkt, 10)
	pkt = append(pkt, "8.0.0"...)
	pkt = append(pkt, 0)
	pkt = append(pkt, 1, 0, 0, 0)
	pkt = append(pkt, []byte("AUTHDATA")...)
	pkt = append(pkt, 0)
	pkt = append(pkt, 0xff, 0xf7)
	pkt = append(pkt, 0x21)
	pkt = append(pkt, 0x02, 0x00)
	pkt = append(pkt, 0x08, 0x00)
	pkt = append(pkt, 21)
	pkt = append(pkt, make([]byte, 10)...)
	pkt = append(pkt, append([]byte("012345678901"), 0)...)
	pkt = append(pkt, "mysql_native_password"...)
	pkt = append(pkt, 0)
	return pkt
}

func writeRawPacket(conn net.Conn, seq byte, payload []byte) error {
	header := []byte{byte(len(payload)), byte(len(payload) >> 8), byte(len(payload) >> 16), seq}
	if _, err := conn.Write(header); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}

func readRawPacket(conn net.Conn) (byte, []byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return 0, nil, err
	}
	length := int(header[0]) | int(header[1])<<8 | int(header[2])<<16
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			return 0, nil, err
		}
	}
	return header[3], payload, nil
}

func testPoolConfig(t *testing.T, addr string, minSize, maxSize int) Config {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("net.SplitHostPort() error = %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("strconv.Atoi() error = %v", err)
	}
	return Config{
		Host:     host,
		Port:     port,
		Username: "root",
		Database: "test",
		MinSize:  minSize,
		MaxSize:  maxSize,
	}
}

// TestPool_SizeInvariantAndFIFOWaiter exercises I11 (idle+leased never
// exceeds MaxSize) across a sequence of Get/Release calls that saturates the
// pool, and confirms a Get issued while saturated queues FIFO behind earlier
// waiters rather than rejecting or dialing past MaxSize.
func TestPool_SizeInvariantAndFIFOWaiter(t *testing.T) {
	addr := startFakeMySQLServer(t)
	loop, err := eventloop.New()
	if err != nil {
		t.Fatalf("eventloop.New() error = %v", err)
	}

	cfg := testPoolConfig(t, addr, 0, 2)
	pool, err := New(loop, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer pool.Close()

	var violations []string
	checkInvariant := func(where string) {
		idle, leased := pool.Size()
		if idle+leased > cfg.MaxSize {
			violations = append(violations, where)
		}
	}

	op := func() *eventloop.Promise {
		result, resolve, reject := eventloop.NewPromise(loop)

		pool.Get(context.Background()).Then(func(v1 eventloop.Result) eventloop.Result {
			conn1 := v1.(*mysql.Conn)
			checkInvariant("after first Get")

			pool.Get(context.Background()).Then(func(v2 eventloop.Result) eventloop.Result {
				conn2 := v2.(*mysql.Conn)
				checkInvariant("after second Get")

				// Pool is now saturated (MaxSize=2, both leased); a third
				// Get must queue rather than dial past MaxSize.
				third := pool.Get(context.Background())
				checkInvariant("after third Get queued")

				pool.Release(conn1)
				checkInvariant("after releasing conn1")

				third.Then(func(v3 eventloop.Result) eventloop.Result {
					conn3 := v3.(*mysql.Conn)
					checkInvariant("after third Get resolved")
					if conn3 != conn1 {
						violations = append(violations, "third Get did not receive the released connection")
					}

					pool.Release(conn2)
					pool.Release(conn3)
					checkInvariant("after releasing all")
					resolve(nil)
					return nil
				}, func(r eventloop.Result) eventloop.Result {
					reject(r)
					return nil
				})
				return nil
			}, func(r eventloop.Result) eventloop.Result {
				reject(r)
				return nil
			})
			return nil
		}, func(r eventloop.Result) eventloop.Result {
			reject(r)
			return nil
		})

		return result
	}

	if _, err := eventloop.RunWithTimeout(loop, eventloop.Thunk(op), 5); err != nil {
		t.Fatalf("pool sequence failed: %v", err)
	}
	if len(violations) > 0 {
		t.Fatalf("invariant violations: %v", violations)
	}
	idle, leased := pool.Size()
	if idle != 2 || leased != 0 {
		t.Fatalf("final Size() = (%d, %d), want (2, 0)", idle, leased)
	}
}

// TestPool_ReapEvictsIdleBeyondMinSizeAfterIdleTimeout exercises the
// reaper's eviction logic directly: connections idle past IdleTimeout are
// closed down to MinSize, newer ones are kept.
func TestPool_ReapEvictsIdleBeyondMinSizeAfterIdleTimeout(t *testing.T) {
	addr := startFakeMySQLServer(t)
	loop, err := eventloop.New()
	if err != nil {
		t.Fatalf("eventloop.New() error = %v", err)
	}

	cfg := testPoolConfig(t, addr, 1, 3)
	cfg.IdleTimeout = 10 * time.Millisecond
	pool, err := New(loop, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer pool.Close()

	op := func() *eventloop.Promise {
		result, resolve, reject := eventloop.NewPromise(loop)

		pool.Get(context.Background()).Then(func(v1 eventloop.Result) eventloop.Result {
			conn1 := v1.(*mysql.Conn)
			pool.Get(context.Background()).Then(func(v2 eventloop.Result) eventloop.Result {
				conn2 := v2.(*mysql.Conn)
				pool.Release(conn1)
				// Backdate conn1's idleSince so the reaper treats it as
				// stale without sleeping the test for IdleTimeout.
				for _, pc := range pool.idle {
					pc.idleSince = pool.now().Add(-time.Hour)
				}
				pool.Release(conn2)

				pool.reap()

				idle, _ := pool.Size()
				if idle != cfg.MinSize {
					reject(fmt.Errorf("idle count after reap = %d, want %d", idle, cfg.MinSize))
					return nil
				}
				resolve(idle)
				return nil
			}, func(r eventloop.Result) eventloop.Result {
				reject(r)
				return nil
			})
			return nil
		}, func(r eventloop.Result) eventloop.Result {
			reject(r)
			return nil
		})

		return result
	}

	got, err := eventloop.RunWithTimeout(loop, eventloop.Thunk(op), 5)
	if err != nil {
		t.Fatalf("pool sequence failed: %v", err)
	}
	if got != cfg.MinSize {
		t.Fatalf("idle count after reap = %v, want %d", got, cfg.MinSize)
	}
}

// TestPool_CloseRejectsQueuedWaiters ensures a waiter queued behind a
// saturated pool is rejected with PoolClosing rather than left hanging when
// Close runs.
func TestPool_CloseRejectsQueuedWaiters(t *testing.T) {
	addr := startFakeMySQLServer(t)
	loop, err := eventloop.New()
	if err != nil {
		t.Fatalf("eventloop.New() error = %v", err)
	}

	cfg := testPoolConfig(t, addr, 0, 1)
	pool, err := New(loop, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	op := func() *eventloop.Promise {
		result, resolve, reject := eventloop.NewPromise(loop)

		pool.Get(context.Background()).Then(func(v1 eventloop.Result) eventloop.Result {
			waiter := pool.Get(context.Background())
			pool.Close()
			waiter.Then(func(eventloop.Result) eventloop.Result {
				reject(fmt.Errorf("waiter resolved instead of being rejected by Close"))
				return nil
			}, func(r eventloop.Result) eventloop.Result {
				resolve(r)
				return nil
			})
			return nil
		}, func(r eventloop.Result) eventloop.Result {
			reject(r)
			return nil
		})

		return result
	}

	v, err := eventloop.RunWithTimeout(loop, eventloop.Thunk(op), 5)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, ok := v.(*eventloop.PoolClosing); !ok {
		t.Fatalf("waiter rejection = %T, want *eventloop.PoolClosing", v)
	}
}
