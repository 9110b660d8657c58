package mysql

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/joeycumines/go-asyncrt/eventloop"
)

// startFakeConnServer accepts a single connection and runs handler against
// its packetIO, letting Connect/roundTrip tests exercise the real dial and
// handshake path without a live MySQL server.
func startFakeConnServer(t *testing.T, handler func(pio *packetIO)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handler(newPacketIO(conn))
	}()

	return ln.Addr().String()
}

func testConnConfig(t *testing.T, addr string) Config {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("net.SplitHostPort() error = %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("strconv.Atoi() error = %v", err)
	}
	return Config{Host: host, Port: port, User: "root", Database: "test"}
}

func TestConnect_NativePasswordHandshakeSucceeds(t *testing.T) {
	addr := startFakeConnServer(t, func(pio *packetIO) {
		if err := pio.writePacket(buildFakeHandshakePacket(authPluginNative)); err != nil {
			return
		}
		if _, err := pio.readPacket(); err != nil {
			return
		}
		_ = pio.writePacket([]byte{markerOK})
	})

	loop := newTestLoop(t)
	v, err := eventloop.Run(loop, Connect(context.Background(), loop, testConnConfig(t, addr)))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	conn, ok := v.(*Conn)
	if !ok {
		t.Fatalf("Connect() resolved to %T, want *Conn", v)
	}
	_ = conn.Close()
}

func TestConnect_ServerErrorIsRejected(t *testing.T) {
	addr := startFakeConnServer(t, func(pio *packetIO) {
		if err := pio.writePacket(buildFakeHandshakePacket(authPluginNative)); err != nil {
			return
		}
		if _, err := pio.readPacket(); err != nil {
			return
		}
		errPkt := []byte{markerErr, 0x15, 0x04}
		errPkt = append(errPkt, "#28000"...)
		errPkt = append(errPkt, "Access denied"...)
		_ = pio.writePacket(errPkt)
	})

	loop := newTestLoop(t)
	_, err := eventloop.Run(loop, Connect(context.Background(), loop, testConnConfig(t, addr)))
	if err == nil {
		t.Fatal("Connect() error = nil, want a rejection from the server's ERR packet")
	}
}

func TestConnect_InvalidConfigRejectsWithoutDialing(t *testing.T) {
	loop := newTestLoop(t)
	cfg := Config{Host: "", Port: 0, User: "", Database: ""}
	_, err := eventloop.Run(loop, Connect(context.Background(), loop, cfg))
	if err == nil {
		t.Fatal("Connect() error = nil, want a validation error for an empty config")
	}
}

func TestConn_PingRoundTripResetsSequencePerCommand(t *testing.T) {
	addr := startFakeConnServer(t, func(pio *packetIO) {
		if err := pio.writePacket(buildFakeHandshakePacket(authPluginNative)); err != nil {
			return
		}
		if _, err := pio.readPacket(); err != nil {
			return
		}
		if err := pio.writePacket([]byte{markerOK}); err != nil {
			return
		}

		// I10: a new command restarts the sequence id at 0.
		pio.resetSequence()
		pkt, err := pio.readPacket()
		if err != nil || len(pkt) == 0 || pkt[0] != comPing {
			return
		}
		_ = pio.writePacket([]byte{markerOK})
	})

	loop := newTestLoop(t)
	cfg := testConnConfig(t, addr)

	op := func() *eventloop.Promise {
		result, resolve, reject := eventloop.NewPromise(loop)
		Connect(context.Background(), loop, cfg).Then(func(v eventloop.Result) eventloop.Result {
			conn := v.(*Conn)
			conn.Ping(context.Background()).Then(func(eventloop.Result) eventloop.Result {
				_ = conn.Close()
				resolve(nil)
				return nil
			}, func(r eventloop.Result) eventloop.Result {
				_ = conn.Close()
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

	if _, err := eventloop.Run(loop, eventloop.Thunk(op)); err != nil {
		t.Fatalf("connect+ping sequence failed: %v", err)
	}
}
