package mysql

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/joeycumines/go-asyncrt/eventloop"
)

// Config is the connection-parameter tuple this package validates eagerly
// (spec.md's "fail construction, not first use" rule), matching the struct
// tag style mysqlpool.Config uses for the same rule at the pool layer.
type Config struct {
	Host     string `validate:"required"`
	Port     int    `validate:"required,gt=0"`
	User     string `validate:"required"`
	Password string
	Database string            `validate:"required"`
	Params   map[string]string `validate:"omitempty"`
	TLS      *tls.Config       `validate:"-"`
	Timeout  time.Duration
}

var validate = validator.New()

// Validate reports the first struct-tag violation, if any.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return &eventloop.InvalidConfig{Message: "invalid mysql config", Cause: err}
	}
	return nil
}

func (c Config) addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Stats exposes cumulative byte counters for observability (spec.md
// supplement, wired to the same registry pattern the event loop uses for
// its own metrics).
type Stats struct {
	BytesSent     uint64
	BytesReceived uint64
}

// Conn is a single MySQL connection. Every operation returns a promise;
// exactly one command round trip is ever in flight on the wire at a time,
// enforced by an internal asyncMutex rather than the wire itself.
type Conn struct {
	loop *eventloop.Loop
	cfg  Config
	net  net.Conn
	pio  *packetIO
	mu   *asyncMutex

	capabilities uint32
	closed       atomic.Bool
}

// Connect dials cfg.addr(), performs the handshake/authentication, and
// resolves to a ready *Conn.
func Connect(ctx context.Context, loop *eventloop.Loop, cfg Config) *eventloop.Promise {
	if err := cfg.Validate(); err != nil {
		p, _, reject := eventloop.NewPromise(loop)
		reject(err)
		return p
	}

	return loop.Promisify(ctx, func(ctx context.Context) (any, error) {
		dialer := net.Dialer{Timeout: cfg.Timeout}
		rawConn, err := dialer.DialContext(ctx, "tcp", cfg.addr())
		if err != nil {
			return nil, &eventloop.ConnectionClosed{Message: "dialing mysql server", Cause: err}
		}

		pio := newPacketIO(rawConn)
		caps, err := performHandshake(pio, cfg)
		if err != nil {
			_ = rawConn.Close()
			return nil, err
		}

		c := &Conn{
			loop:         loop,
			cfg:          cfg,
			net:          rawConn,
			pio:          pio,
			mu:           newAsyncMutex(loop),
			capabilities: caps,
		}
		return c, nil
	})
}

// performHandshake runs the blocking handshake/auth exchange over a freshly
// dialed connection, grounded on the retrieval pack's MySQL pool-connection
// authenticator (read HandshakeV10, compute a plugin-specific scramble,
// send HandshakeResponse41, handle OK/ERR/AuthSwitchRequest), extended with
// caching_sha2_password's AuthMoreData fast/full-auth dispatch per the
// spec's resolution of Q1/the protocol's ambiguity there.
func performHandshake(pio *packetIO, cfg Config) (uint32, error) {
	pkt, err := pio.readPacket()
	if err != nil {
		return 0, err
	}
	hs, err := parseHandshakeV10(pkt)
	if err != nil {
		return 0, err
	}

	authResp, err := scrambleForPlugin(hs.pluginName, cfg.Password, hs.authData)
	if err != nil {
		return 0, err
	}

	// pio.seq is already 1 here: readPacket left it incremented past the
	// handshake packet's sequence id 0, which is exactly where
	// HandshakeResponse41 belongs.
	response := buildHandshakeResponse41(cfg.User, cfg.Database, authResp, hs.pluginName)
	if err := pio.writePacket(response); err != nil {
		return 0, err
	}

	pkt, err = pio.readPacket()
	if err != nil {
		return 0, err
	}
	return hs.capabilities, handleAuthResult(pio, cfg, hs, pkt)
}

// handleAuthResult dispatches on the first byte of the server's reply to
// HandshakeResponse41: OK, ERR, AuthSwitchRequest (0xfe), or AuthMoreData
// (0x01, caching_sha2_password's fast/full-auth signal).
func handleAuthResult(pio *packetIO, cfg Config, hs *handshake, pkt []byte) error {
	if len(pkt) == 0 {
		return &eventloop.ProtocolError{Message: "empty auth result"}
	}
	switch pkt[0] {
	case markerOK:
		return nil
	case markerErr:
		return parseErrPacket(pkt)
	case markerAuthMore:
		return handleCachingSHA2(pio, cfg, hs, pkt)
	case 0xfe: // AuthSwitchRequest
		return handleAuthSwitch(pio, cfg, pkt)
	default:
		return &eventloop.AuthError{Message: "unexpected auth response byte"}
	}
}

func handleAuthSwitch(pio *packetIO, cfg Config, pkt []byte) error {
	nameEnd := 1
	for nameEnd < len(pkt) && pkt[nameEnd] != 0 {
		nameEnd++
	}
	plugin := string(pkt[1:nameEnd])
	var switchData []byte
	if nameEnd+1 < len(pkt) {
		switchData = pkt[nameEnd+1:]
		if len(switchData) > 0 && switchData[len(switchData)-1] == 0 {
			switchData = switchData[:len(switchData)-1]
		}
	}

	resp, err := scrambleForPlugin(plugin, cfg.Password, switchData)
	if err != nil {
		return err
	}
	if err := pio.writePacket(resp); err != nil {
		return err
	}

	result, err := pio.readPacket()
	if err != nil {
		return err
	}
	if len(result) == 0 || result[0] != markerOK {
		if len(result) > 0 && result[0] == markerErr {
			return parseErrPacket(result)
		}
		return &eventloop.AuthError{Message: "mysql auth failed after plugin switch"}
	}
	return nil
}

// handleCachingSHA2 implements caching_sha2_password's AuthMoreData
// sub-protocol: sub-command 0x03 means the fast-auth token was accepted
// (an OK packet follows); 0x04 requires full authentication, which sends
// the cleartext password RSA-encrypted against the server's public key.
func handleCachingSHA2(pio *packetIO, cfg Config, hs *handshake, pkt []byte) error {
	if len(pkt) < 2 {
		return &eventloop.ProtocolError{Message: "malformed AuthMoreData"}
	}
	switch pkt[1] {
	case 0x03: // fast-auth success
		result, err := pio.readPacket()
		if err != nil {
			return err
		}
		if len(result) > 0 && result[0] == markerErr {
			return parseErrPacket(result)
		}
		return nil
	case 0x04: // full authentication required
		// Request the server's RSA public key.
		if err := pio.writePacket([]byte{0x02}); err != nil {
			return err
		}
		keyPkt, err := pio.readPacket()
		if err != nil {
			return err
		}
		if len(keyPkt) < 2 {
			return &eventloop.ProtocolError{Message: "malformed RSA public key response"}
		}
		ciphertext, err := encryptPasswordRSA(cfg.Password, hs.authData, keyPkt[1:])
		if err != nil {
			return err
		}
		if err := pio.writePacket(ciphertext); err != nil {
			return err
		}
		result, err := pio.readPacket()
		if err != nil {
			return err
		}
		if len(result) == 0 || result[0] != markerOK {
			if len(result) > 0 && result[0] == markerErr {
				return parseErrPacket(result)
			}
			return &eventloop.AuthError{Message: "mysql full authentication failed"}
		}
		return nil
	default:
		return &eventloop.ProtocolError{Message: "unrecognized caching_sha2_password sub-command"}
	}
}

// roundTrip serializes fn (a single command's write+read) against every
// other in-flight operation on c via the async mutex, resets the sequence
// id before fn runs (I10), and runs fn on a Promisify'd goroutine so the
// blocking net.Conn calls never touch the loop thread.
func (c *Conn) roundTrip(ctx context.Context, fn func(pio *packetIO) (any, error)) *eventloop.Promise {
	result, resolve, reject := eventloop.NewPromise(c.loop)

	c.mu.lock().Then(func(eventloop.Result) eventloop.Result {
		inner := c.loop.Promisify(ctx, func(ctx context.Context) (any, error) {
			c.pio.resetSequence()
			return fn(c.pio)
		})
		inner.Then(func(v eventloop.Result) eventloop.Result {
			c.mu.unlock()
			resolve(v)
			return nil
		}, func(r eventloop.Result) eventloop.Result {
			c.mu.unlock()
			reject(r)
			return nil
		})
		return nil
	}, nil)

	return result
}

// Query runs a text-protocol query, resolving to *Rows if it returns a
// result set, or *OKResult otherwise.
func (c *Conn) Query(ctx context.Context, query string) *eventloop.Promise {
	return c.roundTrip(ctx, func(pio *packetIO) (any, error) {
		payload := append([]byte{comQuery}, query...)
		if err := pio.writePacket(payload); err != nil {
			return nil, err
		}
		pkt, err := pio.readPacket()
		if err != nil {
			return nil, err
		}
		if len(pkt) == 0 {
			return nil, &eventloop.ProtocolError{Message: "empty query response"}
		}
		switch pkt[0] {
		case markerErr:
			return nil, parseErrPacket(pkt)
		case markerOK:
			return parseOKPacket(pkt)
		default:
			return readResultSet(pkt, pio, c.capabilities&clientCapabilities&clientDeprecateEOF != 0)
		}
	})
}

// Exec runs query and discards any result set rows, resolving to *OKResult.
func (c *Conn) Exec(ctx context.Context, query string) *eventloop.Promise {
	result, resolve, reject := eventloop.NewPromise(c.loop)
	c.Query(ctx, query).Then(func(v eventloop.Result) eventloop.Result {
		switch r := v.(type) {
		case *OKResult:
			resolve(r)
		case *Rows:
			resolve(&OKResult{})
		default:
			resolve(v)
		}
		return nil
	}, func(r eventloop.Result) eventloop.Result {
		reject(r)
		return nil
	})
	return result
}

// Ping performs a cheap COM_PING round trip, used by mysqlpool to validate
// idle connections before handing them out.
func (c *Conn) Ping(ctx context.Context) *eventloop.Promise {
	return c.roundTrip(ctx, func(pio *packetIO) (any, error) {
		if err := pio.writePacket([]byte{comPing}); err != nil {
			return nil, err
		}
		pkt, err := pio.readPacket()
		if err != nil {
			return nil, err
		}
		if len(pkt) > 0 && pkt[0] == markerErr {
			return nil, parseErrPacket(pkt)
		}
		return nil, nil
	})
}

// Stats returns cumulative bytes sent/received over the lifetime of the
// connection.
func (c *Conn) Stats() Stats {
	return Stats{BytesSent: c.pio.bytesSent, BytesReceived: c.pio.bytesRecv}
}

// Close sends COM_QUIT best-effort and closes the underlying socket. Close
// is idempotent.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.pio.resetSequence()
	_ = c.pio.writePacket([]byte{comQuit})
	return c.net.Close()
}
