// gatewaynet.go - quic-go transport for gateway-to-gateway broadcast.
// SPDX-License-Identifier: AGPL-3.0-only

// Package gatewaynet binds internal/broadcast.Transport to quic-go,
// mirroring the QUIC dial/accept-stream shape of the teacher's
// sockatz/common.QUICProxyConn (quic.Listen/quic.Dial followed by
// AcceptStream/OpenStream), but over plain UDP addresses rather than a
// packet-conn proxy, and carrying CBOR-encoded broadcast.Message frames
// instead of raw proxied bytes.
package gatewaynet

import (
	"context"
	"crypto/tls"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/quic-go/quic-go"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/nymproject/mixcore/internal/broadcast"
)

var log = logging.MustGetLogger("gatewaynet")

const alpn = "nymmix-broadcast-v1"

// Dialer opens one long-lived QUIC stream per peer address and keeps it
// open across multiple SendTo calls, reopening on failure.
type Dialer struct {
	tlsConf *tls.Config
	qConf   *quic.Config

	mu    sync.Mutex
	conns map[string]*peerConn
}

type peerConn struct {
	mu     sync.Mutex
	conn   *quic.Conn
	stream *quic.Stream
}

func NewDialer(tlsConf *tls.Config) *Dialer {
	conf := tlsConf.Clone()
	conf.NextProtos = []string{alpn}
	return &Dialer{tlsConf: conf, qConf: &quic.Config{}, conns: make(map[string]*peerConn)}
}

var _ broadcast.Transport = (*Dialer)(nil)

// SendTo implements broadcast.Transport: CBOR-encode m and write it as
// one length-prefixed frame on peerAddr's stream, dialing lazily on
// first use.
func (d *Dialer) SendTo(ctx context.Context, peerAddr string, m broadcast.Message) error {
	pc, err := d.connFor(ctx, peerAddr)
	if err != nil {
		return err
	}

	enc, err := cbor.Marshal(m)
	if err != nil {
		return err
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()
	if err := writeFrame(pc.stream, enc); err != nil {
		d.dropConn(peerAddr)
		return err
	}
	return nil
}

func (d *Dialer) connFor(ctx context.Context, peerAddr string) (*peerConn, error) {
	d.mu.Lock()
	pc, ok := d.conns[peerAddr]
	d.mu.Unlock()
	if ok {
		return pc, nil
	}

	conn, err := quic.DialAddr(ctx, peerAddr, d.tlsConf, d.qConf)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream failed")
		return nil, err
	}

	pc = &peerConn{conn: conn, stream: stream}
	d.mu.Lock()
	d.conns[peerAddr] = pc
	d.mu.Unlock()
	return pc, nil
}

func (d *Dialer) dropConn(peerAddr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pc, ok := d.conns[peerAddr]; ok {
		pc.conn.CloseWithError(0, "stream write failed")
		delete(d.conns, peerAddr)
	}
}

func (d *Dialer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for addr, pc := range d.conns {
		pc.conn.CloseWithError(0, "shutting down")
		delete(d.conns, addr)
	}
}

// Listener accepts inbound broadcast streams from peer gateways and
// dispatches each decoded message to handle.
type Listener struct {
	ln      *quic.Listener
	handle  func(ctx context.Context, m broadcast.Message) error
	closeCh chan struct{}
	once    sync.Once
}

// Listen binds addr and starts accepting peer connections, grounded in
// sockatz/common.QUICProxyConn.Accept's listen/accept-stream loop.
func Listen(addr string, tlsConf *tls.Config, handle func(ctx context.Context, m broadcast.Message) error) (*Listener, error) {
	conf := tlsConf.Clone()
	conf.NextProtos = []string{alpn}

	ln, err := quic.ListenAddr(addr, conf, &quic.Config{})
	if err != nil {
		return nil, err
	}
	l := &Listener{ln: ln, handle: handle, closeCh: make(chan struct{})}
	go l.acceptLoop()
	return l, nil
}

func (l *Listener) acceptLoop() {
	ctx := context.Background()
	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			select {
			case <-l.closeCh:
				return
			default:
				log.Warningf("gatewaynet: accept failed: %v", err)
				return
			}
		}
		go l.handleConn(ctx, conn)
	}
}

func (l *Listener) handleConn(ctx context.Context, conn *quic.Conn) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go l.handleStream(ctx, stream)
	}
}

func (l *Listener) handleStream(ctx context.Context, stream *quic.Stream) {
	for {
		payload, err := readFrame(stream)
		if err != nil {
			if err != io.EOF {
				log.Debugf("gatewaynet: stream read ended: %v", err)
			}
			return
		}
		var m broadcast.Message
		if err := cbor.Unmarshal(payload, &m); err != nil {
			log.Warningf("gatewaynet: dropping malformed frame: %v", err)
			continue
		}
		if err := l.handle(ctx, m); err != nil {
			log.Debugf("gatewaynet: handler error: %v", err)
		}
	}
}

func (l *Listener) Close() error {
	l.once.Do(func() { close(l.closeCh) })
	return l.ln.Close()
}

// writeFrame/readFrame apply a 4-byte big-endian length prefix, the
// simplest possible message boundary over a QUIC stream's byte pipe.
func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	n := len(payload)
	lenBuf[0] = byte(n >> 24)
	lenBuf[1] = byte(n >> 16)
	lenBuf[2] = byte(n >> 8)
	lenBuf[3] = byte(n)
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := int(lenBuf[0])<<24 | int(lenBuf[1])<<16 | int(lenBuf[2])<<8 | int(lenBuf[3])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
