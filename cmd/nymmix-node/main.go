// main.go - mix node executable: Sphinx Processor + forwarder + health.
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/nymproject/mixcore/internal/config"
	"github.com/nymproject/mixcore/internal/forwarder"
	"github.com/nymproject/mixcore/internal/frame"
	"github.com/nymproject/mixcore/internal/health"
	"github.com/nymproject/mixcore/internal/keys"
	"github.com/nymproject/mixcore/internal/ports"
	"github.com/nymproject/mixcore/internal/processor"
	"github.com/nymproject/mixcore/internal/replay"
	"github.com/nymproject/mixcore/internal/storage/boltstore"
)

var log = logging.MustGetLogger("nymmix-node")

func main() {
	var configPath, dbPath string
	flag.StringVar(&configPath, "config", "node.toml", "node configuration file")
	flag.StringVar(&dbPath, "db", "node.db", "bbolt mailbox/bandwidth database path")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Warningf("falling back to defaults: %v", err)
		cfg = config.Default()
	}

	ks, err := keys.NewKeySet(rand.Reader)
	if err != nil {
		log.Fatalf("generating key set: %v", err)
	}

	store, err := boltstore.Open(dbPath)
	if err != nil {
		log.Fatalf("opening storage: %v", err)
	}
	defer store.Close()

	fwdQueue := forwarder.NewQueue(1 << 16)
	defer fwdQueue.Close()
	egress := newEgressDialer()
	defer egress.Close()

	filter := replay.New(replay.DefaultConfig())
	sink := &finalHopLogger{storage: store}

	proc := processor.New(processor.Config{
		MaxDelay:          cfg.MaximumPacketDelay.Duration(),
		ReplayDeferral:    replay.DefaultConfig(),
		ForwarderCapacity: 1 << 16,
	}, ks, filter, fwdQueue, sink, store)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		drainForwarder(fwdQueue, egress)
	}()

	monitor := health.NewMonitor(5*time.Second,
		health.Check{Name: "replay-filter", Check: func() error { return filter.HealthCheck() }},
	)
	monitor.Start()
	defer monitor.Stop()

	mux := http.NewServeMux()
	mux.Handle("/health", monitor)
	httpSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.HTTPPort), Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warningf("health endpoint stopped: %v", err)
		}
	}()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.MixPort))
	if err != nil {
		log.Fatalf("binding mix port: %v", err)
	}
	log.Infof("nymmix-node listening on %s", ln.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	wg.Add(1)
	go func() {
		defer wg.Done()
		acceptLoop(ctx, ln, proc)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	<-sigCh

	log.Info("shutting down")
	cancel()
	ln.Close()
	httpSrv.Close()
	wg.Wait()
}

func acceptLoop(ctx context.Context, ln net.Listener, proc *processor.Processor) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Warningf("accept failed: %v", err)
				return
			}
		}
		go func() {
			defer conn.Close()
			stream := proc.NewStream(conn)
			if err := stream.HandleStream(ctx); err != nil {
				log.Debugf("stream from %s ended: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

// drainForwarder pulls due packets off the forwarder queue and writes
// each as one framed egress send, one goroutine per packet so that a
// slow or wedged next hop never stalls the queue's delay-heap goroutine.
func drainForwarder(q *forwarder.Queue, egress *egressDialer) {
	for {
		pkt, ok := q.Next()
		if !ok {
			return
		}
		go egress.send(pkt)
	}
}

// finalHopLogger is the FinalHopSink used when no live client channel is
// registered: it always persists to storage, matching the "try_push then
// fall back to Storage.store_message" path of spec.md §4.A step 6 for a
// node with no attached client sessions.
type finalHopLogger struct {
	storage *boltstore.Store
}

func (f *finalHopLogger) TryPush(clientAddr string, payload []byte) error {
	return &ports.WouldBlockError{Payload: payload}
}

// egressDialer dials next-hop addresses lazily and keeps one TCP
// connection per address for the forwarder's drain loop to write
// framed packets to.
type egressDialer struct {
	mu    sync.Mutex
	conns map[string]net.Conn
}

func newEgressDialer() *egressDialer {
	return &egressDialer{conns: make(map[string]net.Conn)}
}

func (e *egressDialer) send(pkt ports.MixPacket) {
	conn, err := e.connFor(pkt.NextHopAddress)
	if err != nil {
		log.Warningf("egress: dialing %s: %v", pkt.NextHopAddress, err)
		return
	}

	f := &frame.Frame{Type: frame.TypeMix, Size: frame.SizeRegular, Body: pkt.SphinxPayload}
	encoded, err := frame.Encode(f)
	if err != nil {
		log.Warningf("egress: encoding frame for %s: %v", pkt.NextHopAddress, err)
		return
	}
	if _, err := conn.Write(encoded); err != nil {
		log.Warningf("egress: writing to %s: %v", pkt.NextHopAddress, err)
		e.drop(pkt.NextHopAddress)
	}
}

func (e *egressDialer) connFor(addr string) (net.Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.conns[addr]; ok {
		return c, nil
	}
	c, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, err
	}
	e.conns[addr] = c
	return c, nil
}

func (e *egressDialer) drop(addr string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.conns[addr]; ok {
		c.Close()
		delete(e.conns, addr)
	}
}

func (e *egressDialer) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for addr, c := range e.conns {
		c.Close()
		delete(e.conns, addr)
	}
}
