package msgr

import (
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

// Accepter binds a listening socket and hands every accepted connection to
// the registry for the server-role handshake (spec.md §4.1), grounded on
// the teacher's deadline-polled accept loop (cla/tcpcl/listener.go,
// cla/tcpcl/server.go) but generalized from a single fixed address to the
// bind-family-fallback/port-range/rebind behavior of
// original_source/src/msg/Accepter.cc (SPEC_FULL.md §4.1).
type Accepter struct {
	registry Registry
	cfg      PipeConfig

	bindIPv6 bool
	portMin  int
	portMax  int

	ln   net.Listener
	addr PeerAddr

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewAccepter creates an Accepter that will hand accepted connections to
// registry using cfg as the per-pipe configuration template.
func NewAccepter(registry Registry, cfg PipeConfig, bindIPv6 bool, portMin, portMax int) *Accepter {
	return &Accepter{
		registry: registry,
		cfg:      cfg,
		bindIPv6: bindIPv6,
		portMin:  portMin,
		portMax:  portMax,
		stopSyn:  make(chan struct{}),
		stopAck:  make(chan struct{}),
	}
}

// Bind creates a stream socket in the configured family (tcp6 when bindIPv6
// is set, else tcp4), binding to port if nonzero, otherwise scanning
// [portMin, portMax] while skipping avoidA/avoidB, and records and returns
// the effective address with the registry's nonce (spec.md §4.1 "bind").
// It does not change the registry's LocalAddr.
func (a *Accepter) Bind(host string, port, avoidA, avoidB int) (PeerAddr, error) {
	network := "tcp4"
	if a.bindIPv6 {
		network = "tcp6"
	}

	if port != 0 {
		ln, err := net.Listen(network, fmt.Sprintf("%s:%d", host, port))
		if err != nil {
			return PeerAddr{}, err
		}
		return a.finishBind(ln)
	}

	for p := a.portMin; p <= a.portMax; p++ {
		if p == avoidA || p == avoidB {
			continue
		}
		ln, err := net.Listen(network, fmt.Sprintf("%s:%d", host, p))
		if err != nil {
			continue
		}
		return a.finishBind(ln)
	}
	return PeerAddr{}, fmt.Errorf("msgr: no free port in [%d, %d]", a.portMin, a.portMax)
}

func (a *Accepter) finishBind(ln net.Listener) (PeerAddr, error) {
	a.ln = ln
	tcpAddr := ln.Addr().(*net.TCPAddr)
	local := a.registry.LocalAddr()
	fam, bytes := familyAndBytes(tcpAddr.IP)
	a.addr = NewPeerAddr(fam, bytes[:], uint16(tcpAddr.Port), local.Nonce)
	return a.addr, nil
}

// Start launches the accept loop in its own goroutine. Bind must have
// already succeeded.
func (a *Accepter) Start() {
	go a.run(a.ln)
}

func (a *Accepter) run(ln net.Listener) {
	failures := 0
	for {
		select {
		case <-a.stopSyn:
			_ = ln.Close()
			close(a.stopAck)
			return
		default:
		}

		if tl, ok := ln.(*net.TCPListener); ok {
			if err := tl.SetDeadline(time.Now().Add(200 * time.Millisecond)); err != nil {
				log.WithError(err).Warn("accepter: failed to set accept deadline")
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			failures++
			log.WithError(err).WithField("failures", failures).Warn("accepter: accept failed")
			if failures >= 4 {
				log.Error("accepter: four consecutive accept failures, stopping")
				_ = ln.Close()
				close(a.stopAck)
				return
			}
			continue
		}
		failures = 0

		go acceptPipe(conn, a.registry, a.cfg)
	}
}

// Stop sets the shutdown flag and joins the accept loop, which notices the
// flag within one 200ms accept deadline and closes the listener (spec.md
// §4.1 "stop").
func (a *Accepter) Stop() {
	close(a.stopSyn)
	<-a.stopAck
}

// Rebind stops the accepter, forgets the learned address, and re-binds
// using the old port as an additional avoid-port (spec.md §4.1 "rebind").
func (a *Accepter) Rebind(host string, avoidPort int) (PeerAddr, error) {
	oldPort := int(a.addr.Port)
	a.Stop()
	a.addr = PeerAddr{}
	a.stopSyn = make(chan struct{})
	a.stopAck = make(chan struct{})

	addr, err := a.Bind(host, 0, avoidPort, oldPort)
	if err != nil {
		return PeerAddr{}, err
	}
	a.Start()
	return addr, nil
}
