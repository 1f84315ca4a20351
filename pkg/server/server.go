package server

import (
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/crystal-mush/mushcore/pkg/events"
	"github.com/crystal-mush/mushcore/pkg/resolver"
	"github.com/crystal-mush/mushcore/pkg/world"
)

// LoginResult is the session handler's verdict on one pre-auth line.
type LoginResult int

const (
	LoginPending LoginResult = iota // Keep talking
	LoginOK                         // Handler bound d.Player
	LoginBoot                       // Refused; drop the connection
)

// SessionHandler owns the login conversation on pending descriptors. A
// LoginOK result means the handler has already stored the player on the
// descriptor; the loop finishes the state transition.
type SessionHandler interface {
	LoginCommand(d *Descriptor, line string) LoginResult
}

// SiteHistory records which sites a player has connected from.
type SiteHistory interface {
	Append(player world.DBRef, site string, when time.Time) error
}

type acceptMsg struct {
	conn net.Conn
	err  error
}

type inputMsg struct {
	d    *Descriptor
	data []byte
	err  error
}

// Server is the runtime core: it owns the descriptor registry and the
// command queue, and drives both from a single loop goroutine. Reader and
// accept goroutines never touch that state; they only feed the loop's
// channels.
type Server struct {
	cfg     *Config
	store   world.Store
	hooks   world.Hooks
	session SessionHandler
	queue   *CommandQueue
	bus     *events.Bus
	sites   *SiteList
	res     *resolver.Worker
	hist    SiteHistory
	metrics *Metrics

	conns  registry
	nextID int

	listeners []net.Listener
	acceptCh  chan acceptMsg
	inputCh   chan inputMsg

	shutdownFlag  atomic.Bool
	emergencyFlag atomic.Bool

	sliceStart    time.Time
	lastTimerTick time.Time
}

// NewServer wires the runtime core together. The dispatcher receives every
// executed queue entry; the session handler owns pre-auth descriptors.
func NewServer(cfg *Config, store world.Store, hooks world.Hooks, session SessionHandler, dispatch Dispatcher) *Server {
	s := &Server{
		cfg:      cfg,
		store:    store,
		hooks:    hooks,
		session:  session,
		bus:      events.NewBus(),
		sites:    &SiteList{},
		res:      resolver.New(cfg.ResolverDepth),
		acceptCh: make(chan acceptMsg, 16),
		inputCh:  make(chan inputMsg, 256),
	}
	s.queue = NewCommandQueue(store, dispatch, cfg.WaitCost, cfg.PIDMax)
	s.metrics = NewMetrics(s, time.Now())
	return s
}

// Queue exposes the command queue to the dispatch layer.
func (s *Server) Queue() *CommandQueue { return s.queue }

// Bus exposes the session event bus.
func (s *Server) Bus() *events.Bus { return s.bus }

// Sites exposes the admission rules.
func (s *Server) Sites() *SiteList { return s.sites }

// SetHistory installs the site-history store. Optional.
func (s *Server) SetHistory(h SiteHistory) { s.hist = h }

// Shutdown requests a graceful stop; the loop notices on its next tick.
func (s *Server) Shutdown() { s.shutdownFlag.Store(true) }

// EmergencyShutdown requests the fast path: queued output is abandoned and
// every socket gets one literal goodbye before being force-closed.
func (s *Server) EmergencyShutdown() { s.emergencyFlag.Store(true) }

// Run drives the event loop until shutdown or a fatal listener loss.
func (s *Server) Run() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on %d: %w", s.cfg.Port, err)
	}
	s.listeners = append(s.listeners, ln)
	log.Printf("NET: listening on %s", ln.Addr())

	if s.cfg.TLSPort > 0 {
		cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
		if err != nil {
			return fmt.Errorf("load TLS keypair: %w", err)
		}
		tcfg := &tls.Config{Certificates: []tls.Certificate{cert}}
		tln, err := tls.Listen("tcp", fmt.Sprintf(":%d", s.cfg.TLSPort), tcfg)
		if err != nil {
			return fmt.Errorf("TLS listen on %d: %w", s.cfg.TLSPort, err)
		}
		s.listeners = append(s.listeners, tln)
		log.Printf("NET: TLS listening on %s", tln.Addr())
	}

	if s.cfg.SiteFile != "" {
		if err := s.sites.Load(s.cfg.SiteFile); err != nil {
			return err
		}
		s.sites.Watch(s.cfg.SiteFile)
	}
	if s.cfg.MetricsPort > 0 {
		s.metrics.Serve(s.cfg.MetricsPort)
	}
	if s.cfg.WebPort > 0 {
		s.ServeWebSocket(s.cfg.WebPort)
	}
	for _, l := range s.listeners {
		go s.acceptLoop(l)
	}
	s.res.Start()

	now := time.Now()
	s.sliceStart = now
	s.lastTimerTick = now
	err = s.loop()
	for _, l := range s.listeners {
		l.Close()
	}
	s.res.Shutdown()
	return err
}

func (s *Server) loop() error {
	slice := time.Duration(s.cfg.TimesliceMS) * time.Millisecond
	for {
		now := time.Now()
		s.updateQuotas(now, slice)
		s.hooks.ProcessReadyCommands()
		if now.Sub(s.lastTimerTick) >= time.Second {
			s.queue.TickTimers()
			s.hooks.ProcessPeriodicEvents()
			s.lastTimerTick = now
		}

		busy := s.processCommands(now)
		if busy {
			s.queue.Run(s.cfg.ActiveQChunk)
		} else {
			s.queue.Run(s.cfg.QueueChunk)
		}

		if s.emergencyFlag.Load() {
			s.closeSockets(true, "Emergency shutdown.")
			return nil
		}
		if s.shutdownFlag.Load() {
			s.closeSockets(false, "Going down - Bye.")
			return nil
		}

		s.flushAll()

		// At most one resolver reply per tick keeps name lookups from
		// ever dominating a busy loop.
		select {
		case reply, ok := <-s.res.Replies():
			if ok {
				s.applyResolution(reply)
			}
		default:
		}

		timeout := s.queue.NextWakeup()
		if rem := s.sliceStart.Add(slice).Sub(time.Now()); rem < timeout {
			timeout = rem
		}
		if timeout < 0 {
			timeout = 0
		}

		if err := s.poll(timeout); err != nil {
			s.closeSockets(true, "Going down - Bye.")
			return err
		}
	}
}

// poll blocks up to timeout for accepts and input, then services whatever
// else is already ready without blocking again.
func (s *Server) poll(timeout time.Duration) error {
	// Descriptor slots exhausted: stop consuming accepts, which makes
	// the accept goroutine block and the listen backlog absorb the rest.
	// Consumption resumes automatically once a slot frees.
	acceptC := s.acceptCh
	if s.conns.len() >= s.cfg.MaxDescriptors {
		acceptC = nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m := <-acceptC:
		if m.err != nil {
			return fmt.Errorf("listening socket lost: %w", m.err)
		}
		s.accept(m.conn)
	case im := <-s.inputCh:
		s.handleInput(im)
	case <-timer.C:
		return nil
	}

	for i := 0; i < 128; i++ {
		select {
		case m := <-acceptC:
			if m.err != nil {
				return fmt.Errorf("listening socket lost: %w", m.err)
			}
			s.accept(m.conn)
		case im := <-s.inputCh:
			s.handleInput(im)
		default:
			return nil
		}
	}
	return nil
}

// updateQuotas tops up every descriptor's command quota for each fairness
// slice that has fully elapsed.
func (s *Server) updateQuotas(now time.Time, slice time.Duration) {
	elapsed := now.Sub(s.sliceStart)
	if elapsed < slice {
		return
	}
	nslices := int(elapsed / slice)
	s.conns.each(func(d *Descriptor) {
		d.Quota += s.cfg.CmdQuotaIncr * nslices
		if d.Quota > s.cfg.CmdQuotaMax {
			d.Quota = s.cfg.CmdQuotaMax
		}
	})
	s.sliceStart = s.sliceStart.Add(time.Duration(nslices) * slice)
}

// processCommands drains completed input lines, quota permitting: login
// lines go to the session handler, in-game lines become immediate queue
// entries. Reports whether any descriptor had work.
func (s *Server) processCommands(now time.Time) bool {
	any := false
	var booted []*Descriptor
	s.conns.each(func(d *Descriptor) {
		boot := false
		for d.Quota > 0 && !boot {
			cmd, ok := d.nextCommand()
			if !ok {
				break
			}
			any = true
			if cmd == "IDLE" {
				// Keepalive: spends quota but is neither dispatched
				// nor treated as activity, so idle timers still fire.
				d.Quota--
				continue
			}
			d.LastCmd = now
			d.CmdCount++
			s.metrics.commandsTotal.Inc()
			d.Quota--
			if d.State == ConnPending {
				switch s.session.LoginCommand(d, cmd) {
				case LoginOK:
					s.bindPlayer(d)
				case LoginBoot:
					booted = append(booted, d)
					boot = true
				}
			} else {
				if _, err := s.queue.EnqueueInput(d, cmd); err != nil {
					d.queueString(queueRefusal(err))
				}
			}
		}
	})
	for _, d := range booted {
		s.disconnect(d, ReasonLoginRetry)
	}
	return any
}

func queueRefusal(err error) string {
	switch err {
	case ErrNoFunds:
		return "You don't have enough money to queue that."
	case ErrQueueLimit:
		return "Run away objects: too many commands queued. Halted."
	case ErrPIDExhausted:
		return "The queue is full. Try again later."
	case ErrHalted:
		return "You are halted and may not queue commands."
	default:
		return "Your command could not be queued."
	}
}

// bindPlayer finishes an authentication: state flip, site history,
// connect event.
func (s *Server) bindPlayer(d *Descriptor) {
	d.State = ConnPlaying
	s.recordSiteHistory(d)
	s.bus.Emit(events.Event{
		Type:   events.EvConnect,
		Player: d.Player,
		Desc:   d.ID,
		Addr:   d.Addr,
	})
	log.Printf("NET: [%d] %s logged in as #%d", d.ID, d.Addr, d.Player)
}

// accept admission-checks a fresh socket and installs a descriptor.
func (s *Server) accept(conn net.Conn) {
	var peer netip.Addr
	if ap, err := netip.ParseAddrPort(conn.RemoteAddr().String()); err == nil {
		peer = ap.Addr().Unmap()
	}
	access := s.sites.Check(peer)
	if access == SiteForbid {
		log.Printf("NET: rejected connection from %s (forbidden site)", conn.RemoteAddr())
		s.metrics.connectionsTotal.WithLabelValues("rejected").Inc()
		conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		conn.Write([]byte(s.cfg.RejectText + "\r\n"))
		conn.Close()
		s.bus.Emit(events.Event{Type: events.EvReject, Player: world.Nothing, Addr: peer.String()})
		return
	}

	s.nextID++
	d := newDescriptor(s.nextID, conn, s.cfg.CmdQuotaMax)
	d.Access = access
	d.Timeout = time.Duration(s.cfg.IdleTimeout) * time.Second
	s.conns.add(d)
	s.metrics.connectionsTotal.WithLabelValues("accepted").Inc()
	s.metrics.connections.Set(float64(s.conns.len()))

	go s.readLoop(d)
	if d.IPAddr.IsValid() {
		s.res.Request(d.IPAddr, d.Port)
	}
	d.queueString(s.cfg.WelcomeText)
	log.Printf("NET: [%d] accepted connection from %s (%s)", d.ID, d.Addr, access)
}

// handleInput folds one reader message into its descriptor. Messages for
// descriptors already torn down are dropped.
func (s *Server) handleInput(m inputMsg) {
	d := m.d
	if s.conns.find(d.ID) != d {
		return
	}
	if m.err != nil {
		s.disconnect(d, ReasonNetFailure)
		return
	}
	d.processInput(m.data)
	s.metrics.bytesRecvTotal.Add(float64(len(m.data)))
}

// flushAll drains queued output everywhere, tearing down descriptors whose
// socket has died.
func (s *Server) flushAll() {
	var dead []*Descriptor
	s.conns.each(func(d *Descriptor) {
		if d.lostOut > d.lostNoted {
			log.Printf("NET: [%d] output overflow, %d bytes discarded", d.ID, d.lostOut-d.lostNoted)
			s.bus.Emit(events.Event{
				Type:   events.EvOverflow,
				Player: d.Player,
				Desc:   d.ID,
				Addr:   d.Addr,
				Lost:   d.lostOut - d.lostNoted,
			})
			d.lostNoted = d.lostOut
		}
		if !d.hasOutput() {
			return
		}
		sent := d.BytesSent
		if err := d.flushOutput(); err != nil {
			dead = append(dead, d)
		}
		s.metrics.bytesSentTotal.Add(float64(d.BytesSent - sent))
	})
	for _, d := range dead {
		s.disconnect(d, ReasonNetFailure)
	}
}

// applyResolution installs a resolver reply on the matching live
// connection, if it is still around.
func (s *Server) applyResolution(r resolver.Message) {
	if r.Hostname == "" {
		return
	}
	s.conns.each(func(d *Descriptor) {
		if d.IPAddr == r.Addr && d.Port == r.Port {
			d.Addr = r.Hostname
			s.recordSiteHistory(d)
			s.bus.Emit(events.Event{
				Type:   events.EvResolved,
				Player: d.Player,
				Desc:   d.ID,
				Addr:   d.Addr,
			})
		}
	})
}

func (s *Server) recordSiteHistory(d *Descriptor) {
	if s.hist == nil || d.Player == world.Nothing {
		return
	}
	if err := s.hist.Append(d.Player, d.Addr, time.Now()); err != nil {
		log.Printf("HIST: site append for #%d failed: %v", d.Player, err)
	}
}

// Disconnect ends a descriptor's session with the given reason. For the
// dispatch and session layers; loop goroutine only.
func (s *Server) Disconnect(d *Descriptor, reason DisconnectReason) {
	s.disconnect(d, reason)
}

// EachConn visits every live descriptor. Loop goroutine only; fn must not
// add or remove descriptors.
func (s *Server) EachConn(fn func(*Descriptor)) {
	s.conns.each(fn)
}

// Boot drops the descriptor with the given ID. Returns false when no such
// descriptor is live.
func (s *Server) Boot(id int) bool {
	d := s.conns.find(id)
	if d == nil {
		return false
	}
	d.queueString("You have been booted off the game.")
	s.disconnect(d, ReasonBoot)
	return true
}

// BootPlayer drops every descriptor bound to player, returning the count.
func (s *Server) BootPlayer(player world.DBRef) int {
	var targets []*Descriptor
	s.conns.each(func(d *Descriptor) {
		if d.Player == player {
			targets = append(targets, d)
		}
	})
	for _, d := range targets {
		d.queueString("You have been booted off the game.")
		s.disconnect(d, ReasonBoot)
	}
	return len(targets)
}

// RawBroadcast queues a message on every live descriptor.
func (s *Server) RawBroadcast(msg string) {
	s.conns.each(func(d *Descriptor) {
		d.queueString(msg)
	})
}

// acceptLoop feeds accepted sockets to the loop. A listener error is
// fatal and delivered as such.
func (s *Server) acceptLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if !s.shutdownFlag.Load() && !s.emergencyFlag.Load() {
				s.acceptCh <- acceptMsg{err: err}
			}
			return
		}
		s.acceptCh <- acceptMsg{conn: conn}
	}
}

// readLoop delivers raw socket chunks to the loop. It owns nothing but
// its buffer; descriptor state stays with the loop goroutine.
func (s *Server) readLoop(d *Descriptor) {
	buf := make([]byte, 1024)
	for {
		n, err := d.Conn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			s.inputCh <- inputMsg{d: d, data: chunk}
		}
		if err != nil {
			s.inputCh <- inputMsg{d: d, err: err}
			return
		}
	}
}
