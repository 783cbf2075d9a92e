package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"btlink/internal/connmgr"
	"btlink/internal/registry"
)

const (
	DefaultConnectTimeout = 15 * time.Second
	errorChannelBuffer    = 8
)

// Config identifies the service both ends rendezvous on.
type Config struct {
	ServiceName    string
	SessionID      uuid.UUID
	ConnectTimeout time.Duration
	// OnAccept, if set, receives every inbound session. It runs on the accept
	// loop and should return quickly.
	OnAccept func(*Session)
}

// Supervisor keeps at most one outbound attempt and one accept loop alive.
// The listening handle is owned by the accept loop; other goroutines stop it
// through StopListening or Close.
type Supervisor struct {
	adapter connmgr.Adapter
	sockets connmgr.SocketFactory
	reg     *registry.Registry
	cfg     Config
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	errs   chan error

	mu         sync.Mutex
	closed     bool
	outbound   *Session
	listener   connmgr.Listener
	listenDone chan struct{}
	inbound    map[*Session]struct{}
}

func NewSupervisor(adapter connmgr.Adapter, sockets connmgr.SocketFactory, reg *registry.Registry, cfg Config, log zerolog.Logger) *Supervisor {
	if cfg.ServiceName == "" {
		cfg.ServiceName = connmgr.DefaultServiceName
	}
	if cfg.SessionID == uuid.Nil {
		cfg.SessionID = connmgr.DefaultSessionUUID
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		adapter: adapter,
		sockets: sockets,
		reg:     reg,
		cfg:     cfg,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		errs:    make(chan error, errorChannelBuffer),
		inbound: make(map[*Session]struct{}),
	}
}

// Errors delivers failures of background tasks, such as the accept loop
// dying on a TransportError.
func (s *Supervisor) Errors() <-chan error { return s.errs }

func (s *Supervisor) report(err error) {
	select {
	case s.errs <- err:
	default:
		s.log.Warn().Err(err).Msg("error channel full, dropping error")
	}
}

// Connect starts an outbound session to address and returns its handle
// immediately. It fails with ErrSessionBusy while the previous outbound
// attempt is still connecting. A previous outbound session that is already
// Connected is closed and replaced.
func (s *Supervisor) Connect(address string) (*Session, error) {
	addr := connmgr.NormalizeAddress(address)
	if addr == "" {
		return nil, ErrNoAddress
	}
	if !s.adapter.Enabled() {
		return nil, connmgr.ErrRadioUnavailable
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	prev := s.outbound
	if prev != nil {
		if st := prev.State(); st == StateIdle || st == StateConnecting {
			return nil, ErrSessionBusy
		}
	}

	dev := connmgr.Device{Address: addr}
	if known, ok := s.reg.Get(addr); ok {
		dev.Name = known.Name
	}
	sock, err := s.sockets.Socket(dev, s.cfg.SessionID)
	if err != nil {
		return nil, transportError("connect", addr, err)
	}
	if prev != nil {
		_ = prev.Close()
	}
	s.reg.Upsert(registry.Device{Address: addr})

	sess := newOutbound(addr, sock, s.reg, s.log)
	s.outbound = sess
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.connect(s.ctx, s.adapter, s.cfg.ConnectTimeout)
	}()
	return sess, nil
}

// Cancel closes the session's transport, driving it to Closed. It is safe to
// call with nil or an already terminal session.
func (s *Supervisor) Cancel(sess *Session) {
	if sess == nil {
		return
	}
	if err := sess.Close(); err != nil {
		s.log.Warn().Err(err).Str("address", sess.PeerAddress()).Msg("cancel session")
	}
}

// Listen starts the accept loop if none is running.
func (s *Supervisor) Listen(ctx context.Context) error {
	if !s.adapter.Enabled() {
		return connmgr.ErrRadioUnavailable
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.listener != nil {
		return nil
	}
	l, err := s.sockets.Listen(ctx, s.cfg.ServiceName, s.cfg.SessionID)
	if err != nil {
		return transportError("listen", "", err)
	}
	done := make(chan struct{})
	s.listener = l
	s.listenDone = done
	s.wg.Add(1)
	go s.acceptLoop(l, done)
	s.log.Info().Str("service", s.cfg.ServiceName).Msg("listening")
	return nil
}

// Listening reports whether the accept loop is running.
func (s *Supervisor) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil
}

func (s *Supervisor) acceptLoop(l connmgr.Listener, done chan struct{}) {
	defer s.wg.Done()
	defer close(done)
	for {
		conn, err := l.Accept(s.ctx)
		if err != nil {
			_ = l.Close()
			s.mu.Lock()
			if s.listener == l {
				s.listener = nil
			}
			s.mu.Unlock()
			if errors.Is(err, connmgr.ErrListenerClosed) || s.ctx.Err() != nil {
				s.log.Debug().Msg("accept loop stopped")
				return
			}
			err = transportError("accept", "", err)
			s.log.Error().Err(err).Msg("accept failed, listener torn down")
			s.report(err)
			return
		}

		sess := newInbound(conn, s.reg, s.log)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = sess.Close()
			return
		}
		s.pruneLocked()
		s.inbound[sess] = struct{}{}
		s.mu.Unlock()
		s.log.Info().Str("address", sess.PeerAddress()).Msg("accepted")
		if s.cfg.OnAccept != nil {
			s.cfg.OnAccept(sess)
		}
	}
}

func (s *Supervisor) pruneLocked() {
	for sess := range s.inbound {
		if sess.State().Terminal() {
			delete(s.inbound, sess)
		}
	}
}

// Inbound returns the inbound sessions that are still open.
func (s *Supervisor) Inbound() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	out := make([]*Session, 0, len(s.inbound))
	for sess := range s.inbound {
		out = append(out, sess)
	}
	return out
}

// Outbound returns the most recent outbound session, or nil.
func (s *Supervisor) Outbound() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outbound
}

// StopListening closes the listening handle and waits for the accept loop to
// exit. Sessions already accepted stay open.
func (s *Supervisor) StopListening() {
	s.mu.Lock()
	l, done := s.listener, s.listenDone
	s.listener = nil
	s.mu.Unlock()
	if l == nil {
		return
	}
	_ = l.Close()
	<-done
}

// Close stops the accept loop, closes every session and waits for background
// tasks. It is idempotent.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	l := s.listener
	s.listener = nil
	out := s.outbound
	sessions := make([]*Session, 0, len(s.inbound))
	for sess := range s.inbound {
		sessions = append(sessions, sess)
	}
	s.inbound = make(map[*Session]struct{})
	s.mu.Unlock()

	s.cancel()
	if l != nil {
		_ = l.Close()
	}
	if out != nil {
		_ = out.Close()
	}
	for _, sess := range sessions {
		_ = sess.Close()
	}
	s.wg.Wait()
	return nil
}
