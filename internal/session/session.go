// Package session runs RFCOMM connection attempts as small state machines and
// supervises the inbound accept loop and the outbound attempt.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"btlink/internal/connmgr"
	"btlink/internal/registry"
)

// Session is one connection to or from a peer. It owns its transport handle
// until it reaches a terminal state. Every transition into Connected marks
// the peer connected in the registry; leaving Connected clears the mark.
type Session struct {
	role Role
	peer string
	reg  *registry.Registry
	log  zerolog.Logger

	mu      sync.Mutex
	state   State
	conn    connmgr.Conn
	sock    connmgr.Socket // outbound only, same handle as conn
	err     error
	changed chan struct{}
	done    chan struct{}
}

func newSession(role Role, peer string, reg *registry.Registry, log zerolog.Logger) *Session {
	return &Session{
		role:    role,
		peer:    peer,
		reg:     reg,
		log:     log.With().Str("role", role.String()).Str("address", peer).Logger(),
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func newOutbound(peer string, sock connmgr.Socket, reg *registry.Registry, log zerolog.Logger) *Session {
	s := newSession(RoleOutbound, peer, reg, log)
	s.sock = sock
	s.conn = sock
	return s
}

// newInbound wraps an accepted stream. The transport handshake is already
// complete, so the session starts Connected.
func newInbound(conn connmgr.Conn, reg *registry.Registry, log zerolog.Logger) *Session {
	peer := connmgr.NormalizeAddress(conn.RemoteAddress())
	s := newSession(RoleInbound, peer, reg, log)
	s.conn = conn
	s.mu.Lock()
	defer s.mu.Unlock()
	if peer != "" {
		reg.Upsert(registry.Device{Address: peer})
	}
	s.setLocked(StateConnected)
	return s
}

// setLocked moves to next and applies registry side effects. Callers hold mu
// and have checked that the transition is legal.
func (s *Session) setLocked(next State) {
	prev := s.state
	s.state = next
	if s.peer != "" {
		switch {
		case next == StateConnected:
			s.reg.SetConnected(s.peer, true)
		case prev == StateConnected:
			s.reg.SetConnected(s.peer, false)
		}
	}
	close(s.changed)
	s.changed = make(chan struct{})
	if next.Terminal() {
		close(s.done)
	}
	s.log.Debug().Str("from", prev.String()).Str("to", next.String()).Msg("session state")
}

// connect drives an outbound session from Idle to Connected or Failed.
// Discovery is cancelled first; it slows down RFCOMM setup on a shared radio.
func (s *Session) connect(ctx context.Context, adapter connmgr.Adapter, timeout time.Duration) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return
	}
	s.setLocked(StateConnecting)
	sock := s.sock
	s.mu.Unlock()

	if adapter.Discovering() {
		if err := adapter.CancelDiscovery(); err != nil {
			s.log.Warn().Err(err).Msg("cancel discovery before connect")
		}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := sock.Connect(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		// Closed underneath us; Close already released the handle.
		return
	}
	if err != nil {
		s.err = transportError("connect", s.peer, err)
		s.conn = nil
		_ = sock.Close()
		s.setLocked(StateFailed)
		s.log.Warn().Err(err).Msg("connect failed")
		return
	}
	s.setLocked(StateConnected)
	s.log.Info().Msg("connected")
}

// Close releases the transport and moves the session to Closed. Closing a
// Connecting session aborts the attempt. It is safe to call more than once
// and after a terminal state.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return nil
	}
	c := s.conn
	s.conn = nil
	s.setLocked(StateClosed)
	if c == nil {
		return nil
	}
	if err := c.Close(); err != nil {
		s.err = transportError("close", s.peer, err)
		s.log.Warn().Err(err).Msg("close transport")
		return s.err
	}
	return nil
}

func (s *Session) Role() Role          { return s.role }
func (s *Session) PeerAddress() string { return s.peer }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the TransportError that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Conn returns the stream while the session is Connected, else nil.
func (s *Session) Conn() connmgr.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return nil
	}
	return s.conn
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Changed returns a channel closed on the next state transition.
func (s *Session) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// Wait blocks until the session is Connected or terminal, or ctx is done.
func (s *Session) Wait(ctx context.Context) (State, error) {
	for {
		s.mu.Lock()
		st, ch, err := s.state, s.changed, s.err
		s.mu.Unlock()
		if st == StateConnected || st.Terminal() {
			return st, err
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ch:
		}
	}
}
