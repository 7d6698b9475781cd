// Package lobby owns the listening socket. It classifies every arrival as
// a reconnect, a spectator, or a waiting player, pairs waiting players into
// match sessions, and applies the post-match requeue policy.
package lobby

import (
	"context"
	"errors"
	"net"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/unixthat/beer-project/internal/battleship"
	"github.com/unixthat/beer-project/internal/core"
	"github.com/unixthat/beer-project/internal/packets"
	"github.com/unixthat/beer-project/internal/registry"
	"github.com/unixthat/beer-project/internal/session"
	"github.com/unixthat/beer-project/internal/wire"
)

// waiter is one classified connection holding a slot in the waiting list.
type waiter struct {
	stream *wire.Stream
	token  string
}

// Server is the lobby/dispatcher. One instance owns the listener, the
// waiting list, and every running session for its lifetime.
type Server struct {
	Config   *core.Config
	Logger   *logrus.Logger
	Registry *registry.Registry

	codec    *wire.Codec
	listener *net.TCPListener

	mu       sync.Mutex
	waiting  []*waiter
	sessions map[string]*session.Session
	results  chan sessionResult
	connWg   sync.WaitGroup
}

type sessionResult struct {
	id  string
	res session.Result
}

// New builds a lobby server. The codec is shared by every connection; when
// encryption is enabled all clients must hold the same key.
func New(cfg *core.Config, logger *logrus.Logger, reg *registry.Registry) (*Server, error) {
	key, err := cfg.KeyBytes()
	if err != nil {
		return nil, err
	}
	codec, err := wire.NewCodec(key)
	if err != nil {
		return nil, err
	}
	return &Server{
		Config:   cfg,
		Logger:   logger,
		Registry: reg,
		codec:    codec,
		sessions: make(map[string]*session.Session),
		results:  make(chan sessionResult, 4),
	}, nil
}

// Listen opens the listening socket. Separate from Start so callers can
// observe the bound address before serving (the test harness binds port 0).
func (s *Server) Listen() error {
	addr, err := net.ResolveTCPAddr("tcp", s.Config.Addr())
	if err != nil {
		return errors.New("error resolving address " + s.Config.Addr() + ": " + err.Error())
	}
	s.listener, err = net.ListenTCP("tcp", addr)
	if err != nil {
		return errors.New("error listening on socket: " + err.Error())
	}
	return nil
}

// Start runs the accept/dispatch loop until ctx is cancelled. Blocks for
// the server's lifetime.
func (s *Server) Start(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	if s.codec.Encrypted() {
		s.Logger.Info("AES-CTR payload encryption enabled")
	}
	s.Logger.Infof("lobby waiting for connections on %v", s.listener.Addr())

	connections := make(chan *net.TCPConn)
	go func() {
		for {
			conn, err := s.listener.AcceptTCP()
			if err != nil {
				select {
				case <-ctx.Done():
				default:
					s.Logger.Warnf("failed to accept connection: %v", err)
					continue
				}
				close(connections)
				return
			}
			select {
			case connections <- conn:
			case <-ctx.Done():
				conn.Close()
			}
		}
	}()

	var sessionWg sync.WaitGroup
acceptLoop:
	for {
		select {
		case <-ctx.Done():
			break acceptLoop
		case r := <-s.results:
			s.handleResult(ctx, r, &sessionWg)
		case conn, ok := <-connections:
			if !ok {
				break acceptLoop
			}
			s.connWg.Add(1)
			go s.handleConnection(ctx, conn, &sessionWg)
		}
	}

	s.Logger.Info("lobby shutting down (waiting for sessions to finish)")
	s.listener.Close()
	sessionWg.Wait()
	s.connWg.Wait()

	// Drain any results that raced the shutdown, closing transports that
	// would otherwise have been requeued.
	for {
		select {
		case r := <-s.results:
			s.forgetSession(r.id)
			if r.res.Winner != nil {
				if r.res.WinnerAlive {
					r.res.Winner.Stream.Close()
				}
				if r.res.LoserAlive {
					r.res.Loser.Stream.Close()
				}
			}
		default:
			s.closeWaiting()
			s.Logger.Info("lobby exited")
			return nil
		}
	}
}

// handleConnection performs the handshake and classification for one
// freshly accepted socket.
func (s *Server) handleConnection(ctx context.Context, conn *net.TCPConn, sessionWg *sync.WaitGroup) {
	defer s.connWg.Done()
	defer func() {
		if err := recover(); err != nil {
			s.Logger.Errorf("error handling connection: %v, trace: %s", err, debug.Stack())
			conn.Close()
		}
	}()

	st := wire.NewStream(conn, s.codec)
	st.Logger = s.Logger

	token, err := st.ReadHandshake(s.Config.HandshakeTimeout())
	if err != nil {
		s.Logger.Infof("dropping unclassified connection from %s: %v", st.RemoteAddr(), err)
		st.Close()
		return
	}
	s.Logger.Infof("accepted connection from %s (token %s)", st.RemoteAddr(), token)

	// Reconnects bind straight into the waiting slot and are finished here.
	switch err := s.Registry.Attach(token, st); {
	case err == nil:
		s.Logger.Infof("reattached %s via token %s", st.RemoteAddr(), token)
		return
	case errors.Is(err, registry.ErrTokenBound):
		// The slot already has a live transport. One error frame, then close.
		_ = st.Send(wire.FrameGame, packets.NewErr(packets.CodeDuplicateToken, "token already connected"))
		st.Close()
		return
	}

	// A match running at full capacity turns extra arrivals into
	// spectators. The greeting and snapshot are sent outside the lobby
	// lock so a slow spectator socket cannot stall classification.
	s.mu.Lock()
	var target *session.Session
	if len(s.sessions) >= s.Config.MaxMatches {
		for _, sess := range s.sessions {
			target = sess
			break
		}
	}
	if target == nil {
		s.waiting = append(s.waiting, &waiter{stream: st, token: token})
		s.tryPairLocked(ctx, sessionWg)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if target.AddSpectator(st) {
		s.Logger.Infof("added %s as spectator", st.RemoteAddr())
		return
	}

	// The match ended while we were classifying; queue as a player.
	s.mu.Lock()
	s.waiting = append(s.waiting, &waiter{stream: st, token: token})
	s.tryPairLocked(ctx, sessionWg)
	s.mu.Unlock()
}

// tryPairLocked pops pairs off the waiting list while capacity exists.
// Callers hold s.mu.
func (s *Server) tryPairLocked(ctx context.Context, sessionWg *sync.WaitGroup) {
	for len(s.waiting) >= 2 && len(s.sessions) < s.Config.MaxMatches {
		a, b := s.waiting[0], s.waiting[1]
		s.waiting = s.waiting[2:]

		size := s.Config.BoardSize
		sess := session.New(s.Config, s.Logger, s.Registry,
			&session.Slot{Token: a.token, Stream: a.stream, Board: battleship.NewBoard(size)},
			&session.Slot{Token: b.token, Stream: b.stream, Board: battleship.NewBoard(size)},
		)
		s.sessions[sess.ID] = sess
		s.Logger.Infof("pairing %s and %s into match %s", a.token, b.token, sess.ID)

		sessionWg.Add(1)
		go func() {
			defer sessionWg.Done()
			res := sess.Run(ctx)
			select {
			case s.results <- sessionResult{id: sess.ID, res: res}:
			case <-ctx.Done():
			}
		}()
	}
}

// handleResult applies the requeue policy after a match terminates.
//
//   - The winner, if still alive, goes to the head of the waiting list.
//   - The loser, if alive and the cause is neither timeout nor concession,
//     goes to the tail.
//   - Transports closed by a timeout or concession termination are not
//     requeued; a dead "winner" is not requeued either.
func (s *Server) handleResult(ctx context.Context, r sessionResult, sessionWg *sync.WaitGroup) {
	s.forgetSession(r.id)
	res := r.res

	s.mu.Lock()
	defer s.mu.Unlock()

	if res.Winner != nil {
		if res.WinnerAlive {
			w := &waiter{stream: res.Winner.Stream, token: res.Winner.Token}
			s.waiting = append([]*waiter{w}, s.waiting...)
		}
		requeueLoser := res.LoserAlive &&
			res.Cause != packets.CauseTimeout &&
			res.Cause != packets.CauseConcession
		if requeueLoser {
			s.waiting = append(s.waiting, &waiter{stream: res.Loser.Stream, token: res.Loser.Token})
		} else if res.LoserAlive {
			res.Loser.Stream.Close()
		}
	}

	s.tryPairLocked(ctx, sessionWg)
}

func (s *Server) forgetSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *Server) closeWaiting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.waiting {
		w.stream.Close()
	}
	s.waiting = nil
}

// WaitingCount reports the current waiting-list depth.
func (s *Server) WaitingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiting)
}

// Addr returns the bound listener address, useful when the configured port
// is 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
