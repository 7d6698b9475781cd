// Package session drives a single two-player match: ship placement,
// alternating turns, disconnect suspension with token reconnect and
// spectator promotion, and terminal outcome reporting back to the lobby.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/unixthat/beer-project/internal/battleship"
	"github.com/unixthat/beer-project/internal/core"
	"github.com/unixthat/beer-project/internal/core/debug"
	"github.com/unixthat/beer-project/internal/packets"
	"github.com/unixthat/beer-project/internal/registry"
	"github.com/unixthat/beer-project/internal/spectator"
	"github.com/unixthat/beer-project/internal/wire"
)

// Slot indices. The first player popped from the waiting list is A and
// fires first.
const (
	SlotA = 0
	SlotB = 1
)

// Board is the narrow rules-engine interface the session consumes.
type Board interface {
	battleship.Placer
	FireAt(row, col int) (battleship.ShotResult, string)
	AllShipsSunk() bool
	RenderOpponentView() []string
}

// Slot binds a durable token and a board to a replaceable transport.
// The session owns every field after construction; Stream is swapped on
// reconnect or promotion under the session's lock.
type Slot struct {
	Index  int
	Token  string
	Board  Board
	Stream *wire.Stream

	alive bool
	gen   int
	// A promoted occupant that has not yet issued a command. Its failure
	// skips the reconnect wait and promotes again immediately.
	pendingFirstTurn bool
}

// Name returns the player-facing slot name, "A" or "B".
func (s *Slot) Name() string {
	if s.Index == SlotA {
		return "A"
	}
	return "B"
}

// Alive reports whether the slot held a live transport at last observation.
func (s *Slot) Alive() bool { return s.alive }

// Result is the terminal outcome handed back to the lobby for requeueing.
type Result struct {
	Outcome     string
	Cause       string
	Winner      *Slot
	Loser       *Slot
	WinnerAlive bool
	LoserAlive  bool
}

// slotEvent is one reader-loop observation: a parsed command or a
// transport error. gen guards against events from replaced transports.
type slotEvent struct {
	slot int
	gen  int
	cmd  packets.Command
	err  error
}

// Session is one running match.
type Session struct {
	ID         string
	Config     *core.Config
	Logger     *logrus.Logger
	Registry   *registry.Registry
	Spectators *spectator.Queue

	fleet  []battleship.ShipSpec
	slots  [2]*Slot
	turn   int
	rounds int // half-turns completed; spectator snapshots go out every two

	mu      sync.Mutex
	playing bool // placement finished; reader loops own the transports
	done    chan struct{}
	events  chan slotEvent
	readers sync.WaitGroup
}

// New wires up a session for two freshly paired players. Both slots must
// carry a live stream, a token, and an empty board.
func New(cfg *core.Config, logger *logrus.Logger, reg *registry.Registry, a, b *Slot) *Session {
	a.Index, b.Index = SlotA, SlotB
	a.alive, b.alive = true, true

	return &Session{
		ID:         uuid.NewString(),
		Config:     cfg,
		Logger:     logger,
		Registry:   reg,
		Spectators: spectator.NewQueue(logger),
		fleet:      fleetFor(cfg),
		slots:      [2]*Slot{a, b},
		done:       make(chan struct{}),
		events:     make(chan slotEvent, 16),
	}
}

func fleetFor(cfg *core.Config) []battleship.ShipSpec {
	if cfg.OneShip {
		return battleship.OneShipFleet
	}
	return battleship.Fleet
}

// AddSpectator registers a passive observer and sends it a full snapshot.
// Fails once the match has terminated.
func (s *Session) AddSpectator(st *wire.Stream) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	sp := s.Spectators.Add(st)
	if sp == nil {
		return true // accepted but died immediately; nothing left to do
	}
	_ = s.Spectators.Snapshot(sp, s.specSnapshot())
	return true
}

// Run executes the match to a terminal outcome. Blocks until then.
func (s *Session) Run(ctx context.Context) Result {
	s.Logger.Infof("[%s] match started: %s vs %s", s.ID, s.slots[SlotA].Token, s.slots[SlotB].Token)
	debug.MatchesStarted.Inc()
	s.Registry.BindLive(s.slots[SlotA].Token)
	s.Registry.BindLive(s.slots[SlotB].Token)

	res := s.play(ctx)
	s.finish(&res)
	return res
}

func (s *Session) play(ctx context.Context) Result {
	// PLACING_A then PLACING_B. A placement drop suspends and, after a
	// successful reattach or promotion, restarts that slot's placement.
	for idx := 0; idx < 2; idx++ {
		for {
			err := s.placeSlot(idx)
			if err == nil {
				break
			}
			s.Logger.Infof("[%s] slot %s dropped during placement: %v", s.ID, s.slots[idx].Name(), err)
			res, resumed := s.suspend(ctx, idx)
			if !resumed {
				if res.Cause == "" {
					res.Cause = packets.CausePlacementDrop
				}
				return res
			}
		}
		// Successfully answering the wizard counts as taking action.
		s.slots[idx].pendingFirstTurn = false
	}

	s.mu.Lock()
	s.playing = true
	s.mu.Unlock()
	for idx := range s.slots {
		s.startReader(idx)
	}
	s.sendTo(SlotA, packets.NewInfo("You are Player A - you fire first"))
	s.sendTo(SlotB, packets.NewInfo("You are Player B - opponent fires first"))

	s.turn = SlotA
	return s.loop(ctx)
}

// loop is AWAIT_TURN / EXECUTE_SHOT until a terminal outcome.
func (s *Session) loop(ctx context.Context) Result {
	timer := time.NewTimer(s.Config.TurnTimeout())
	defer timer.Stop()

	s.promptTurn()
	for {
		select {
		case <-ctx.Done():
			return Result{Outcome: packets.OutcomeAbandoned, Cause: "shutdown"}

		case <-timer.C:
			res, resumed := s.suspend(ctx, s.turn)
			if !resumed {
				return res
			}
			s.promptTurn()
			resetTimer(timer, s.Config.TurnTimeout())

		case ev := <-s.events:
			if s.stale(ev) {
				continue
			}
			if ev.err != nil {
				s.Logger.Infof("[%s] slot %s transport lost: %v", s.ID, s.slots[ev.slot].Name(), ev.err)
				res, resumed := s.suspend(ctx, ev.slot)
				if !resumed {
					return res
				}
				s.promptTurn()
				resetTimer(timer, s.Config.TurnTimeout())
				continue
			}

			s.slots[ev.slot].pendingFirstTurn = false
			switch cmd := ev.cmd.(type) {
			case packets.ChatLine:
				// Chat never consumes the turn and never resets its timer.
				s.broadcastChat(ev.slot, cmd.Text)

			case packets.Quit:
				return s.conclude(1-ev.slot, packets.CauseConcession)

			case packets.Fire:
				if ev.slot != s.turn {
					s.sendTo(ev.slot, packets.NewErr(packets.CodeBadCommand, "not your turn"))
					continue
				}
				if res, terminal := s.executeShot(cmd); terminal {
					return res
				}
				s.promptTurn()
				resetTimer(timer, s.Config.TurnTimeout())
			}
		}
	}
}

// executeShot resolves one FIRE from the active slot and broadcasts the
// outcome. ALREADY_SHOT repeats the turn; a sunk final ship terminates.
func (s *Session) executeShot(cmd packets.Fire) (Result, bool) {
	attacker := s.slots[s.turn]
	defender := s.slots[1-s.turn]

	result, sunk := defender.Board.FireAt(cmd.Row, cmd.Col)
	shot := packets.Shot{
		Type:   packets.TypeShot,
		Player: attacker.Name(),
		Coord:  cmd.Coord,
		Result: result.String(),
		Sunk:   sunk,
	}
	s.broadcast(shot)

	if result == battleship.AlreadyShot {
		return Result{}, false
	}
	if defender.Board.AllShipsSunk() {
		return s.conclude(s.turn, packets.CauseFleetDestroyed), true
	}

	s.turn = 1 - s.turn
	s.rounds++
	if s.rounds%2 == 0 {
		s.Spectators.Broadcast(wire.FrameGame, s.specSnapshot())
	}
	return Result{}, false
}

// suspend is the SUSPENDED state for one dropped slot: wait out the
// reconnect window, then fall back to spectator promotion. Returns the
// terminal result when the match cannot continue, or resumed=true.
func (s *Session) suspend(ctx context.Context, deadIdx int) (Result, bool) {
	dead := s.slots[deadIdx]
	other := s.slots[1-deadIdx]

	s.mu.Lock()
	dead.alive = false
	dead.gen++
	s.mu.Unlock()
	dead.Stream.Close()

	if !dead.pendingFirstTurn {
		if res, resumed, decided := s.awaitReattach(ctx, deadIdx); decided {
			return res, resumed
		}
	}

	// Promotion, cascading until an occupant sticks or the queue empties.
	for {
		sp := s.Spectators.Promote()
		if sp == nil {
			if !other.alive {
				return Result{Outcome: packets.OutcomeAbandoned, Cause: packets.CauseTimeout}, false
			}
			return s.conclude(1-deadIdx, packets.CauseTimeout), false
		}

		oldToken := dead.Token
		dead.Token = uuid.NewString()
		s.Registry.Release(oldToken)
		s.Registry.BindLive(dead.Token)

		s.bindStream(deadIdx, sp.Stream)
		dead.pendingFirstTurn = true
		debug.Promotions.Inc()
		s.Logger.Infof("[%s] promoted spectator %s into slot %s", s.ID, sp.ID, dead.Name())

		if err := sp.Stream.Send(wire.FrameGame, packets.NewInfo("You are now playing - you replaced the disconnected player")); err != nil {
			// Died before seeing a single frame; promote the next one.
			s.mu.Lock()
			dead.alive = false
			dead.gen++
			s.mu.Unlock()
			sp.Stream.Close()
			continue
		}
		s.replaySnapshot(deadIdx)
		s.sendTo(1-deadIdx, packets.NewInfo("A spectator has taken over the vacated slot"))
		return Result{}, true
	}
}

// awaitReattach registers the dead slot's token and waits for the lobby to
// attach a reconnecting transport. decided=false means the window expired
// and promotion should be attempted.
func (s *Session) awaitReattach(ctx context.Context, deadIdx int) (Result, bool, bool) {
	dead := s.slots[deadIdx]
	other := s.slots[1-deadIdx]

	pending, err := s.Registry.Register(dead.Token)
	if err != nil {
		s.Logger.Warnf("[%s] could not register reconnect token: %v", s.ID, err)
		return Result{}, false, false
	}

	window := s.Config.ReconnectTimeout()
	s.sendTo(1-deadIdx, packets.NewInfo("Opponent disconnected - holding their slot open"))

	attachCh := make(chan *wire.Stream, 1)
	go func() {
		st, ok := s.Registry.Wait(ctx, pending, window)
		if !ok {
			st = nil
		}
		attachCh <- st
	}()

	for {
		select {
		case st := <-attachCh:
			if st == nil {
				return Result{}, false, false
			}
			s.bindStream(deadIdx, st)
			debug.Reconnects.Inc()
			s.Logger.Infof("[%s] slot %s reattached via token", s.ID, dead.Name())
			_ = st.Send(wire.FrameGame, packets.NewInfo("You have reconnected - resuming match"))
			s.replaySnapshot(deadIdx)
			s.sendTo(1-deadIdx, packets.NewInfo("Opponent has reconnected - resuming match"))
			return Result{}, true, true

		case ev := <-s.events:
			if s.stale(ev) {
				continue
			}
			if ev.err != nil && ev.slot == other.Index {
				// Both slots down in the same window: abandon, do not wait.
				s.mu.Lock()
				other.alive = false
				other.gen++
				s.mu.Unlock()
				other.Stream.Close()
				s.Registry.Cancel(pending)
				return Result{Outcome: packets.OutcomeAbandoned, Cause: "double_disconnect"}, false, true
			}
			if ev.err != nil {
				continue
			}
			switch cmd := ev.cmd.(type) {
			case packets.ChatLine:
				s.broadcastChat(ev.slot, cmd.Text)
			case packets.Quit:
				s.Registry.Cancel(pending)
				return s.conclude(1-ev.slot, packets.CauseConcession), false, true
			case packets.Fire:
				s.sendTo(ev.slot, packets.NewErr(packets.CodeBadCommand, "match is suspended"))
			}

		case <-ctx.Done():
			s.Registry.Cancel(pending)
			return Result{Outcome: packets.OutcomeAbandoned, Cause: "shutdown"}, false, true
		}
	}
}

// placeSlot runs the placement wizard for one slot, reading directly from
// its transport with a per-ship deadline.
func (s *Session) placeSlot(idx int) error {
	sl := s.slots[idx]
	st := sl.Stream
	sl.Board.Reset()

	io := battleship.WizardIO{
		ShipTimeout: s.Config.PlaceTimeout(),
		Recv: func(deadline time.Time) (string, error) {
			for {
				f, err := st.RecvDeadline(deadline)
				if err != nil {
					return "", err
				}
				if f.Type == wire.FrameChat {
					var chat packets.Chat
					if f.Decode(&chat) == nil && chat.Msg != "" {
						s.broadcastChat(idx, chat.Msg)
					}
					continue
				}
				var cmd packets.Cmd
				if f.PayloadType() != packets.TypeCmd || f.Decode(&cmd) != nil {
					_ = st.Send(wire.FrameGame, packets.NewErr(packets.CodeBadCommand, "expected a placement line"))
					continue
				}
				return cmd.Line, nil
			}
		},
		Notify: func(text string) {
			_ = st.Send(wire.FrameGame, packets.NewInfo(text))
		},
		SendGrid: func(rows []string) {
			_ = st.Send(wire.FrameGame, packets.Grid{Type: packets.TypeGrid, Rows: rows})
		},
	}
	return battleship.RunWizard(sl.Board, s.fleet, io)
}

// conclude builds the terminal result for a win by winnerIdx.
func (s *Session) conclude(winnerIdx int, cause string) Result {
	winner := s.slots[winnerIdx]
	loser := s.slots[1-winnerIdx]
	outcome := packets.OutcomeAWin
	if winnerIdx == SlotB {
		outcome = packets.OutcomeBWin
	}
	return Result{
		Outcome:     outcome,
		Cause:       cause,
		Winner:      winner,
		Loser:       loser,
		WinnerAlive: winner.alive,
		LoserAlive:  loser.alive,
	}
}

// finish emits END to every participant, stops the reader loops, and
// releases all registry state. After finish the lobby owns any surviving
// transports.
func (s *Session) finish(res *Result) {
	close(s.done)

	// Kick blocked readers off their sockets, then wait for them so the
	// lobby never shares a stream with a stale reader.
	for _, sl := range s.slots {
		if sl.alive {
			sl.Stream.Interrupt()
		}
	}
	s.readers.Wait()
	for _, sl := range s.slots {
		if sl.alive {
			sl.Stream.ClearDeadline()
		}
	}

	end := packets.NewEnd(res.Outcome, res.Cause)
	for _, sl := range s.slots {
		if sl.alive {
			if err := sl.Stream.Send(wire.FrameGame, end); err != nil {
				sl.alive = false
			}
		}
	}
	s.Spectators.Broadcast(wire.FrameGame, end)
	s.Spectators.Drain()

	s.Registry.Release(s.slots[SlotA].Token)
	s.Registry.Release(s.slots[SlotB].Token)

	// Re-read liveness after the END sends so the lobby's defensive
	// requeue check sees the latest observation.
	if res.Winner != nil {
		res.WinnerAlive = res.Winner.alive
		res.LoserAlive = res.Loser.alive
	}

	debug.MatchesCompleted.WithLabelValues(res.Outcome).Inc()
	s.Logger.Infof("[%s] match over: outcome=%s cause=%s", s.ID, res.Outcome, res.Cause)
}

// bindStream swaps a fresh transport into a slot. During the turn phase it
// also starts the slot's reader loop; during placement the wizard reads the
// transport directly.
func (s *Session) bindStream(idx int, st *wire.Stream) {
	s.mu.Lock()
	sl := s.slots[idx]
	sl.Stream = st
	sl.alive = true
	sl.gen++
	playing := s.playing
	s.mu.Unlock()
	if playing {
		s.startReader(idx)
	}
}

// startReader spawns the dedicated reader loop for a slot's current
// transport. Events carry the generation so replaced transports cannot
// inject stale commands.
func (s *Session) startReader(idx int) {
	s.mu.Lock()
	sl := s.slots[idx]
	st := sl.Stream
	gen := sl.gen
	s.mu.Unlock()

	s.readers.Add(1)
	go func() {
		defer s.readers.Done()
		for {
			f, err := st.Recv()
			if err != nil {
				select {
				case <-s.done:
				case s.events <- slotEvent{slot: idx, gen: gen, err: err}:
				}
				return
			}

			var cmd packets.Command
			switch f.Type {
			case wire.FrameChat:
				var chat packets.Chat
				if f.Decode(&chat) != nil || chat.Msg == "" {
					_ = st.Send(wire.FrameGame, packets.NewErr(packets.CodeBadCommand, "malformed chat"))
					continue
				}
				cmd = packets.ChatLine{Text: chat.Msg}

			case wire.FrameGame:
				var envelope packets.Cmd
				if f.PayloadType() != packets.TypeCmd || f.Decode(&envelope) != nil {
					_ = st.Send(wire.FrameGame, packets.NewErr(packets.CodeBadCommand, "expected a command"))
					continue
				}
				parsed, perr := packets.ParseCommand(envelope.Line, s.Config.BoardSize)
				if perr != nil {
					// Answered locally; the turn does not advance.
					_ = st.Send(wire.FrameGame, packets.NewErr(packets.CodeBadCommand, perr.Error()))
					continue
				}
				cmd = parsed

			default:
				continue
			}

			select {
			case <-s.done:
				return
			case s.events <- slotEvent{slot: idx, gen: gen, cmd: cmd}:
			}
		}
	}()
}

func (s *Session) stale(ev slotEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ev.gen != s.slots[ev.slot].gen
}

// promptTurn emits the PROMPT to the active slot and passively refreshes
// board views for the opponent.
func (s *Session) promptTurn() {
	idle := s.slots[1-s.turn]

	s.sendTo(s.turn, packets.OppGrid{Type: packets.TypeOppGrid, Rows: idle.Board.RenderOpponentView()})
	s.sendTo(s.turn, packets.NewPrompt())
	s.sendTo(1-s.turn, packets.Grid{Type: packets.TypeGrid, Rows: idle.Board.RenderSelf()})
}

// replaySnapshot brings a reattached or promoted transport up to date:
// its own board, its view of the opponent, and whose turn it is.
func (s *Session) replaySnapshot(idx int) {
	sl := s.slots[idx]
	opp := s.slots[1-idx]

	s.sendTo(idx, packets.Grid{Type: packets.TypeGrid, Rows: sl.Board.RenderSelf()})
	s.sendTo(idx, packets.OppGrid{Type: packets.TypeOppGrid, Rows: opp.Board.RenderOpponentView()})
	turnName := s.slots[s.turn].Name()
	s.sendTo(idx, packets.NewInfo("It is player "+turnName+"'s turn"))
}

// specSnapshot builds the dual-board spectator view.
func (s *Session) specSnapshot() packets.SpecGrid {
	return packets.SpecGrid{
		Type:  packets.TypeSpecGrid,
		RowsA: s.slots[SlotA].Board.RenderSelf(),
		RowsB: s.slots[SlotB].Board.RenderSelf(),
		Turn:  s.slots[s.turn].Name(),
	}
}

// broadcastChat relays one chat line to both players and all spectators.
func (s *Session) broadcastChat(fromIdx int, text string) {
	chat := packets.NewChat("P"+s.slots[fromIdx].Name(), text)
	for idx := range s.slots {
		s.sendFrameTo(idx, wire.FrameChat, chat)
	}
	s.Spectators.Broadcast(wire.FrameChat, chat)
}

// broadcast sends one GAME payload to both players and all spectators.
// A failure on one recipient does not abort the others.
func (s *Session) broadcast(v any) {
	for idx := range s.slots {
		s.sendTo(idx, v)
	}
	s.Spectators.Broadcast(wire.FrameGame, v)
}

func (s *Session) sendTo(idx int, v any) {
	s.sendFrameTo(idx, wire.FrameGame, v)
}

func (s *Session) sendFrameTo(idx int, t wire.FrameType, v any) {
	sl := s.slots[idx]
	if !sl.alive {
		return
	}
	if err := sl.Stream.Send(t, v); err != nil {
		s.Logger.Debugf("[%s] send to slot %s failed: %v", s.ID, sl.Name(), err)
	}
}

// resetTimer safely rearms a timer whose channel may not have been drained.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
