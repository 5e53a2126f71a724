// Package game provides the LSNP core's only contact with game traffic:
// an opaque forwarding sink. GAME_INVITE/GAME_MOVE/GAME_RESULT records
// are tracked only by GAMEID, participants, and seen-move-ID — never by
// board state or move legality, which are explicitly out of scope.
package game

import (
	"sync"
	"time"

	"github.com/ImaginaryLogs/CSNETWK-MCO3/codec"
	"github.com/ImaginaryLogs/CSNETWK-MCO3/peerreg"
	"github.com/ImaginaryLogs/CSNETWK-MCO3/safemap"
)

// IdleTimeout destroys a game session that has seen no GAME_* traffic
// for this long without a GAME_RESULT (spec.md §3: "destroyed on
// GAME_RESULT or inactivity timeout"), mirroring
// filetransfer.IdleTimeout's reaper.
const IdleTimeout = 60 * time.Second

const idleScanInterval = 5 * time.Second

// Sink receives every GAME_* record the peer controller dispatches,
// after transport/reliability-layer ACK handling and idempotent-receive
// dedup have already run. Implementations outside this repository may
// hold board state; this package never does.
type Sink interface {
	OnMessage(record codec.Record, from peerreg.FullID)
}

// session is the bookkeeping this package keeps per GAMEID: nothing
// about the game's rules, only who is playing and which moves have
// already been seen.
type session struct {
	mu           sync.Mutex
	gameID       string
	participants [2]peerreg.FullID
	seenMoves    *safemap.Bounded[string]
	lastActivity time.Time
}

const seenMoveBound = 256

// Tracker is the default Sink: it maintains per-GAMEID participant and
// seen-move bookkeeping and forwards every record to an optional
// downstream Sink (e.g. a CLI or bot the core knows nothing about).
type Tracker struct {
	sessions   *safemap.Map[string, *session]
	downstream Sink

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewTracker returns a Tracker that forwards to downstream after
// recording bookkeeping, and starts its idle-session reaper. downstream
// may be nil, in which case records are tracked but otherwise dropped
// (the opaque-forwarding default when no external game client is
// attached). Call Close to stop the reaper.
func NewTracker(downstream Sink) *Tracker {
	tr := &Tracker{
		sessions:   safemap.New[string, *session](),
		downstream: downstream,
		stop:       make(chan struct{}),
	}
	tr.wg.Add(1)
	go tr.idleScanLoop()
	return tr
}

// Close stops the idle-session reaper.
func (tr *Tracker) Close() {
	close(tr.stop)
	tr.wg.Wait()
}

// OnMessage implements Sink. It never inspects CONTENT/MOVE/POSITION or
// any other field beyond GAMEID and MOVE_ID — everything else is opaque
// payload handed straight through.
func (tr *Tracker) OnMessage(record codec.Record, from peerreg.FullID) {
	gameID := record.MustGet("GAMEID")
	if gameID == "" {
		return
	}

	s := tr.sessions.GetOrSet(gameID, &session{
		gameID:    gameID,
		seenMoves: safemap.NewBounded[string](seenMoveBound),
	})

	s.mu.Lock()
	s.recordParticipant(from)
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if record.Type() == codec.TypeGameMove {
		moveID, ok := record.Get("MOVE_ID")
		if ok && !s.seenMoves.Insert(moveID) {
			return // already processed this move, drop the duplicate
		}
	}

	if tr.downstream != nil {
		tr.downstream.OnMessage(record, from)
	}

	if record.Type() == codec.TypeGameResult {
		tr.sessions.Delete(gameID)
	}
}

func (s *session) recordParticipant(id peerreg.FullID) {
	if s.participants[0] == "" || s.participants[0] == id {
		s.participants[0] = id
		return
	}
	if s.participants[1] == "" || s.participants[1] == id {
		s.participants[1] = id
	}
}

// Participants returns the (up to two) peers seen in a GAMEID so far.
func (tr *Tracker) Participants(gameID string) []peerreg.FullID {
	s, ok := tr.sessions.Get(gameID)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []peerreg.FullID
	for _, p := range s.participants {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ActiveGames returns the GAMEIDs currently tracked.
func (tr *Tracker) ActiveGames() []string {
	return tr.sessions.Keys()
}

// idleScanLoop destroys any session that has gone IdleTimeout without a
// GAME_RESULT, mirroring filetransfer.Engine.idleScanLoop.
func (tr *Tracker) idleScanLoop() {
	defer tr.wg.Done()
	ticker := time.NewTicker(idleScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-tr.stop:
			return
		case now := <-ticker.C:
			var stale []string
			tr.sessions.Range(func(gameID string, s *session) bool {
				s.mu.Lock()
				idle := now.Sub(s.lastActivity) > IdleTimeout
				s.mu.Unlock()
				if idle {
					stale = append(stale, gameID)
				}
				return true
			})
			for _, gameID := range stale {
				tr.sessions.Delete(gameID)
			}
		}
	}
}
