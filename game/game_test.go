package game

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ImaginaryLogs/CSNETWK-MCO3/codec"
	"github.com/ImaginaryLogs/CSNETWK-MCO3/peerreg"
)

type recordingSink struct {
	received []codec.Record
}

func (r *recordingSink) OnMessage(record codec.Record, from peerreg.FullID) {
	r.received = append(r.received, record)
}

func invite(gameID string) codec.Record {
	rec := codec.NewRecord()
	rec.Set("TYPE", codec.TypeGameInvite)
	rec.Set("GAMEID", gameID)
	return *rec
}

func move(gameID, moveID string) codec.Record {
	rec := codec.NewRecord()
	rec.Set("TYPE", codec.TypeGameMove)
	rec.Set("GAMEID", gameID)
	rec.Set("MOVE_ID", moveID)
	return *rec
}

func TestTrackerForwardsToDownstream(t *testing.T) {
	sink := &recordingSink{}
	tr := NewTracker(sink)
	t.Cleanup(tr.Close)

	tr.OnMessage(invite("g1"), "alice@10.0.0.1")
	require.Len(t, sink.received, 1)
}

func TestTrackerDropsDuplicateMoves(t *testing.T) {
	sink := &recordingSink{}
	tr := NewTracker(sink)
	t.Cleanup(tr.Close)

	tr.OnMessage(move("g1", "m1"), "alice@10.0.0.1")
	tr.OnMessage(move("g1", "m1"), "alice@10.0.0.1")

	require.Len(t, sink.received, 1)
}

func TestTrackerRecordsParticipants(t *testing.T) {
	tr := NewTracker(nil)
	t.Cleanup(tr.Close)

	tr.OnMessage(invite("g1"), "alice@10.0.0.1")
	tr.OnMessage(move("g1", "m1"), "bob@10.0.0.2")

	require.ElementsMatch(t, []peerreg.FullID{"alice@10.0.0.1", "bob@10.0.0.2"}, tr.Participants("g1"))
}

func TestTrackerClearsSessionOnResult(t *testing.T) {
	tr := NewTracker(nil)
	t.Cleanup(tr.Close)

	tr.OnMessage(invite("g1"), "alice@10.0.0.1")

	result := codec.NewRecord()
	result.Set("TYPE", codec.TypeGameResult)
	result.Set("GAMEID", "g1")
	tr.OnMessage(*result, "alice@10.0.0.1")

	require.NotContains(t, tr.ActiveGames(), "g1")
}

func TestTrackerReapsIdleSession(t *testing.T) {
	tr := NewTracker(nil)
	t.Cleanup(tr.Close)

	tr.OnMessage(invite("g1"), "alice@10.0.0.1")
	require.Contains(t, tr.ActiveGames(), "g1")

	s, ok := tr.sessions.Get("g1")
	require.True(t, ok)
	s.mu.Lock()
	s.lastActivity = s.lastActivity.Add(-2 * IdleTimeout)
	s.mu.Unlock()

	require.Eventually(t, func() bool {
		return !contains(tr.ActiveGames(), "g1")
	}, 2*idleScanInterval, 20*time.Millisecond)
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
