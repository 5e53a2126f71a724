package peer

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ImaginaryLogs/CSNETWK-MCO3/codec"
	"github.com/ImaginaryLogs/CSNETWK-MCO3/config"
	"github.com/ImaginaryLogs/CSNETWK-MCO3/logging"
	"github.com/ImaginaryLogs/CSNETWK-MCO3/peerreg"
	"github.com/ImaginaryLogs/CSNETWK-MCO3/token"
)

func testConfig(t *testing.T, userID string) config.Config {
	return config.Config{
		UserID:          userID,
		DisplayName:     userID,
		ListenPort:      0,
		BaseDir:         t.TempDir(),
		DefaultTTL:      time.Hour,
		BroadcastAddr:   "127.0.0.1:9",
		ProfileInterval: time.Hour,
	}
}

// newLoopbackPair builds two controllers and pins their identities to
// 127.0.0.1 so token validation matches the address the loopback
// socket actually observes, regardless of the test host's real LAN IP.
func newLoopbackPair(t *testing.T) (*Controller, *Controller) {
	t.Helper()
	logA := logging.New(nil, false)
	logB := logging.New(nil, false)
	t.Cleanup(logA.Close)
	t.Cleanup(logB.Close)

	a, err := New(testConfig(t, "alice"), logA, nil)
	require.NoError(t, err)
	b, err := New(testConfig(t, "bob"), logB, nil)
	require.NoError(t, err)

	a.selfID = "alice@127.0.0.1"
	b.selfID = "bob@127.0.0.1"

	a.Start()
	b.Start()
	t.Cleanup(a.Stop)
	t.Cleanup(b.Stop)
	return a, b
}

func peerOf(c *Controller) peerreg.Peer {
	return peerreg.Peer{UserID: c.Identity(), IP: "127.0.0.1", Port: uint16(c.tp.LocalPort())}
}

func TestSendDMDeliversExactlyOnce(t *testing.T) {
	a, b := newLoopbackPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.SendDM(ctx, peerOf(b), "hi"))

	require.Eventually(t, func() bool {
		return len(b.Social().Inbox()) == 1
	}, 3*time.Second, 20*time.Millisecond)
	require.Equal(t, "hi", b.Social().Inbox()[0].Content)
}

func TestFollowThenPostFansOutToFollower(t *testing.T) {
	a, b := newLoopbackPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// B follows A so A's POST reaches B. A's dispatch path upserts B's
	// address from the FOLLOW datagram's source (spec.md §7), so no
	// manual registry seeding is needed here.
	require.NoError(t, b.Follow(ctx, peerOf(a)))
	require.Eventually(t, func() bool {
		followers := a.Social().Followers()
		return len(followers) == 1
	}, 3*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		_, ok := a.registry.LookupFull(b.Identity())
		return ok
	}, 3*time.Second, 20*time.Millisecond)
	require.NoError(t, a.Post(ctx, "hello followers", 60*time.Second))

	require.Eventually(t, func() bool {
		return len(b.Social().PostsSeen()) == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestTokenExpiryDropsMessage(t *testing.T) {
	a, b := newLoopbackPair(t)

	rec := codec.NewRecord()
	rec.Set("TYPE", codec.TypeDM)
	rec.Set("FROM", string(a.Identity()))
	rec.Set("TIMESTAMP", strconv.FormatInt(time.Now().Unix(), 10))
	rec.Set("TO", string(b.Identity()))
	rec.Set("CONTENT", "stale")
	rec.Set("TOKEN", a.MintToken(token.ScopeChat, 1*time.Second))

	// Expiry has one-second resolution, so wait two full seconds to be
	// sure the 1s token is past its expiry second.
	time.Sleep(2 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = a.SendReliable(ctx, peerOf(b), rec)

	time.Sleep(200 * time.Millisecond)
	require.Empty(t, b.Social().Inbox())
}
