package social

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ImaginaryLogs/CSNETWK-MCO3/peerreg"
)

func TestFollowUnfollow(t *testing.T) {
	s := New()
	bob := peerreg.FullID("bob@10.0.0.2")

	s.Follow(bob)
	require.True(t, s.IsFollowing(bob))

	s.Unfollow(bob)
	require.False(t, s.IsFollowing(bob))
}

func TestFollowersDrivesFanout(t *testing.T) {
	s := New()
	alice := peerreg.FullID("alice@10.0.0.1")

	s.AddFollower(alice)
	require.Contains(t, s.Followers(), alice)

	s.RemoveFollower(alice)
	require.NotContains(t, s.Followers(), alice)
}

func TestDeliverDMGrowsInboxByOne(t *testing.T) {
	s := New()
	dm := DM{From: "alice@10.0.0.1", Content: "hi", Timestamp: time.Now()}

	s.DeliverDM(dm)
	s.DeliverDM(dm)

	require.Len(t, s.Inbox(), 2)
}

func TestToggleMyLike(t *testing.T) {
	s := New()
	require.Equal(t, Unliked, s.MyLikeState("post-1"))

	first := s.ToggleMyLike("post-1")
	require.Equal(t, Liked, first)

	second := s.ToggleMyLike("post-1")
	require.Equal(t, Unliked, second)
}

func TestRecordLikeFromPeerRequiresOwnedPost(t *testing.T) {
	s := New()
	err := s.RecordLikeFromPeer("not-mine", "bob@10.0.0.2", Liked)
	require.ErrorIs(t, err, ErrNotMyPost)

	s.RecordMyPost(Post{ID: "post-1", Author: "me@10.0.0.1", Content: "hello"})
	err = s.RecordLikeFromPeer("post-1", "bob@10.0.0.2", Liked)
	require.NoError(t, err)
	require.Equal(t, Liked, s.LikersOf("post-1")["bob@10.0.0.2"])
}

func TestPostExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := Post{CreatedAt: now, TTL: 10 * time.Second}

	require.False(t, p.Expired(now.Add(5*time.Second)))
	require.True(t, p.Expired(now.Add(11*time.Second)))
}

func TestNewPostIDIsLexicallySortable(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	id := NewPostID("alice@10.0.0.1", now)
	require.Equal(t, "1700000000-alice", id)
}

func TestPostsSeenPrunesExpiredPosts(t *testing.T) {
	s := New()
	now := time.Now()
	s.StorePostSeen(Post{ID: "fresh", Author: "alice@10.0.0.1", Content: "still good", TTL: time.Hour, CreatedAt: now})
	s.StorePostSeen(Post{ID: "stale", Author: "alice@10.0.0.1", Content: "long gone", TTL: time.Second, CreatedAt: now.Add(-time.Hour)})

	seen := s.PostsSeen()
	require.Len(t, seen, 1)
	require.Equal(t, "fresh", seen[0].ID)

	// The expired post was pruned as a side effect of listing, not just
	// filtered from this one result.
	require.Len(t, s.PostsSeen(), 1)
}

func TestMyPostsPrunesExpiredPosts(t *testing.T) {
	s := New()
	now := time.Now()
	s.RecordMyPost(Post{ID: "fresh", Author: "me@10.0.0.1", Content: "still good", TTL: time.Hour, CreatedAt: now})
	s.RecordMyPost(Post{ID: "stale", Author: "me@10.0.0.1", Content: "long gone", TTL: time.Second, CreatedAt: now.Add(-time.Hour)})

	require.Len(t, s.MyPosts(), 1)
}

func TestGroupMembershipAndMessage(t *testing.T) {
	s := New()
	g := Group{ID: "g1", Name: "study", Owner: "alice@10.0.0.1", Members: []peerreg.FullID{"bob@10.0.0.2"}}
	s.PutGroup(g)

	require.True(t, s.IsGroupMember("g1", "bob@10.0.0.2"))
	require.True(t, s.IsGroupMember("g1", "alice@10.0.0.1"))
	require.False(t, s.IsGroupMember("g1", "carol@10.0.0.3"))

	s.DeliverGroupMsg(GroupMsg{GroupID: "g1", From: "alice@10.0.0.1", Content: "hi all", Timestamp: time.Now()})
	require.Len(t, s.GroupInbox(), 1)
}
