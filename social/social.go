// Package social implements the LSNP social state (spec.md §3, §4.9):
// following/followers sets, inbox, and post/like bookkeeping. Grounded on
// as283-ua-go-social-cli's Database/Post/Chat model shapes, generalized
// from a centralized single-process database to the per-peer state each
// LSNP node keeps about itself and the peers it has interacted with.
package social

import (
	"fmt"
	"sync"
	"time"

	"github.com/ImaginaryLogs/CSNETWK-MCO3/peerreg"
	"github.com/ImaginaryLogs/CSNETWK-MCO3/safemap"
)

// Post is a single LSNP post (spec.md §3).
type Post struct {
	ID        string
	Author    peerreg.FullID
	Content   string
	TTL       time.Duration
	CreatedAt time.Time
}

// Expired reports whether the post's TTL has elapsed as of now.
func (p Post) Expired(now time.Time) bool {
	return now.After(p.CreatedAt.Add(p.TTL))
}

// LikeState is the toggle state of a like.
type LikeState string

const (
	Liked   LikeState = "liked"
	Unliked LikeState = "unliked"
)

// DM is a received direct message.
type DM struct {
	From      peerreg.FullID
	Content   string
	Timestamp time.Time
}

// NewPostID returns a lexically sortable post id for a post authored now.
func NewPostID(author peerreg.FullID, now time.Time) string {
	return fmt.Sprintf("%d-%s", now.Unix(), shortOf(author))
}

func shortOf(id peerreg.FullID) string {
	s := string(id)
	for i := 0; i < len(s); i++ {
		if s[i] == '@' {
			return s[:i]
		}
	}
	return s
}

// State is the social state owned by one peer.
type State struct {
	following *safemap.Map[peerreg.FullID, struct{}]
	followers *safemap.Map[peerreg.FullID, struct{}]

	inboxMu sync.Mutex
	inbox   []DM

	groupInboxMu sync.Mutex
	groupInbox   []GroupMsg

	myPosts  *safemap.Map[string, Post]
	postsSeen *safemap.Map[string, Post]
	myLikes  *safemap.Map[string, LikeState]

	// authoritative per-post likers, keyed by this peer's own post id
	postLikers *safemap.Map[string, *safemap.Map[peerreg.FullID, LikeState]]

	groups *safemap.Map[string, *Group]
}

// Group is a GROUP_CREATE-defined membership set (supplements spec.md's
// distilled wire grammar, which names GROUP_CREATE/GROUP_MSG without
// detailing membership bookkeeping; grounded on
// original_source/src/manager/group_manager.py's Group/member-list
// shape). The peer controller, not this package, is responsible for
// fanning GROUP_MSG out to every member.
type Group struct {
	ID      string
	Name    string
	Owner   peerreg.FullID
	Members []peerreg.FullID
}

// GroupMsg is a received group message.
type GroupMsg struct {
	GroupID   string
	From      peerreg.FullID
	Content   string
	Timestamp time.Time
}

// New returns an empty social state.
func New() *State {
	return &State{
		following:  safemap.New[peerreg.FullID, struct{}](),
		followers:  safemap.New[peerreg.FullID, struct{}](),
		myPosts:    safemap.New[string, Post](),
		postsSeen:  safemap.New[string, Post](),
		myLikes:    safemap.New[string, LikeState](),
		postLikers: safemap.New[string, *safemap.Map[peerreg.FullID, LikeState]](),
		groups:     safemap.New[string, *Group](),
	}
}

// Follow adds target to the following set (local "follow" command).
func (s *State) Follow(target peerreg.FullID) {
	s.following.Set(target, struct{}{})
}

// Unfollow removes target from the following set.
func (s *State) Unfollow(target peerreg.FullID) {
	s.following.Delete(target)
}

// IsFollowing reports whether this peer follows target.
func (s *State) IsFollowing(target peerreg.FullID) bool {
	return s.following.Has(target)
}

// Following returns the current following set.
func (s *State) Following() []peerreg.FullID {
	return s.following.Keys()
}

// AddFollower records that sender now follows this peer (inbound FOLLOW,
// spec.md §4.7).
func (s *State) AddFollower(sender peerreg.FullID) {
	s.followers.Set(sender, struct{}{})
}

// RemoveFollower records that sender no longer follows this peer (inbound
// UNFOLLOW).
func (s *State) RemoveFollower(sender peerreg.FullID) {
	s.followers.Delete(sender)
}

// Followers returns the current follower set — used as the POST fan-out
// target (spec.md §9: fan-out to followers, not to all known peers).
func (s *State) Followers() []peerreg.FullID {
	return s.followers.Keys()
}

// DeliverDM appends an inbound DM to the inbox.
func (s *State) DeliverDM(dm DM) {
	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()
	s.inbox = append(s.inbox, dm)
}

// Inbox returns a snapshot of the inbox in delivery order.
func (s *State) Inbox() []DM {
	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()
	out := make([]DM, len(s.inbox))
	copy(out, s.inbox)
	return out
}

// RecordMyPost stores a post authored locally.
func (s *State) RecordMyPost(p Post) {
	s.myPosts.Set(p.ID, p)
	s.postLikers.GetOrSet(p.ID, safemap.New[peerreg.FullID, LikeState]())
}

// MyPosts returns every non-expired post authored locally, pruning
// expired ones as a side effect (spec.md §3: a post is "retained until
// TTL expiry").
func (s *State) MyPosts() []Post {
	return s.prunedPosts(s.myPosts)
}

// StorePostSeen records a post received from a followed peer (spec.md
// §4.7: POST is stored only "if sender is followed").
func (s *State) StorePostSeen(p Post) {
	s.postsSeen.Set(p.ID, p)
}

// PostsSeen returns every non-expired post stored from followed peers,
// pruning expired ones as a side effect (spec.md §3).
func (s *State) PostsSeen() []Post {
	return s.prunedPosts(s.postsSeen)
}

// prunedPosts returns m's posts that have not yet hit TTL expiry,
// deleting the ones that have.
func (s *State) prunedPosts(m *safemap.Map[string, Post]) []Post {
	now := time.Now()
	var expired []string
	out := make([]Post, 0, m.Len())
	for _, p := range m.Values() {
		if p.Expired(now) {
			expired = append(expired, p.ID)
			continue
		}
		out = append(out, p)
	}
	for _, id := range expired {
		m.Delete(id)
	}
	return out
}

// ToggleMyLike flips this peer's own outgoing like on postID and returns
// the new state, for correctly toggling LIKE/UNLIKE on repeated commands.
func (s *State) ToggleMyLike(postID string) LikeState {
	var next LikeState
	s.myLikes.Update(postID, func(cur LikeState) LikeState {
		if cur == Liked {
			next = Unliked
		} else {
			next = Liked
		}
		return next
	})
	return next
}

// MyLikeState returns the current state of this peer's own like on
// postID (Unliked if never liked).
func (s *State) MyLikeState(postID string) LikeState {
	v, ok := s.myLikes.Get(postID)
	if !ok {
		return Unliked
	}
	return v
}

// ErrNotMyPost is returned by RecordLikeFromPeer when postID does not
// name a post authored locally.
var ErrNotMyPost = fmt.Errorf("social: not an authored post")

// RecordLikeFromPeer updates the authoritative like set for a post this
// peer authored, on receipt of a LIKE record from liker.
func (s *State) RecordLikeFromPeer(postID string, liker peerreg.FullID, state LikeState) error {
	likers, ok := s.postLikers.Get(postID)
	if !ok {
		if _, isMine := s.myPosts.Get(postID); !isMine {
			return ErrNotMyPost
		}
		likers = safemap.New[peerreg.FullID, LikeState]()
		s.postLikers.Set(postID, likers)
	}
	likers.Set(liker, state)
	return nil
}

// LikersOf returns the authoritative like-state map for a locally
// authored post.
func (s *State) LikersOf(postID string) map[peerreg.FullID]LikeState {
	likers, ok := s.postLikers.Get(postID)
	if !ok {
		return nil
	}
	out := make(map[peerreg.FullID]LikeState)
	likers.Range(func(k peerreg.FullID, v LikeState) bool {
		out[k] = v
		return true
	})
	return out
}

// PutGroup stores or replaces a group's membership record, on local
// GROUP_CREATE or on receipt of one naming this peer as a member.
func (s *State) PutGroup(g Group) {
	s.groups.Set(g.ID, &g)
}

// Group returns a group's membership record.
func (s *State) Group(groupID string) (Group, bool) {
	g, ok := s.groups.Get(groupID)
	if !ok {
		return Group{}, false
	}
	return *g, true
}

// Groups returns every group this peer knows about (owns or is a member
// of).
func (s *State) Groups() []Group {
	out := make([]Group, 0, s.groups.Len())
	for _, g := range s.groups.Values() {
		out = append(out, *g)
	}
	return out
}

// IsGroupMember reports whether id is a member (or the owner) of
// groupID.
func (s *State) IsGroupMember(groupID string, id peerreg.FullID) bool {
	g, ok := s.groups.Get(groupID)
	if !ok {
		return false
	}
	if g.Owner == id {
		return true
	}
	for _, m := range g.Members {
		if m == id {
			return true
		}
	}
	return false
}

// DeliverGroupMsg appends an inbound GROUP_MSG to the group inbox.
func (s *State) DeliverGroupMsg(msg GroupMsg) {
	s.groupInboxMu.Lock()
	defer s.groupInboxMu.Unlock()
	s.groupInbox = append(s.groupInbox, msg)
}

// GroupInbox returns a snapshot of the group inbox in delivery order.
func (s *State) GroupInbox() []GroupMsg {
	s.groupInboxMu.Lock()
	defer s.groupInboxMu.Unlock()
	out := make([]GroupMsg, len(s.groupInbox))
	copy(out, s.groupInbox)
	return out
}
