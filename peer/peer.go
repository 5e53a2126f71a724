// Package peer implements the LSNP peer controller (spec.md §4.7): the
// single receive task that parses, validates, deduplicates, and
// dispatches every inbound record by TYPE, plus the periodic PROFILE/
// PING task. Grounded on the teacher's gossiper.HandlePeersMessages read
// loop (a blocking receive followed by a switch on packet kind),
// generalized from three gossip packet kinds to the full LSNP TYPE set,
// and wired to every other component this repository builds: transport,
// reliability, the peer registry, social state, the file-transfer
// engine, the game sink, and the injected logging sink.
package peer

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ImaginaryLogs/CSNETWK-MCO3/codec"
	"github.com/ImaginaryLogs/CSNETWK-MCO3/config"
	"github.com/ImaginaryLogs/CSNETWK-MCO3/discovery"
	"github.com/ImaginaryLogs/CSNETWK-MCO3/filetransfer"
	"github.com/ImaginaryLogs/CSNETWK-MCO3/game"
	"github.com/ImaginaryLogs/CSNETWK-MCO3/logging"
	"github.com/ImaginaryLogs/CSNETWK-MCO3/peerreg"
	"github.com/ImaginaryLogs/CSNETWK-MCO3/reliability"
	"github.com/ImaginaryLogs/CSNETWK-MCO3/social"
	"github.com/ImaginaryLogs/CSNETWK-MCO3/token"
	"github.com/ImaginaryLogs/CSNETWK-MCO3/transport"
)

// typeScope maps every token-gated TYPE to the scope its TOKEN must
// carry (spec.md §4.9 names follow/broadcast/chat explicitly; file,
// game, and group scopes extend the same rule to their own records).
var typeScope = map[string]token.Scope{
	codec.TypeDM:           token.ScopeChat,
	codec.TypePost:         token.ScopeBroadcast,
	codec.TypeLike:         token.ScopeBroadcast,
	codec.TypeFollow:       token.ScopeFollow,
	codec.TypeUnfollow:     token.ScopeFollow,
	codec.TypeFileOffer:    token.ScopeFile,
	codec.TypeFileAccept:   token.ScopeFile,
	codec.TypeFileReject:   token.ScopeFile,
	codec.TypeFileChunk:    token.ScopeFile,
	codec.TypeFileReceived: token.ScopeFile,
	codec.TypeGameInvite:   token.ScopeGame,
	codec.TypeGameMove:     token.ScopeGame,
	codec.TypeGameResult:   token.ScopeGame,
	codec.TypeGroupCreate:  token.ScopeGroup,
	codec.TypeGroupMsg:     token.ScopeGroup,
}

// Controller owns the transport, codec, peer registry, reliability
// table, and social state (spec.md §4's ownership rule). It borrows
// nothing from the file-transfer engine or game tracker beyond the
// Outbound/Sink interfaces those packages define.
type Controller struct {
	cfg    config.Config
	selfID peerreg.FullID
	logger *logging.Sink

	tp          *transport.Transport
	reliability *reliability.Table
	registry    *peerreg.Registry
	social      *social.State
	files       *filetransfer.Engine
	games       *game.Tracker
	disc        *discovery.Discovery

	stop chan struct{}
	done chan struct{}
}

// New wires every component of the peer: binds the transport, starts
// the reliability retry task, and constructs the file-transfer engine
// and game tracker against this controller as their Outbound/delegate.
func New(cfg config.Config, logger *logging.Sink, gameSink game.Sink) (*Controller, error) {
	ip, err := localIPv4()
	if err != nil {
		return nil, fmt.Errorf("peer: %w", err)
	}

	tp, err := transport.Listen(cfg.ListenPort, cfg.BroadcastAddr)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:      cfg,
		selfID:   peerreg.FullID(cfg.UserID + "@" + ip.String()),
		logger:   logger,
		tp:       tp,
		registry: peerreg.New(),
		social:   social.New(),
		games:    game.NewTracker(gameSink),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.reliability = reliability.NewTable(tp, logger.Debugf)
	c.files = filetransfer.New(c, cfg.BaseDir, logger.Debugf)

	disc, err := discovery.New(c.registry, cfg.UserID, cfg.DisplayName, tp.LocalPort(), ip, logger.Debugf)
	if err != nil {
		c.reliability.Close()
		c.files.Close()
		tp.Close()
		return nil, err
	}
	c.disc = disc

	return c, nil
}

func localIPv4() (net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("enumerate interfaces: %w", err)
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4, nil
		}
	}
	return nil, fmt.Errorf("no usable IPv4 address found")
}

// Identity implements filetransfer.Outbound.
func (c *Controller) Identity() peerreg.FullID { return c.selfID }

// MintToken implements filetransfer.Outbound, defaulting ttl to the
// configured DefaultTTL when zero.
func (c *Controller) MintToken(scope token.Scope, ttl time.Duration) string {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	return token.Mint(string(c.selfID), scope, int64(ttl.Seconds()), time.Now())
}

// SendReliable implements filetransfer.Outbound and is also this
// controller's general-purpose send primitive: it sets MESSAGE_ID,
// serializes, and blocks on the reliability table until ACKed, ctx is
// cancelled, or retries are exhausted.
func (c *Controller) SendReliable(ctx context.Context, to peerreg.Peer, rec *codec.Record) error {
	addr := &net.UDPAddr{IP: net.ParseIP(to.IP), Port: int(to.Port)}
	if addr.IP == nil {
		return fmt.Errorf("peer: %q has no resolvable address", to.UserID)
	}

	messageID := reliability.NewMessageID()
	rec.Set("MESSAGE_ID", messageID)

	data, err := codec.Serialize(rec)
	if err != nil {
		return fmt.Errorf("peer: serialize %s: %w", rec.Type(), err)
	}
	return c.reliability.Send(ctx, messageID, addr, data)
}

// Start launches the receive loop, periodic task, and discovery
// observer. Call Stop to tear everything down.
func (c *Controller) Start() {
	c.disc.Start()
	go c.recvLoop()
	go c.periodicLoop()
}

// Stop releases every owned resource.
func (c *Controller) Stop() {
	close(c.stop)
	c.disc.Close()
	c.tp.Close() // unblocks recvLoop's pending Recv
	<-c.done
	c.reliability.Close()
	c.files.Close()
	c.games.Close()
}

func (c *Controller) recvLoop() {
	buf := make([]byte, transport.MaxDatagramSize)
	for {
		n, addr, err := c.tp.Recv(buf)
		if err != nil {
			close(c.done)
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		go c.handleDatagram(data, addr)
	}
}

func (c *Controller) handleDatagram(data []byte, addr *net.UDPAddr) {
	rec, err := codec.Parse(data)
	if err != nil {
		c.logger.Debugf("peer: parse from %s failed: %v", addr, err)
		return
	}
	if err := codec.Validate(rec); err != nil {
		c.logger.Debugf("peer: validate from %s failed: %v", addr, err)
		return
	}

	t := rec.Type()
	switch t {
	case codec.TypeAck:
		c.reliability.HandleAck(rec.MustGet("MESSAGE_ID"))
		return
	case codec.TypePing:
		c.upsertFromAddr(peerreg.FullID(rec.MustGet("FROM")), addr)
		return
	case codec.TypeProfile:
		c.handleProfile(rec, addr)
		return
	}

	scope, known := typeScope[t]
	if !known {
		c.logger.Debugf("peer: unhandled TYPE %q from %s", t, addr)
		return
	}
	if _, err := token.Validate(rec.MustGet("TOKEN"), scope, addr.IP.String(), time.Now()); err != nil {
		c.logger.Debugf("peer: token rejected from %s (%s): %v", addr, t, err)
		return
	}

	msgID := rec.MustGet("MESSAGE_ID")
	from := peerreg.FullID(rec.MustGet("FROM"))
	dup := c.reliability.SeenBefore(addr.String(), msgID)
	c.sendAck(from, msgID, addr)
	if dup {
		return
	}

	c.upsertFromAddr(from, addr)
	c.dispatch(t, rec, addr, from)
}

// upsertFromAddr records from's source address in the registry (spec.md
// §7: "accept the message and upsert the peer from the source address
// as a side effect" for any sender not yet known via PROFILE/mDNS).
// Registry.Upsert merges rather than overwrites, so a peer already
// known with a DisplayName keeps it.
func (c *Controller) upsertFromAddr(from peerreg.FullID, addr *net.UDPAddr) {
	c.registry.Upsert(peerreg.Peer{UserID: from, IP: addr.IP.String(), Port: uint16(addr.Port)})
}

func (c *Controller) sendAck(from peerreg.FullID, messageID string, addr *net.UDPAddr) {
	ack := reliability.BuildAck(string(c.selfID), messageID, time.Now())
	data, err := codec.Serialize(ack)
	if err != nil {
		c.logger.Errorf("peer: serialize ACK for %s: %v", messageID, err)
		return
	}
	if err := c.tp.SendUnicast(addr, data); err != nil {
		c.logger.Debugf("peer: send ACK to %s failed: %v", addr, err)
	}
}

func (c *Controller) handleProfile(rec *codec.Record, addr *net.UDPAddr) {
	userID := rec.MustGet("USER_ID")
	c.registry.Upsert(peerreg.Peer{
		UserID:      peerreg.FullID(userID + "@" + addr.IP.String()),
		DisplayName: rec.MustGet("DISPLAY_NAME"),
		IP:          addr.IP.String(),
		Port:        uint16(addr.Port),
	})
}

func (c *Controller) dispatch(t string, rec *codec.Record, addr *net.UDPAddr, from peerreg.FullID) {
	switch t {
	case codec.TypeDM:
		c.social.DeliverDM(social.DM{From: from, Content: rec.MustGet("CONTENT"), Timestamp: time.Now()})

	case codec.TypePost:
		if c.social.IsFollowing(from) {
			ttlSeconds, _ := strconv.Atoi(rec.MustGet("TTL"))
			c.social.StorePostSeen(social.Post{
				ID:        social.NewPostID(from, time.Now()),
				Author:    from,
				Content:   rec.MustGet("CONTENT"),
				TTL:       time.Duration(ttlSeconds) * time.Second,
				CreatedAt: time.Now(),
			})
		}

	case codec.TypeLike:
		state := social.Unliked
		if rec.MustGet("ACTION") == "LIKE" {
			state = social.Liked
		}
		if err := c.social.RecordLikeFromPeer(rec.MustGet("POST_ID"), from, state); err != nil {
			c.logger.Debugf("peer: like on unknown post from %s: %v", from, err)
		}

	case codec.TypeFollow:
		c.social.AddFollower(from)

	case codec.TypeUnfollow:
		c.social.RemoveFollower(from)

	case codec.TypeFileOffer:
		filesize, _ := strconv.ParseInt(rec.MustGet("FILESIZE"), 10, 64)
		c.files.HandleOffer(rec.MustGet("FILEID"), rec.MustGet("FILENAME"), filesize, rec.MustGet("FILETYPE"), rec.MustGet("DESCRIPTION"), from, addr)

	case codec.TypeFileAccept:
		c.files.HandleAccept(rec.MustGet("FILEID"))

	case codec.TypeFileReject:
		c.files.HandleReject(rec.MustGet("FILEID"))

	case codec.TypeFileChunk:
		idx, _ := strconv.Atoi(rec.MustGet("CHUNK_INDEX"))
		total, _ := strconv.Atoi(rec.MustGet("TOTAL_CHUNKS"))
		size, _ := strconv.Atoi(rec.MustGet("CHUNK_SIZE"))
		if _, err := c.files.HandleChunk(rec.MustGet("FILEID"), idx, total, size, rec.MustGet("DATA")); err != nil {
			c.logger.Debugf("peer: chunk from %s: %v", from, err)
		}

	case codec.TypeFileReceived:
		c.files.HandleReceived(rec.MustGet("FILEID"))

	case codec.TypeGameInvite, codec.TypeGameMove, codec.TypeGameResult:
		c.games.OnMessage(*rec, from)

	case codec.TypeGroupCreate:
		c.handleGroupCreate(rec, from)

	case codec.TypeGroupMsg:
		groupID := rec.MustGet("GROUP_ID")
		if c.social.IsGroupMember(groupID, c.selfID) {
			c.social.DeliverGroupMsg(social.GroupMsg{GroupID: groupID, From: from, Content: rec.MustGet("CONTENT"), Timestamp: time.Now()})
		}
	}
}

func (c *Controller) handleGroupCreate(rec *codec.Record, from peerreg.FullID) {
	// A GROUP_CREATE is only sent to the group's members, so this peer is
	// one of them.
	members := []peerreg.FullID{from, c.selfID}
	c.social.PutGroup(social.Group{
		ID:      rec.MustGet("GROUP_ID"),
		Name:    rec.MustGet("GROUP_NAME"),
		Owner:   from,
		Members: members,
	})
}

func (c *Controller) periodicLoop() {
	ticker := time.NewTicker(c.cfg.ProfileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.broadcastProfile()
			c.pingStalePeers()
		}
	}
}

func (c *Controller) broadcastProfile() {
	rec := codec.NewRecord()
	rec.Set("TYPE", codec.TypeProfile)
	rec.Set("FROM", string(c.selfID))
	rec.Set("TIMESTAMP", strconv.FormatInt(time.Now().Unix(), 10))
	rec.Set("USER_ID", c.cfg.UserID)
	rec.Set("DISPLAY_NAME", c.cfg.DisplayName)

	data, err := codec.Serialize(rec)
	if err != nil {
		c.logger.Errorf("peer: serialize PROFILE: %v", err)
		return
	}
	if err := c.tp.SendBroadcast(data); err != nil {
		c.logger.Debugf("peer: broadcast PROFILE failed: %v", err)
	}
}

func (c *Controller) pingStalePeers() {
	cutoff := time.Now().Add(-c.cfg.ProfileInterval)
	for _, p := range c.registry.Iter() {
		if p.LastSeen.After(cutoff) {
			continue
		}
		rec := codec.NewRecord()
		rec.Set("TYPE", codec.TypePing)
		rec.Set("FROM", string(c.selfID))
		rec.Set("TIMESTAMP", strconv.FormatInt(time.Now().Unix(), 10))
		rec.Set("USER_ID", c.cfg.UserID)

		data, err := codec.Serialize(rec)
		if err != nil {
			continue
		}
		addr := &net.UDPAddr{IP: net.ParseIP(p.IP), Port: int(p.Port)}
		if err := c.tp.SendUnicast(addr, data); err != nil {
			c.logger.Debugf("peer: ping %s failed: %v", p.UserID, err)
		}
	}
}

// --- Command-surface API (spec.md §4.13's handlers call these) ---

// Registry exposes the peer registry for read-only listing.
func (c *Controller) Registry() *peerreg.Registry { return c.registry }

// Social exposes the social state for read-only listing.
func (c *Controller) Social() *social.State { return c.social }

// Files exposes the file-transfer engine for accept/reject/listing.
func (c *Controller) Files() *filetransfer.Engine { return c.files }

// SendDM authorizes, serializes, and reliably delivers a DM to target.
func (c *Controller) SendDM(ctx context.Context, target peerreg.Peer, content string) error {
	rec := codec.NewRecord()
	rec.Set("TYPE", codec.TypeDM)
	rec.Set("FROM", string(c.selfID))
	rec.Set("TIMESTAMP", strconv.FormatInt(time.Now().Unix(), 10))
	rec.Set("TO", string(target.UserID))
	rec.Set("CONTENT", content)
	rec.Set("TOKEN", c.MintToken(token.ScopeChat, 0))
	return c.SendReliable(ctx, target, rec)
}

// Post emits one POST record per follower (fan-out at source, spec.md
// §4.9/§9 — not a broadcast to every known peer).
func (c *Controller) Post(ctx context.Context, content string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	post := social.Post{ID: social.NewPostID(c.selfID, time.Now()), Author: c.selfID, Content: content, TTL: ttl, CreatedAt: time.Now()}
	c.social.RecordMyPost(post)

	for _, follower := range c.social.Followers() {
		p, ok := c.registry.LookupFull(follower)
		if !ok {
			continue
		}
		rec := codec.NewRecord()
		rec.Set("TYPE", codec.TypePost)
		rec.Set("FROM", string(c.selfID))
		rec.Set("TIMESTAMP", strconv.FormatInt(time.Now().Unix(), 10))
		rec.Set("CONTENT", content)
		rec.Set("TTL", strconv.Itoa(int(ttl.Seconds())))
		rec.Set("TOKEN", c.MintToken(token.ScopeBroadcast, 0))
		if err := c.SendReliable(ctx, p, rec); err != nil {
			c.logger.Debugf("peer: post fan-out to %s failed: %v", follower, err)
		}
	}
	return nil
}

// ToggleLike toggles this peer's own like on postID, owned by owner,
// and sends the resulting LIKE record.
func (c *Controller) ToggleLike(ctx context.Context, owner peerreg.Peer, postID string) error {
	state := c.social.ToggleMyLike(postID)
	rec := codec.NewRecord()
	rec.Set("TYPE", codec.TypeLike)
	rec.Set("FROM", string(c.selfID))
	rec.Set("TIMESTAMP", strconv.FormatInt(time.Now().Unix(), 10))
	rec.Set("POST_ID", postID)
	action := "UNLIKE"
	if state == social.Liked {
		action = "LIKE"
	}
	rec.Set("ACTION", action)
	rec.Set("TOKEN", c.MintToken(token.ScopeBroadcast, 0))
	return c.SendReliable(ctx, owner, rec)
}

// Follow sends a FOLLOW record to target and adds it locally.
func (c *Controller) Follow(ctx context.Context, target peerreg.Peer) error {
	c.social.Follow(target.UserID)
	rec := codec.NewRecord()
	rec.Set("TYPE", codec.TypeFollow)
	rec.Set("FROM", string(c.selfID))
	rec.Set("TIMESTAMP", strconv.FormatInt(time.Now().Unix(), 10))
	rec.Set("TOKEN", c.MintToken(token.ScopeFollow, 0))
	return c.SendReliable(ctx, target, rec)
}

// Unfollow sends an UNFOLLOW record to target and removes it locally.
func (c *Controller) Unfollow(ctx context.Context, target peerreg.Peer) error {
	c.social.Unfollow(target.UserID)
	rec := codec.NewRecord()
	rec.Set("TYPE", codec.TypeUnfollow)
	rec.Set("FROM", string(c.selfID))
	rec.Set("TIMESTAMP", strconv.FormatInt(time.Now().Unix(), 10))
	rec.Set("TOKEN", c.MintToken(token.ScopeFollow, 0))
	return c.SendReliable(ctx, target, rec)
}

// Ping sends a PING record to target.
func (c *Controller) Ping(target peerreg.Peer) error {
	rec := codec.NewRecord()
	rec.Set("TYPE", codec.TypePing)
	rec.Set("FROM", string(c.selfID))
	rec.Set("TIMESTAMP", strconv.FormatInt(time.Now().Unix(), 10))
	rec.Set("USER_ID", c.cfg.UserID)
	data, err := codec.Serialize(rec)
	if err != nil {
		return err
	}
	addr := &net.UDPAddr{IP: net.ParseIP(target.IP), Port: int(target.Port)}
	return c.tp.SendUnicast(addr, data)
}

// CreateGroup mints a GROUP_CREATE, stores it locally, and sends it to
// every named member (original_source/src/manager/group_manager.py).
func (c *Controller) CreateGroup(ctx context.Context, name string, members []peerreg.Peer) (string, error) {
	groupID := uuid.NewString()
	ids := make([]peerreg.FullID, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.UserID)
	}
	c.social.PutGroup(social.Group{ID: groupID, Name: name, Owner: c.selfID, Members: ids})

	for _, m := range members {
		rec := codec.NewRecord()
		rec.Set("TYPE", codec.TypeGroupCreate)
		rec.Set("FROM", string(c.selfID))
		rec.Set("TIMESTAMP", strconv.FormatInt(time.Now().Unix(), 10))
		rec.Set("GROUP_ID", groupID)
		rec.Set("GROUP_NAME", name)
		rec.Set("TOKEN", c.MintToken(token.ScopeGroup, 0))
		if err := c.SendReliable(ctx, m, rec); err != nil {
			c.logger.Debugf("peer: group create to %s failed: %v", m.UserID, err)
		}
	}
	return groupID, nil
}

// BroadcastProfile sends a PROFILE record immediately, for the control
// surface's `POST /broadcast` route (spec.md §4.13) rather than waiting
// on the periodic task.
func (c *Controller) BroadcastProfile() {
	c.broadcastProfile()
}

// DefaultTTL returns the TTL applied to records that don't specify one.
func (c *Controller) DefaultTTL() time.Duration { return c.cfg.DefaultTTL }

// SetDefaultTTL updates the TTL applied to records that don't specify
// one, for the control surface's `POST /ttl` route.
func (c *Controller) SetDefaultTTL(ttl time.Duration) {
	c.cfg.DefaultTTL = ttl
}

// GroupMessage fans a GROUP_MSG out to every member of groupID.
func (c *Controller) GroupMessage(ctx context.Context, groupID, content string) error {
	g, ok := c.social.Group(groupID)
	if !ok {
		return fmt.Errorf("peer: unknown group %s", groupID)
	}
	for _, member := range g.Members {
		p, ok := c.registry.LookupFull(member)
		if !ok {
			continue
		}
		rec := codec.NewRecord()
		rec.Set("TYPE", codec.TypeGroupMsg)
		rec.Set("FROM", string(c.selfID))
		rec.Set("TIMESTAMP", strconv.FormatInt(time.Now().Unix(), 10))
		rec.Set("GROUP_ID", groupID)
		rec.Set("CONTENT", content)
		rec.Set("TOKEN", c.MintToken(token.ScopeGroup, 0))
		if err := c.SendReliable(ctx, p, rec); err != nil {
			c.logger.Debugf("peer: group message to %s failed: %v", member, err)
		}
	}
	return nil
}
