// Package reliability implements the LSNP reliability layer (spec.md
// §4.6): MESSAGE_ID-keyed retry bookkeeping, ACK routing, and per-sender
// bounded seen-ID sets for idempotent receive. Grounded on the teacher's
// rumorMonger/isMongeringDone pair (a per-peer completion channel awaited
// against a ticker) and utils.SafeChanMap, generalized from "wait for a
// status packet" to "wait for an ACK or exhaust a fixed retry schedule".
package reliability

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ImaginaryLogs/CSNETWK-MCO3/codec"
	"github.com/ImaginaryLogs/CSNETWK-MCO3/safemap"
)

// BaseInterval and MaxAttempts fix the retry schedule (spec.md §4.6):
// attempt n waits BaseInterval * 2^n before attempt n+1, total window
// covers MaxAttempts sends.
const (
	BaseInterval       = 2 * time.Second
	MaxAttempts        = 3
	SeenSetBound       = 1024
	scanInterval       = 100 * time.Millisecond
)

// ErrDeliveryFailed is returned by Send when all retries are exhausted
// without an ACK.
var ErrDeliveryFailed = fmt.Errorf("reliability: delivery failed after %d attempts", MaxAttempts)

// Sender transmits serialized bytes to a unicast destination. Implemented
// by *transport.Transport; kept as an interface so this package never
// imports transport.
type Sender interface {
	SendUnicast(addr *net.UDPAddr, data []byte) error
}

type entry struct {
	mu        sync.Mutex
	addr      *net.UDPAddr
	data      []byte
	attempts  int
	nextRetry time.Time
	done      chan error
	cancelled bool
}

// Table is the sender-side reliability table (C6).
type Table struct {
	sender Sender
	logger func(format string, args ...any)

	entries *safemap.Map[string, *entry]
	seen    *safemap.Map[string, *safemap.Bounded[string]]

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewTable constructs a reliability table bound to sender.
func NewTable(sender Sender, logger func(format string, args ...any)) *Table {
	if logger == nil {
		logger = func(string, ...any) {}
	}
	t := &Table{
		sender:  sender,
		logger:  logger,
		entries: safemap.New[string, *entry](),
		seen:    safemap.New[string, *safemap.Bounded[string]](),
		stop:    make(chan struct{}),
	}
	t.wg.Add(1)
	go t.retryLoop()
	return t
}

// Close stops the retry task. In-flight Send calls return ErrDeliveryFailed.
func (t *Table) Close() {
	close(t.stop)
	t.wg.Wait()
	for _, e := range t.entries.Values() {
		select {
		case e.done <- ErrDeliveryFailed:
		default:
		}
	}
}

// NewMessageID returns a fresh sender-generated message ID.
func NewMessageID() string {
	return uuid.NewString()
}

// Send transmits data (already serialized, already carrying
// MESSAGE_ID=messageID) to addr, retrying per the fixed schedule until
// an ACK arrives via HandleAck, the caller cancels ctx, or retries are
// exhausted. It blocks until resolution.
func (t *Table) Send(ctx context.Context, messageID string, addr *net.UDPAddr, data []byte) error {
	e := &entry{
		addr:      addr,
		data:      data,
		nextRetry: time.Now().Add(BaseInterval),
		done:      make(chan error, 1),
	}
	t.entries.Set(messageID, e)
	defer t.entries.Delete(messageID)

	// The initial transmission happens synchronously; the retry loop
	// only handles the (at most MaxAttempts) retransmissions after it.
	if err := t.sender.SendUnicast(addr, data); err != nil {
		t.logger("reliability: initial send for %s failed: %v", messageID, err)
	}

	select {
	case err := <-e.done:
		return err
	case <-ctx.Done():
		t.cancel(e)
		return nil // cancellation reports no failure upstream, per spec.md §5
	}
}

// cancel marks an entry cancelled so the retry loop stops touching it.
func (t *Table) cancel(e *entry) {
	e.mu.Lock()
	e.cancelled = true
	e.mu.Unlock()
}

// Cancel removes a pending send by MESSAGE_ID without reporting failure,
// for explicit caller cancellation (spec.md §5).
func (t *Table) Cancel(messageID string) {
	if e, ok := t.entries.Get(messageID); ok {
		t.cancel(e)
		select {
		case e.done <- nil:
		default:
		}
	}
}

// HandleAck resolves the pending send for messageID, if any. Safe to
// call for unknown IDs (e.g. a late or duplicate ACK).
func (t *Table) HandleAck(messageID string) {
	e, ok := t.entries.Get(messageID)
	if !ok {
		return
	}
	e.mu.Lock()
	if e.cancelled {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	select {
	case e.done <- nil:
	default:
	}
}

func (t *Table) retryLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case now := <-ticker.C:
			t.scanDue(now)
		}
	}
}

func (t *Table) scanDue(now time.Time) {
	for _, id := range t.entries.Keys() {
		e, ok := t.entries.Get(id)
		if !ok {
			continue
		}
		e.mu.Lock()
		if e.cancelled || now.Before(e.nextRetry) {
			e.mu.Unlock()
			continue
		}
		if e.attempts >= MaxAttempts {
			e.mu.Unlock()
			select {
			case e.done <- ErrDeliveryFailed:
			default:
			}
			continue
		}
		e.attempts++
		retryNum := e.attempts
		e.nextRetry = now.Add(BaseInterval * time.Duration(uint(1)<<uint(retryNum)))
		addr, data := e.addr, e.data
		e.mu.Unlock()

		if err := t.sender.SendUnicast(addr, data); err != nil {
			t.logger("reliability: retry %d for %s failed: %v", retryNum, id, err)
		}
	}
}

// peerKey identifies a seen-ID set owner; the sender's full-id is the
// natural key, but the datagram source address works before the peer is
// known by full-id (spec.md §7: unknown senders are still processed).
func peerKey(senderAddr string) string {
	return senderAddr
}

// SeenBefore reports whether messageID has already been processed from
// senderAddr, inserting it into the bounded seen set if not.
func (t *Table) SeenBefore(senderAddr, messageID string) bool {
	key := peerKey(senderAddr)
	set := t.seen.GetOrSet(key, safemap.NewBounded[string](SeenSetBound))
	return !set.Insert(messageID)
}

// BuildAck constructs the ACK record for a received message.
func BuildAck(from string, messageID string, now time.Time) *codec.Record {
	rec := codec.NewRecord()
	rec.Set("TYPE", codec.TypeAck)
	rec.Set("FROM", from)
	rec.Set("TIMESTAMP", fmt.Sprintf("%d", now.Unix()))
	rec.Set("MESSAGE_ID", messageID)
	return rec
}
