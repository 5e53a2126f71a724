package filetransfer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ImaginaryLogs/CSNETWK-MCO3/codec"
	"github.com/ImaginaryLogs/CSNETWK-MCO3/peerreg"
	"github.com/ImaginaryLogs/CSNETWK-MCO3/token"
)

// pairedOutbound delivers records directly to a peer engine, bypassing
// the network entirely, so the two engines can be driven against each
// other synchronously in-process.
type pairedOutbound struct {
	mu          sync.Mutex
	identity    peerreg.FullID
	peer        *Engine
	dropOnce    map[string]bool // TYPE+chunk-index key, drop the first send
	lastDropped *codec.Record   // most recently dropped record, for a test to redeliver
}

func (o *pairedOutbound) Identity() peerreg.FullID { return o.identity }

func (o *pairedOutbound) MintToken(scope token.Scope, ttl time.Duration) string {
	return token.Mint(string(o.identity), scope, 60, time.Unix(1700000000, 0))
}

// dropKey keys dropOnce by TYPE+CHUNK_INDEX rather than FILEID, since the
// FILEID of a transfer Offer is about to create isn't known to the test
// ahead of time.
func dropKey(rec *codec.Record) string {
	idx, _ := rec.Get("CHUNK_INDEX")
	return rec.Type() + ":" + idx
}

// Redeliver re-sends the most recently dropped record, simulating the
// reliability layer's retry of an unacknowledged datagram.
func (o *pairedOutbound) Redeliver(ctx context.Context) error {
	o.mu.Lock()
	rec := o.lastDropped
	o.lastDropped = nil
	o.mu.Unlock()
	if rec == nil {
		return fmt.Errorf("no dropped record to redeliver")
	}
	return o.SendReliable(ctx, peerreg.Peer{}, rec)
}

func (o *pairedOutbound) SendReliable(ctx context.Context, to peerreg.Peer, rec *codec.Record) error {
	o.mu.Lock()
	key := dropKey(rec)
	if o.dropOnce != nil && o.dropOnce[key] {
		delete(o.dropOnce, key)
		o.lastDropped = rec
		o.mu.Unlock()
		return nil // simulate a dropped datagram the caller must not treat as fatal
	}
	o.mu.Unlock()

	if o.peer == nil {
		return nil
	}

	from := o.identity
	switch rec.Type() {
	case codec.TypeFileOffer:
		fileID := rec.MustGet("FILEID")
		filesize := mustParseInt(rec.MustGet("FILESIZE"))
		o.peer.HandleOffer(fileID, rec.MustGet("FILENAME"), filesize, rec.MustGet("FILETYPE"), rec.MustGet("DESCRIPTION"), from, nil)
	case codec.TypeFileAccept:
		o.peer.HandleAccept(rec.MustGet("FILEID"))
	case codec.TypeFileReject:
		o.peer.HandleReject(rec.MustGet("FILEID"))
	case codec.TypeFileChunk:
		idx := int(mustParseInt(rec.MustGet("CHUNK_INDEX")))
		total := int(mustParseInt(rec.MustGet("TOTAL_CHUNKS")))
		size := int(mustParseInt(rec.MustGet("CHUNK_SIZE")))
		_, _ = o.peer.HandleChunk(rec.MustGet("FILEID"), idx, total, size, rec.MustGet("DATA"))
	case codec.TypeFileReceived:
		o.peer.HandleReceived(rec.MustGet("FILEID"))
	}
	return nil
}

func mustParseInt(s string) int64 {
	var n int64
	for _, c := range s {
		n = n*10 + int64(c-'0')
	}
	return n
}

func writeTempFile(t *testing.T, dir string, size int) string {
	t.Helper()
	path := filepath.Join(dir, "report.txt")
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte('a' + i%26)
	}
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func TestFileTypeTable(t *testing.T) {
	require.Equal(t, "text/plain", FileType("notes.txt"))
	require.Equal(t, "image/png", FileType("photo.PNG"))
	require.Equal(t, "application/octet-stream", FileType("archive.unknownext"))
}

func TestChunkCount(t *testing.T) {
	require.Equal(t, 3, chunkCount(3000, 1024))
	require.Equal(t, 1, chunkCount(1, 1024))
	require.Equal(t, 0, chunkCount(0, 1024))
}

func TestOfferAcceptChunkReassemble(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	path := writeTempFile(t, srcDir, 3000) // 3 chunks at 1024

	sender := &pairedOutbound{identity: "alice@10.0.0.1"}
	receiver := &pairedOutbound{identity: "bob@10.0.0.2"}

	senderEngine := New(sender, srcDir, nil)
	defer senderEngine.Close()
	receiverEngine := New(receiver, dstDir, nil)
	defer receiverEngine.Close()

	sender.peer = receiverEngine
	receiver.peer = senderEngine

	// Receiver auto-accepts once the offer lands, on its own goroutine,
	// mirroring the out-of-scope interactive accept/reject decision.
	go func() {
		for i := 0; i < 50; i++ {
			pending := receiverEngine.PendingOffers()
			if len(pending) > 0 {
				_ = receiverEngine.Accept(context.Background(), pending[0].FileID)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	to := peerreg.Peer{UserID: "bob@10.0.0.2"}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fileID, err := senderEngine.Offer(ctx, to, path, "quarterly report")
	require.NoError(t, err)
	require.NotEmpty(t, fileID)

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dstDir, "alice@10.0.0.1", "downloads", "report.txt"))
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)

	got, err := os.ReadFile(filepath.Join(dstDir, "alice@10.0.0.1", "downloads", "report.txt"))
	require.NoError(t, err)
	want, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestRejectLeavesNoFile(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	path := writeTempFile(t, srcDir, 100)

	sender := &pairedOutbound{identity: "alice@10.0.0.1"}
	receiver := &pairedOutbound{identity: "bob@10.0.0.2"}
	senderEngine := New(sender, srcDir, nil)
	defer senderEngine.Close()
	receiverEngine := New(receiver, dstDir, nil)
	defer receiverEngine.Close()
	sender.peer = receiverEngine
	receiver.peer = senderEngine

	go func() {
		for i := 0; i < 50; i++ {
			pending := receiverEngine.PendingOffers()
			if len(pending) > 0 {
				_ = receiverEngine.Reject(context.Background(), pending[0].FileID)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	to := peerreg.Peer{UserID: "bob@10.0.0.2"}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := senderEngine.Offer(ctx, to, path, "")
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	_, statErr := os.Stat(filepath.Join(dstDir, "alice@10.0.0.1", "downloads", "report.txt"))
	require.True(t, os.IsNotExist(statErr))
}

func TestDroppedChunkRedeliveredCompletesTransfer(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	path := writeTempFile(t, srcDir, 3000) // 3 chunks at 1024

	sender := &pairedOutbound{identity: "alice@10.0.0.1", dropOnce: map[string]bool{"FILE_CHUNK:0": true}}
	receiver := &pairedOutbound{identity: "bob@10.0.0.2"}

	senderEngine := New(sender, srcDir, nil)
	defer senderEngine.Close()
	receiverEngine := New(receiver, dstDir, nil)
	defer receiverEngine.Close()

	sender.peer = receiverEngine
	receiver.peer = senderEngine

	go func() {
		for i := 0; i < 50; i++ {
			pending := receiverEngine.PendingOffers()
			if len(pending) > 0 {
				_ = receiverEngine.Accept(context.Background(), pending[0].FileID)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	to := peerreg.Peer{UserID: "bob@10.0.0.2"}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := senderEngine.Offer(ctx, to, path, "")
	require.NoError(t, err)

	// Chunk 0 was dropped; the other two chunks arrive, but reassembly
	// can't complete with a gap at index 0.
	time.Sleep(500 * time.Millisecond)
	_, statErr := os.Stat(filepath.Join(dstDir, "alice@10.0.0.1", "downloads", "report.txt"))
	require.True(t, os.IsNotExist(statErr))

	// The reliability layer would retry the unacknowledged chunk; redeliver it here.
	require.NoError(t, sender.Redeliver(ctx))

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dstDir, "alice@10.0.0.1", "downloads", "report.txt"))
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)

	got, err := os.ReadFile(filepath.Join(dstDir, "alice@10.0.0.1", "downloads", "report.txt"))
	require.NoError(t, err)
	want, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestChunkSizeMismatchReturnsError(t *testing.T) {
	dstDir := t.TempDir()
	receiver := &pairedOutbound{identity: "bob@10.0.0.2"}
	receiverEngine := New(receiver, dstDir, nil)
	defer receiverEngine.Close()

	receiverEngine.HandleOffer("file-1", "x.txt", 10, "text/plain", "", "alice@10.0.0.1", nil)
	err := receiverEngine.Accept(context.Background(), "file-1")
	_ = err // paired outbound has no peer set; accept's send is a no-op here

	_, err = receiverEngine.HandleChunk("file-1", 0, 1, 10, "aGVsbG8=") // "hello" decodes to 5 bytes, not 10
	require.Error(t, err)
}

func TestUniquePathSuffixesOnCollision(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("1"), 0o644))
	got := uniquePath(dir, "a.txt")
	require.Equal(t, filepath.Join(dir, "a(1).txt"), got)
}
