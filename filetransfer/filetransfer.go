// Package filetransfer implements the LSNP file-transfer engine (spec.md
// §4.8): offer/accept/reject, chunked send with base64-at-chunk-boundary
// decoding, gap-checked reassembly, and filename-collision handling.
// Grounded on X0RA-GoSend's outbound/inbound transfer split and
// event-channel accept/reject wait, and on
// original_source/src/protocol/types/files/file_chunk_manager.py's
// chunk/missing-chunks/mime-type shape. The engine borrows the
// transport (via the Outbound interface) rather than owning it, per
// spec.md §4's ownership rules.
package filetransfer

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ImaginaryLogs/CSNETWK-MCO3/codec"
	"github.com/ImaginaryLogs/CSNETWK-MCO3/peerreg"
	"github.com/ImaginaryLogs/CSNETWK-MCO3/safemap"
	"github.com/ImaginaryLogs/CSNETWK-MCO3/token"
)

// MaxChunkSize is the default pre-base64 chunk size (spec.md §4.8).
const MaxChunkSize = 1024

// OfferTimeout bounds how long a sender waits for FILE_ACCEPT/FILE_REJECT.
const OfferTimeout = 60 * time.Second

// IdleTimeout aborts a transfer with no chunk progress for this long.
const IdleTimeout = 60 * time.Second

const interChunkDelay = 100 * time.Millisecond

// State is a receiver-side transfer state (spec.md §4.8).
type State string

const (
	StateOffered   State = "Offered"
	StateAccepted  State = "Accepted"
	StateReceiving State = "Receiving"
	StateComplete  State = "Complete"
	StateRejected  State = "Rejected"
	StateAborted   State = "Aborted"
	StateSending   State = "Sending"
	StateTimedOut  State = "TimedOut"
)

var extMIME = map[string]string{
	".txt":  "text/plain",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".pdf":  "application/pdf",
	".zip":  "application/zip",
	".mp4":  "video/mp4",
}

// FileType derives a MIME type from a filename's extension via the fixed
// table in spec.md §4.8, defaulting to application/octet-stream.
func FileType(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if mt, ok := extMIME[ext]; ok {
		return mt
	}
	return "application/octet-stream"
}

func chunkCount(size int64, chunkSize int) int {
	if size <= 0 {
		return 0
	}
	n := size / int64(chunkSize)
	if size%int64(chunkSize) != 0 {
		n++
	}
	return int(n)
}

// Outbound is the sending surface this engine borrows from the peer
// controller: build, authorize, and reliably deliver one record to a
// peer, returning once ACKed or once retries are exhausted.
type Outbound interface {
	SendReliable(ctx context.Context, to peerreg.Peer, rec *codec.Record) error
	Identity() peerreg.FullID
	MintToken(scope token.Scope, ttl time.Duration) string
}

type outboundTransfer struct {
	mu          sync.Mutex
	fileID      string
	to          peerreg.Peer
	sourcePath  string
	filename    string
	filesize    int64
	filetype    string
	totalChunks int
	state       State
	respCh      chan offerResponse
	done        chan struct{}
}

type offerResponse struct {
	accepted bool
}

type inboundTransfer struct {
	mu            sync.Mutex
	fileID        string
	from          peerreg.FullID
	fromAddr      *net.UDPAddr
	filename      string
	filesize      int64
	filetype      string
	description   string
	totalChunks   int
	chunks        map[int][]byte
	state         State
	lastProgress  time.Time
}

// Engine is the file-transfer engine (C8).
type Engine struct {
	out     Outbound
	baseDir string
	logger  func(format string, args ...any)

	outbound *safemap.Map[string, *outboundTransfer]
	inbound  *safemap.Map[string, *inboundTransfer]

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a file-transfer engine rooted at baseDir (downloads land
// under baseDir/<sender_full_id>/downloads/).
func New(out Outbound, baseDir string, logger func(format string, args ...any)) *Engine {
	if logger == nil {
		logger = func(string, ...any) {}
	}
	e := &Engine{
		out:      out,
		baseDir:  baseDir,
		logger:   logger,
		outbound: safemap.New[string, *outboundTransfer](),
		inbound:  safemap.New[string, *inboundTransfer](),
		stop:     make(chan struct{}),
	}
	e.wg.Add(1)
	go e.idleScanLoop()
	return e
}

// Close stops the idle-timeout scanner.
func (e *Engine) Close() {
	close(e.stop)
	e.wg.Wait()
}

// Offer begins sending sourcePath to `to`, blocking until the peer
// accepts (then chunking begins in the background), rejects, or the
// 60s offer window elapses. Returns the FILEID.
func (e *Engine) Offer(ctx context.Context, to peerreg.Peer, sourcePath, description string) (string, error) {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return "", fmt.Errorf("filetransfer: stat %q: %w", sourcePath, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("filetransfer: %q is a directory", sourcePath)
	}

	fileID := uuid.NewString()
	filename := filepath.Base(sourcePath)
	filetype := FileType(filename)
	total := chunkCount(info.Size(), MaxChunkSize)

	ot := &outboundTransfer{
		fileID:      fileID,
		to:          to,
		sourcePath:  sourcePath,
		filename:    filename,
		filesize:    info.Size(),
		filetype:    filetype,
		totalChunks: total,
		state:       StateOffered,
		respCh:      make(chan offerResponse, 1),
		done:        make(chan struct{}),
	}
	e.outbound.Set(fileID, ot)

	rec := codec.NewRecord()
	rec.Set("TYPE", codec.TypeFileOffer)
	rec.Set("FROM", string(e.out.Identity()))
	rec.Set("TIMESTAMP", strconv.FormatInt(time.Now().Unix(), 10))
	rec.Set("FILEID", fileID)
	rec.Set("FILENAME", filename)
	rec.Set("FILESIZE", strconv.FormatInt(info.Size(), 10))
	rec.Set("FILETYPE", filetype)
	rec.Set("DESCRIPTION", description)
	rec.Set("TOKEN", e.out.MintToken(token.ScopeFile, 0))

	if err := e.out.SendReliable(ctx, to, rec); err != nil {
		e.outbound.Delete(fileID)
		return "", fmt.Errorf("filetransfer: offer delivery failed: %w", err)
	}

	timer := time.NewTimer(OfferTimeout)
	defer timer.Stop()

	select {
	case resp := <-ot.respCh:
		if !resp.accepted {
			ot.mu.Lock()
			ot.state = StateRejected
			ot.mu.Unlock()
			e.outbound.Delete(fileID)
			return fileID, nil
		}
		ot.mu.Lock()
		ot.state = StateSending
		ot.mu.Unlock()
		e.wg.Add(1)
		go e.sendChunks(ot)
		return fileID, nil
	case <-timer.C:
		ot.mu.Lock()
		ot.state = StateTimedOut
		ot.mu.Unlock()
		e.outbound.Delete(fileID)
		return fileID, fmt.Errorf("filetransfer: offer %s timed out waiting for response", fileID)
	case <-ctx.Done():
		e.outbound.Delete(fileID)
		return fileID, nil
	}
}

func (e *Engine) sendChunks(ot *outboundTransfer) {
	defer e.wg.Done()
	defer e.outbound.Delete(ot.fileID)

	file, err := os.Open(ot.sourcePath)
	if err != nil {
		e.logger("filetransfer: open %q for send failed: %v", ot.sourcePath, err)
		return
	}
	defer file.Close()

	buf := make([]byte, MaxChunkSize)
	for idx := 0; idx < ot.totalChunks; idx++ {
		n, err := file.ReadAt(buf, int64(idx)*int64(MaxChunkSize))
		if err != nil && n == 0 {
			e.logger("filetransfer: read chunk %d of %s failed: %v", idx, ot.fileID, err)
			return
		}
		chunk := make([]byte, n)
		copy(chunk, buf[:n])

		rec := codec.NewRecord()
		rec.Set("TYPE", codec.TypeFileChunk)
		rec.Set("FROM", string(e.out.Identity()))
		rec.Set("TIMESTAMP", strconv.FormatInt(time.Now().Unix(), 10))
		rec.Set("FILEID", ot.fileID)
		rec.Set("CHUNK_INDEX", strconv.Itoa(idx))
		rec.Set("TOTAL_CHUNKS", strconv.Itoa(ot.totalChunks))
		rec.Set("CHUNK_SIZE", strconv.Itoa(n))
		rec.Set("DATA", base64.StdEncoding.EncodeToString(chunk))
		rec.Set("TOKEN", e.out.MintToken(token.ScopeFile, 0))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		err = e.out.SendReliable(ctx, ot.to, rec)
		cancel()
		if err != nil {
			e.logger("filetransfer: chunk %d of %s failed delivery: %v", idx, ot.fileID, err)
			return
		}
		time.Sleep(interChunkDelay)
	}
}

// HandleAccept/HandleReject are invoked by the peer controller when a
// FILE_ACCEPT/FILE_REJECT record arrives for a pending offer.
func (e *Engine) HandleAccept(fileID string) {
	if ot, ok := e.outbound.Get(fileID); ok {
		select {
		case ot.respCh <- offerResponse{accepted: true}:
		default:
		}
	}
}

// HandleReject marks a pending offer as rejected.
func (e *Engine) HandleReject(fileID string) {
	if ot, ok := e.outbound.Get(fileID); ok {
		select {
		case ot.respCh <- offerResponse{accepted: false}:
		default:
		}
	}
}

// HandleReceived logs a FILE_RECEIVED for fileID. Outbound entries are
// already removed once chunking finishes, so there is no state left to
// update; it exists as the terminal acknowledgment named in spec.md §4.7.
func (e *Engine) HandleReceived(fileID string) {
	e.logger("filetransfer: %s acknowledged complete by receiver", fileID)
}

// HandleOffer processes an inbound FILE_OFFER. A FILEID already known in
// any state is dropped silently (spec.md §4.8 tie-break).
func (e *Engine) HandleOffer(fileID, filename string, filesize int64, filetype, description string, from peerreg.FullID, fromAddr *net.UDPAddr) {
	if e.inbound.Has(fileID) {
		return
	}
	it := &inboundTransfer{
		fileID:       fileID,
		from:         from,
		fromAddr:     fromAddr,
		filename:     filename,
		filesize:     filesize,
		filetype:     filetype,
		description:  description,
		totalChunks:  chunkCount(filesize, MaxChunkSize),
		chunks:       make(map[int][]byte),
		state:        StateOffered,
		lastProgress: time.Now(),
	}
	e.inbound.Set(fileID, it)
}

// ErrNoSuchTransfer is returned by Accept/Reject for an unknown FILEID.
var ErrNoSuchTransfer = fmt.Errorf("filetransfer: unknown transfer")

// PendingOffer describes an offer awaiting a local accept/reject
// decision, for the `pendingfiles` command surface.
type PendingOffer struct {
	FileID      string
	From        peerreg.FullID
	Filename    string
	Filesize    int64
	Filetype    string
	Description string
}

// TransferStatus is a point-in-time snapshot of one active transfer, for
// the `transfers` command-surface query (spec.md §4.8's note that
// sender-side state exists only to serve this and `pendingfiles`).
type TransferStatus struct {
	FileID    string
	Direction string // "outbound" or "inbound"
	Peer      peerreg.FullID
	Filename  string
	State     State
}

// Transfers snapshots every transfer this engine is currently tracking,
// sender-side and receiver-side.
func (e *Engine) Transfers() []TransferStatus {
	out := make([]TransferStatus, 0)
	for _, ot := range e.outbound.Values() {
		ot.mu.Lock()
		out = append(out, TransferStatus{FileID: ot.fileID, Direction: "outbound", Peer: ot.to.UserID, Filename: ot.filename, State: ot.state})
		ot.mu.Unlock()
	}
	for _, it := range e.inbound.Values() {
		it.mu.Lock()
		out = append(out, TransferStatus{FileID: it.fileID, Direction: "inbound", Peer: it.from, Filename: it.filename, State: it.state})
		it.mu.Unlock()
	}
	return out
}

// PendingOffers lists every inbound transfer still in the Offered state.
func (e *Engine) PendingOffers() []PendingOffer {
	out := make([]PendingOffer, 0)
	for _, it := range e.inbound.Values() {
		it.mu.Lock()
		if it.state == StateOffered {
			out = append(out, PendingOffer{
				FileID: it.fileID, From: it.from, Filename: it.filename,
				Filesize: it.filesize, Filetype: it.filetype, Description: it.description,
			})
		}
		it.mu.Unlock()
	}
	return out
}

// Accept transitions a known offer to Accepted and sends FILE_ACCEPT
// back to the sender.
func (e *Engine) Accept(ctx context.Context, fileID string) error {
	it, ok := e.inbound.Get(fileID)
	if !ok {
		return ErrNoSuchTransfer
	}
	it.mu.Lock()
	it.state = StateAccepted
	it.mu.Unlock()

	rec := codec.NewRecord()
	rec.Set("TYPE", codec.TypeFileAccept)
	rec.Set("FROM", string(e.out.Identity()))
	rec.Set("TIMESTAMP", strconv.FormatInt(time.Now().Unix(), 10))
	rec.Set("FILEID", fileID)
	rec.Set("TOKEN", e.out.MintToken(token.ScopeFile, 0))

	peer := peerreg.Peer{UserID: it.from, IP: addrIP(it.fromAddr), Port: addrPort(it.fromAddr)}
	return e.out.SendReliable(ctx, peer, rec)
}

// Reject transitions a known offer to Rejected and sends FILE_REJECT.
func (e *Engine) Reject(ctx context.Context, fileID string) error {
	it, ok := e.inbound.Get(fileID)
	if !ok {
		return ErrNoSuchTransfer
	}
	it.mu.Lock()
	it.state = StateRejected
	it.mu.Unlock()
	e.inbound.Delete(fileID)

	rec := codec.NewRecord()
	rec.Set("TYPE", codec.TypeFileReject)
	rec.Set("FROM", string(e.out.Identity()))
	rec.Set("TIMESTAMP", strconv.FormatInt(time.Now().Unix(), 10))
	rec.Set("FILEID", fileID)
	rec.Set("TOKEN", e.out.MintToken(token.ScopeFile, 0))

	peer := peerreg.Peer{UserID: it.from, IP: addrIP(it.fromAddr), Port: addrPort(it.fromAddr)}
	return e.out.SendReliable(ctx, peer, rec)
}

// ReceivedFile describes a completed inbound transfer, for tests and the
// control surface.
type ReceivedFile struct {
	FileID string
	Path   string
}

// HandleChunk processes an inbound FILE_CHUNK, reassembling and writing
// the file to disk once every chunk has arrived. Returns a ReceivedFile
// naming the written path once reassembly finishes, or (nil, nil) while
// chunks are still outstanding or the chunk was dropped.
func (e *Engine) HandleChunk(fileID string, chunkIndex, totalChunks, chunkSize int, dataB64 string) (*ReceivedFile, error) {
	it, ok := e.inbound.Get(fileID)
	if !ok {
		return nil, nil // unknown/unaccepted FILEID: drop (spec.md §4.8)
	}

	it.mu.Lock()
	if it.state == StateComplete || it.state == StateOffered {
		it.mu.Unlock()
		return nil, nil
	}
	if it.state == StateAccepted {
		it.state = StateReceiving
	}
	if _, dup := it.chunks[chunkIndex]; dup {
		it.mu.Unlock()
		return nil, nil
	}

	data, err := base64.StdEncoding.DecodeString(dataB64)
	if err != nil {
		it.mu.Unlock()
		return nil, fmt.Errorf("filetransfer: chunk %d of %s: invalid base64: %w", chunkIndex, fileID, err)
	}
	if chunkSize > 0 && len(data) != chunkSize {
		it.mu.Unlock()
		return nil, fmt.Errorf("filetransfer: chunk %d of %s: size mismatch", chunkIndex, fileID)
	}

	it.chunks[chunkIndex] = data
	it.lastProgress = time.Now()
	complete := len(it.chunks) == it.totalChunks && it.totalChunks > 0
	it.mu.Unlock()

	if !complete {
		return nil, nil
	}
	return e.reassemble(it)
}

func (e *Engine) reassemble(it *inboundTransfer) (*ReceivedFile, error) {
	it.mu.Lock()
	defer it.mu.Unlock()

	buf := make([]byte, 0, it.filesize)
	for i := 0; i < it.totalChunks; i++ {
		chunk, ok := it.chunks[i]
		if !ok {
			e.abortLocked(it)
			return nil, fmt.Errorf("filetransfer: %s: gap at chunk %d", it.fileID, i)
		}
		buf = append(buf, chunk...)
	}
	if int64(len(buf)) != it.filesize {
		e.abortLocked(it)
		return nil, fmt.Errorf("filetransfer: %s: size mismatch after reassembly", it.fileID)
	}

	dir := filepath.Join(e.baseDir, string(it.from), "downloads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.abortLocked(it)
		return nil, fmt.Errorf("filetransfer: mkdir %q: %w", dir, err)
	}
	path := uniquePath(dir, it.filename)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		e.abortLocked(it)
		return nil, fmt.Errorf("filetransfer: write %q: %w", path, err)
	}

	it.state = StateComplete
	e.inbound.Delete(it.fileID)

	rec := codec.NewRecord()
	rec.Set("TYPE", codec.TypeFileReceived)
	rec.Set("FROM", string(e.out.Identity()))
	rec.Set("TIMESTAMP", strconv.FormatInt(time.Now().Unix(), 10))
	rec.Set("FILEID", it.fileID)
	rec.Set("STATUS", "COMPLETE")
	rec.Set("TOKEN", e.out.MintToken(token.ScopeFile, 0))

	peer := peerreg.Peer{UserID: it.from, IP: addrIP(it.fromAddr), Port: addrPort(it.fromAddr)}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	_ = e.out.SendReliable(ctx, peer, rec)

	return &ReceivedFile{FileID: it.fileID, Path: path}, nil
}

func (e *Engine) abortLocked(it *inboundTransfer) {
	it.state = StateAborted
	e.inbound.Delete(it.fileID)
}

func uniquePath(dir, filename string) string {
	candidate := filepath.Join(dir, filename)
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate
	}
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	for n := 1; ; n++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s(%d)%s", base, n, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

func (e *Engine) idleScanLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case now := <-ticker.C:
			for _, it := range e.inbound.Values() {
				it.mu.Lock()
				stale := it.state != StateOffered && now.Sub(it.lastProgress) > IdleTimeout
				if stale {
					it.state = StateAborted
				}
				id := it.fileID
				it.mu.Unlock()
				if stale {
					e.inbound.Delete(id)
				}
			}
		}
	}
}

func addrIP(addr *net.UDPAddr) string {
	if addr == nil {
		return ""
	}
	return addr.IP.String()
}

func addrPort(addr *net.UDPAddr) uint16 {
	if addr == nil {
		return 0
	}
	return uint16(addr.Port)
}
