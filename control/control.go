// Package control implements the HTTP API boundary (spec.md §4.13) that
// an external CLI or UI drives the peer through. It is deliberately thin:
// every handler parses its request, calls into peer.Controller, and
// translates the result to a status code and body. Grounded on
// frontend/frontend.go's gorilla/mux router with one handler per
// concern, form-encoded POST bodies, and JSON-marshaled GET responses.
package control

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/ImaginaryLogs/CSNETWK-MCO3/filetransfer"
	"github.com/ImaginaryLogs/CSNETWK-MCO3/logging"
	"github.com/ImaginaryLogs/CSNETWK-MCO3/peer"
	"github.com/ImaginaryLogs/CSNETWK-MCO3/peerreg"
	"github.com/ImaginaryLogs/CSNETWK-MCO3/token"
)

// Server is the HTTP API boundary wrapping a peer.Controller.
type Server struct {
	peer   *peer.Controller
	logger *logging.Sink
	router *mux.Router
}

// New builds a Server with every route registered.
func New(p *peer.Controller, logger *logging.Sink) *Server {
	s := &Server{peer: p, logger: logger, router: mux.NewRouter()}
	s.routes()
	return s
}

// Handler returns the root http.Handler for this server, for use with
// http.ListenAndServe or httptest.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.HandleFunc("/peers", s.getPeers).Methods(http.MethodGet)
	s.router.HandleFunc("/dms", s.getDMs).Methods(http.MethodGet)
	s.router.HandleFunc("/dm", s.postDM).Methods(http.MethodPost)
	s.router.HandleFunc("/post", s.postPost).Methods(http.MethodPost)
	s.router.HandleFunc("/like", s.postLike).Methods(http.MethodPost)
	s.router.HandleFunc("/follow", s.postFollow).Methods(http.MethodPost)
	s.router.HandleFunc("/unfollow", s.postUnfollow).Methods(http.MethodPost)
	s.router.HandleFunc("/broadcast", s.postBroadcast).Methods(http.MethodPost)
	s.router.HandleFunc("/ping", s.postPing).Methods(http.MethodPost)
	s.router.HandleFunc("/ttl", s.postTTL).Methods(http.MethodPost)
	s.router.HandleFunc("/sendfile", s.postSendFile).Methods(http.MethodPost)
	s.router.HandleFunc("/files/{id}/accept", s.postFileAccept).Methods(http.MethodPost)
	s.router.HandleFunc("/files/{id}/reject", s.postFileReject).Methods(http.MethodPost)
	s.router.HandleFunc("/files/pending", s.getFilesPending).Methods(http.MethodGet)
	s.router.HandleFunc("/transfers", s.getTransfers).Methods(http.MethodGet)
	s.router.HandleFunc("/verbose", s.postVerbose).Methods(http.MethodPost)
}

// resolvePeer accepts either a short handle ("alice") or a full id
// ("alice@192.168.1.5") and looks up its registry entry.
func (s *Server) resolvePeer(handle string) (peerreg.Peer, error) {
	full, err := s.peer.Registry().ResolveShort(handle)
	if err != nil {
		return peerreg.Peer{}, err
	}
	p, ok := s.peer.Registry().LookupFull(full)
	if !ok {
		return peerreg.Peer{}, peerreg.ErrNotFound
	}
	return p, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// writeError translates a domain error to its HTTP status (spec.md §7):
// token.ErrExpired, peerreg.ErrAmbiguous, peerreg.ErrNotFound, and
// filetransfer.ErrNoSuchTransfer all mean "the caller's request doesn't
// name something that exists or is still valid" — 4xx. Anything else is
// unexpected and logged, never panicking the handler goroutine.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, peerreg.ErrNotFound), errors.Is(err, filetransfer.ErrNoSuchTransfer):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, peerreg.ErrAmbiguous):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, token.ErrExpired):
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		s.logger.Errorf("control: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) getPeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.peer.Registry().Iter())
}

func (s *Server) getDMs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.peer.Social().Inbox())
}

func (s *Server) postDM(w http.ResponseWriter, r *http.Request) {
	target, err := s.resolvePeer(r.FormValue("to"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.peer.SendDM(r.Context(), target, r.FormValue("content")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) postPost(w http.ResponseWriter, r *http.Request) {
	ttl := time.Duration(0)
	if raw := r.FormValue("ttl_seconds"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "invalid ttl_seconds", http.StatusBadRequest)
			return
		}
		ttl = time.Duration(secs) * time.Second
	}
	if err := s.peer.Post(r.Context(), r.FormValue("content"), ttl); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) postLike(w http.ResponseWriter, r *http.Request) {
	owner, err := s.resolvePeer(r.FormValue("owner"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.peer.ToggleLike(r.Context(), owner, r.FormValue("post_id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) postFollow(w http.ResponseWriter, r *http.Request) {
	target, err := s.resolvePeer(r.FormValue("who"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.peer.Follow(r.Context(), target); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) postUnfollow(w http.ResponseWriter, r *http.Request) {
	target, err := s.resolvePeer(r.FormValue("who"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.peer.Unfollow(r.Context(), target); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) postBroadcast(w http.ResponseWriter, r *http.Request) {
	s.peer.BroadcastProfile()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) postPing(w http.ResponseWriter, r *http.Request) {
	target, err := s.resolvePeer(r.FormValue("who"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.peer.Ping(target); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) postTTL(w http.ResponseWriter, r *http.Request) {
	secs, err := strconv.Atoi(r.FormValue("seconds"))
	if err != nil || secs <= 0 {
		http.Error(w, "invalid seconds", http.StatusBadRequest)
		return
	}
	s.peer.SetDefaultTTL(time.Duration(secs) * time.Second)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) postSendFile(w http.ResponseWriter, r *http.Request) {
	target, err := s.resolvePeer(r.FormValue("to"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	fileID, err := s.peer.Files().Offer(r.Context(), target, r.FormValue("path"), r.FormValue("description"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"file_id": fileID})
}

func (s *Server) postFileAccept(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["id"]
	if err := s.peer.Files().Accept(r.Context(), fileID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) postFileReject(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["id"]
	if err := s.peer.Files().Reject(r.Context(), fileID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) getFilesPending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.peer.Files().PendingOffers())
}

func (s *Server) getTransfers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.peer.Files().Transfers())
}

func (s *Server) postVerbose(w http.ResponseWriter, r *http.Request) {
	enabled, err := strconv.ParseBool(r.FormValue("enabled"))
	if err != nil {
		http.Error(w, "invalid enabled", http.StatusBadRequest)
		return
	}
	s.logger.SetVerbose(enabled)
	w.WriteHeader(http.StatusNoContent)
}
