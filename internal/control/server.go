// Package control implements the Host control API binding from
// SPEC_FULL.md §6.1: commands POSTed as JSON to
// /api/v1/command/<name>, and events streamed to subscribers over a
// gorilla/websocket connection at /api/v1/events. It plays the role
// the teacher's manager/webui.go status page and UAPI socket play,
// adapted from a VPN dashboard to a mesh Host API surface.
package control

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aw-mesh/meshd/internal/identity"
	"github.com/aw-mesh/meshd/internal/logging"
	"github.com/aw-mesh/meshd/internal/store"
)

// commandParams is a flat envelope covering every command's
// parameters; each handler reads only the fields it needs.
type commandParams struct {
	Content  string `json:"content"`
	Channel  string `json:"channel"`
	Peer     string `json:"peer"`
	PeerB    string `json:"peer_b"`
	Password string `json:"password"`
	Expected string `json:"expected"`
	Scope    string `json:"scope"`
	Limit    int    `json:"limit"`
}

type envelope struct {
	OK     bool           `json:"ok"`
	Result any            `json:"result,omitempty"`
	Error  *envelopeError `json:"error,omitempty"`
}

type envelopeError struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// Server is the HTTP+WebSocket front door onto a Core.
type Server struct {
	core Core
	log  *logging.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader

	mu          sync.Mutex
	subscribers map[chan Event]struct{}

	commands map[string]func(commandParams) (any, error)
}

func NewServer(core Core, addr string, log *logging.Logger) *Server {
	if log == nil {
		log = logging.NewLogger(logging.LevelSilent, "control")
	}
	s := &Server{
		core:        core,
		log:         log,
		subscribers: make(map[chan Event]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.commands = s.buildCommandTable()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/command/", s.handleCommand)
	mux.HandleFunc("/api/v1/events", s.handleEvents)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	return s
}

// ListenAndServe blocks serving the control API until the server is
// shut down or a fatal listen error occurs.
func (s *Server) ListenAndServe() error {
	s.log.Verbosef("control API listening on %s", s.httpServer.Addr)
	go s.pumpEvents()
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// pumpEvents drains the Core's event bus and fans each event out to
// every live websocket subscriber.
func (s *Server) pumpEvents() {
	for ev := range s.core.Events() {
		s.mu.Lock()
		for ch := range s.subscribers {
			select {
			case ch <- ev:
			default: // a slow subscriber drops events rather than stall the bus
			}
		}
		s.mu.Unlock()
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("control: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ch := make(chan Event, 32)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subscribers, ch)
		s.mu.Unlock()
	}()

	for ev := range ch {
		if err := conn.SetWriteDeadline(time.Now().Add(30 * time.Second)); err != nil {
			return
		}
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/api/v1/command/")
	handler, ok := s.commands[name]
	if !ok {
		writeEnvelope(w, envelope{OK: false, Error: &envelopeError{Kind: "unknown_command", Detail: name}})
		return
	}

	var params commandParams
	if r.Body != nil {
		dec := json.NewDecoder(r.Body)
		if err := dec.Decode(&params); err != nil && !errors.Is(err, io.EOF) {
			writeEnvelope(w, envelope{OK: false, Error: &envelopeError{Kind: "bad_request", Detail: err.Error()}})
			return
		}
	}

	result, err := handler(params)
	if err != nil {
		writeEnvelope(w, envelope{OK: false, Error: &envelopeError{Kind: errorKind(err), Detail: err.Error()}})
		return
	}
	writeEnvelope(w, envelope{OK: true, Result: result})
}

func writeEnvelope(w http.ResponseWriter, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	if !env.OK {
		w.WriteHeader(http.StatusBadRequest)
	}
	_ = json.NewEncoder(w).Encode(env)
}

func parsePeer(s string) (identity.PeerID, error) {
	var p identity.PeerID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != identity.PeerIDSize {
		return p, fmt.Errorf("control: invalid peer id %q", s)
	}
	copy(p[:], b)
	return p, nil
}

func (s *Server) buildCommandTable() map[string]func(commandParams) (any, error) {
	return map[string]func(commandParams) (any, error){
		"start": func(commandParams) (any, error) { return nil, s.core.Start() },
		"stop":  func(commandParams) (any, error) { return nil, s.core.Stop() },

		"send": func(p commandParams) (any, error) {
			if p.Channel != "" {
				msg, err := s.core.SendChannel(p.Channel, p.Content)
				if err != nil {
					return nil, err
				}
				return messageDTO(msg), nil
			}
			msg, err := s.core.SendBroadcast(p.Content)
			if err != nil {
				return nil, err
			}
			return messageDTO(msg), nil
		},

		"send_private": func(p commandParams) (any, error) {
			peer, err := parsePeer(p.Peer)
			if err != nil {
				return nil, err
			}
			msg, err := s.core.SendPrivate(peer, p.Content)
			if err != nil {
				return nil, err
			}
			return messageDTO(msg), nil
		},

		"join": func(p commandParams) (any, error) {
			return nil, s.core.Join(p.Channel, p.Password)
		},

		"leave": func(p commandParams) (any, error) {
			return nil, s.core.Leave(p.Channel)
		},

		"history": func(p commandParams) (any, error) {
			scope, err := parseScope(p)
			if err != nil {
				return nil, err
			}
			limit := p.Limit
			if limit <= 0 {
				limit = 50
			}
			msgs := s.core.History(scope, limit)
			dtos := make([]map[string]any, 0, len(msgs))
			for _, m := range msgs {
				dtos = append(dtos, messageDTO(m))
			}
			return dtos, nil
		},

		"fingerprint": func(commandParams) (any, error) {
			return string(s.core.Fingerprint()), nil
		},

		"verify_fingerprint": func(p commandParams) (any, error) {
			peer, err := parsePeer(p.Peer)
			if err != nil {
				return nil, err
			}
			return s.core.VerifyFingerprint(peer, identity.Fingerprint(p.Expected)), nil
		},

		"set_channel_password": func(p commandParams) (any, error) {
			return nil, s.core.SetChannelPassword(p.Channel, p.Password)
		},

		"status": func(commandParams) (any, error) {
			return s.core.Status(), nil
		},

		"peers": func(commandParams) (any, error) {
			return s.core.Peers(), nil
		},
	}
}

func parseScope(p commandParams) (store.Scope, error) {
	switch p.Scope {
	case "", "broadcast":
		return store.Scope{Kind: store.ScopeBroadcast}, nil
	case "channel":
		return store.Scope{Kind: store.ScopeChannel, Channel: p.Channel}, nil
	case "private":
		peer, err := parsePeer(p.Peer)
		if err != nil {
			return store.Scope{}, err
		}
		if p.PeerB == "" {
			return store.Scope{Kind: store.ScopePrivate, Peer: peer}, nil
		}
		peerB, err := parsePeer(p.PeerB)
		if err != nil {
			return store.Scope{}, err
		}
		return store.Scope{Kind: store.ScopePrivate, Peer: peer, PeerB: peerB, HasPeerB: true}, nil
	case "sender":
		peer, err := parsePeer(p.Peer)
		if err != nil {
			return store.Scope{}, err
		}
		return store.Scope{Kind: store.ScopeSender, Peer: peer}, nil
	default:
		return store.Scope{}, fmt.Errorf("control: unknown scope %q", p.Scope)
	}
}
