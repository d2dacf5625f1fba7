package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/beaconhq/beacon/internal/conn"
	"github.com/beaconhq/beacon/internal/geo"
	"github.com/beaconhq/beacon/internal/georank"
	"github.com/beaconhq/beacon/internal/outbox"
	"github.com/beaconhq/beacon/internal/session"
	"github.com/beaconhq/beacon/internal/status"
	"github.com/beaconhq/beacon/internal/store"
	intsync "github.com/beaconhq/beacon/internal/sync"
	"github.com/beaconhq/beacon/internal/unread"
	"go.uber.org/zap"
)

// Server exposes the daemon's control surface over the session's Unix domain
// socket. Only the local user can reach it; the socket is created 0600.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger

	sessionName string
	machine     *status.Machine
	manager     *conn.Manager
	reconciler  *intsync.Reconciler
	typing      *intsync.TypingTracker
	flusher     *outbox.Flusher
	unread      *unread.Tracker
	locator     geo.Locator
	geocoder    geo.Geocoder
	db          *store.DB
}

// NewServer creates the control server bound to the session's socket.
func NewServer(
	p Params,
	logger *zap.Logger,
	machine *status.Machine,
	manager *conn.Manager,
	reconciler *intsync.Reconciler,
	typing *intsync.TypingTracker,
	flusher *outbox.Flusher,
	tracker *unread.Tracker,
	locator geo.Locator,
	geocoder geo.Geocoder,
	db *store.DB,
) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	s := &Server{
		listener:    listener,
		socketPath:  socketPath,
		logger:      logger,
		sessionName: p.SessionName,
		machine:     machine,
		manager:     manager,
		reconciler:  reconciler,
		typing:      typing,
		flusher:     flusher,
		unread:      tracker,
		locator:     locator,
		geocoder:    geocoder,
		db:          db,
	}

	r := chi.NewRouter()
	r.Get("/status", s.handleStatus)
	r.Get("/location", s.handleLocation)
	r.Get("/conversations", s.handleConversations)
	r.Post("/conversations/{chatID}/read", s.handleMarkRead)
	r.Get("/conversations/{chatID}/messages", s.handleMessages)
	r.Get("/conversations/{chatID}/typing", s.handleTyping)
	r.Post("/messages", s.handleSend)
	r.Post("/flush/{chatID}", s.handleFlush)
	r.Post("/typing/{chatID}/start", s.handleTypingStart)
	r.Post("/typing/{chatID}/stop", s.handleTypingStop)

	s.httpServer = &http.Server{Handler: r}
	return s, nil
}

// Start begins serving control requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("control server starting", zap.String("socket", s.socketPath))
	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("control server stopping")
	_ = s.httpServer.Shutdown(ctx)
	_ = os.Remove(s.socketPath)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	render.Status(r, code)
	render.JSON(w, r, errorResponse{Error: msg})
}

type statusResponse struct {
	Session string `json:"session"`
	State   string `json:"state"`
	UserID  string `json:"user_id,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, statusResponse{
		Session: s.sessionName,
		State:   string(s.machine.Current()),
		UserID:  s.manager.UserID(),
	})
}

type locationResponse struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Address     string  `json:"address,omitempty"`
	CountryCode string  `json:"country_code,omitempty"`
}

// handleLocation returns the device fix with its reverse-geocoded place,
// shown when creating or joining a geofenced group.
func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	cur, err := s.locator.Current(r.Context())
	if err != nil {
		if errors.Is(err, geo.ErrPermissionDenied) {
			writeError(w, r, http.StatusForbidden, "location permission denied")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "location unavailable")
		return
	}

	out := locationResponse{Latitude: cur.Latitude, Longitude: cur.Longitude}
	place, err := s.geocoder.Reverse(r.Context(), cur.Latitude, cur.Longitude)
	if err != nil {
		// The fix is still useful without a place name.
		s.logger.Warn("reverse geocode failed", zap.Error(err))
	} else {
		out.Address = place.Address
		out.CountryCode = place.CountryCode
	}
	render.JSON(w, r, out)
}

type conversationView struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	IsGroup   bool    `json:"is_group"`
	Local     bool    `json:"local"`
	Unread    bool    `json:"unread"`
	UpdatedAt int64   `json:"updated_at"`
	Queued    int     `json:"queued"`
	DistKm    float64 `json:"distance_km"`
}

// handleConversations returns the stored list ranked for display: geofenced
// groups the user is inside come first, everything else by recency.
func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.db.ListConversations()
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to read conversation list")
		return
	}

	cur, err := s.locator.Current(r.Context())
	if err != nil {
		if !errors.Is(err, geo.ErrPermissionDenied) {
			s.logger.Warn("location unavailable", zap.Error(err))
		}
		cur = nil
	}

	ranked := georank.Rank(convs, cur)
	views := make([]conversationView, 0, len(ranked))
	for _, c := range ranked {
		isUnread, err := s.unread.IsUnread(c.ID)
		if err != nil {
			s.logger.Warn("unread lookup failed", zap.String("chat_id", c.ID), zap.Error(err))
		}
		pending, err := s.db.PendingOutbox(c.ID)
		if err != nil {
			s.logger.Warn("outbox lookup failed", zap.String("chat_id", c.ID), zap.Error(err))
		}
		v := conversationView{
			ID:        c.ID,
			Title:     c.Title,
			IsGroup:   c.IsGroup,
			Local:     georank.IsLocal(&c, cur),
			Unread:    isUnread,
			UpdatedAt: c.UpdatedAt,
			Queued:    len(pending),
		}
		if v.Local && cur != nil {
			v.DistKm = georank.Distance(*cur, georank.Coords{Latitude: *c.Latitude, Longitude: *c.Longitude})
		}
		views = append(views, v)
	}
	render.JSON(w, r, views)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	if err := s.unread.MarkRead(chatID); err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to mark read")
		return
	}
	render.JSON(w, r, map[string]string{"status": "ok"})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	msgs, err := s.db.ListMessages(chatID, 0, 100)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to read messages")
		return
	}
	render.JSON(w, r, msgs)
}

func (s *Server) handleTyping(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	render.JSON(w, r, map[string][]string{"typing": s.typing.Typing(chatID)})
}

type sendRequest struct {
	ChatID      string `json:"chat_id"`
	Body        string `json:"body"`
	MessageType string `json:"message_type"`
}

type sendResponse struct {
	ClientMsgID string `json:"client_msg_id"`
	Queued      bool   `json:"queued"`
}

// handleSend enqueues the message and tries to flush immediately. When the
// flush fails the message stays queued for the next connectivity event, which
// is a success from the caller's point of view.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil || req.ChatID == "" || req.Body == "" {
		writeError(w, r, http.StatusBadRequest, "chat_id and body are required")
		return
	}

	clientMsgID, err := s.flusher.Enqueue(req.ChatID, s.manager.UserID(), req.Body, req.MessageType)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to queue message")
		return
	}

	queued := true
	if err := s.flusher.Flush(r.Context(), req.ChatID); err == nil {
		queued = false
	} else if !errors.Is(err, outbox.ErrFlushInFlight) {
		s.logger.Warn("opportunistic flush failed", zap.String("chat_id", req.ChatID), zap.Error(err))
	}
	render.JSON(w, r, sendResponse{ClientMsgID: clientMsgID, Queued: queued})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	if err := s.flusher.Flush(r.Context(), chatID); err != nil {
		if errors.Is(err, outbox.ErrFlushInFlight) {
			writeError(w, r, http.StatusConflict, "flush already in flight")
			return
		}
		writeError(w, r, http.StatusBadGateway, err.Error())
		return
	}
	render.JSON(w, r, map[string]string{"status": "flushed"})
}

func (s *Server) handleTypingStart(w http.ResponseWriter, r *http.Request) {
	s.emitTyping(w, r, s.manager.TypingStart)
}

func (s *Server) handleTypingStop(w http.ResponseWriter, r *http.Request) {
	s.emitTyping(w, r, s.manager.TypingStop)
}

func (s *Server) emitTyping(w http.ResponseWriter, r *http.Request, emit func(string) error) {
	chatID := chi.URLParam(r, "chatID")
	if err := emit(chatID); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "push channel not connected")
		return
	}
	render.JSON(w, r, map[string]string{"status": "ok"})
}

// Client returns an HTTP client that dials the daemon's socket, for the CLI
// and tests.
func Client(socketPath string) *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
}
