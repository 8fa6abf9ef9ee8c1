package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/lumerith/anima/internal/audio"
	"github.com/lumerith/anima/internal/config"
	"github.com/lumerith/anima/internal/observability"
	"github.com/lumerith/anima/internal/protocol"
	"github.com/lumerith/anima/internal/reliability"
	"github.com/lumerith/anima/internal/session"
	"github.com/lumerith/anima/internal/voice"
)

type Orchestrator interface {
	RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error
	PreviewTTS(ctx context.Context, personaID, text string) (voice.Audio, []voice.Attempt)
}

type Negotiator interface {
	Enabled() bool
	Negotiate(ctx context.Context, offer string, session voice.SessionConfig) (string, error)
}

type Server struct {
	cfg          config.Config
	sessions     *session.Manager
	orchestrator Orchestrator
	bridge       Negotiator
	metrics      *observability.Metrics
	window       *observability.StageWindow
	upgrader     websocket.Upgrader
}

func New(
	cfg config.Config,
	sessions *session.Manager,
	orchestrator Orchestrator,
	bridge Negotiator,
	metrics *observability.Metrics,
	window *observability.StageWindow,
) *Server {
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		orchestrator: orchestrator,
		bridge:       bridge,
		metrics:      metrics,
		window:       window,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same
				// origin unless explicitly opened up. Other websites must
				// not be able to drive a user's voice session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/voice/session", s.handleCreateSession)
	r.Post("/v1/voice/session/{id}/end", s.handleEndSession)
	r.Get("/v1/voice/session/ws", s.handleSessionWS)
	r.Post("/v1/voice/tts/preview", s.handlePreviewTTS)
	r.Post("/v1/realtime/negotiate", s.handleNegotiate)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"realtime_enabled": s.bridge != nil && s.bridge.Enabled(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}
	if strings.TrimSpace(req.PersonaID) == "" {
		req.PersonaID = "ember"
	}

	sess := s.sessions.Create(req.UserID, req.PersonaID, req.VoiceID)
	if s.metrics != nil {
		s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
		s.metrics.SessionEvents.WithLabelValues("created").Inc()
	}

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Status:          sess.Status,
		Mode:            sess.Mode,
		PersonaID:       sess.PersonaID,
		VoiceID:         sess.VoiceID,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if s.metrics != nil {
		s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
		s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		_ = s.orchestrator.RunConnection(ctx, sess, inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Stage:     "gateway",
				Retryable: false,
				Detail:    err.Error(),
			}
			select {
			case outbound <- errEvent:
			default:
				// Keep websocket writes single-threaded; drop if the
				// outbound queue is saturated.
			}
			continue
		}

		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
	}
}

type previewRequest struct {
	PersonaID string `json:"persona_id"`
	Text      string `json:"text"`
}

type previewResponse struct {
	Provider    string `json:"provider"`
	Format      string `json:"format"`
	AudioBase64 string `json:"audio_base64"`
	Fallback    bool   `json:"fallback,omitempty"`
	Attempts    int    `json:"attempts"`
}

func (s *Server) handlePreviewTTS(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}
	var req previewRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}

	out, attempts := s.orchestrator.PreviewTTS(r.Context(), req.PersonaID, req.Text)

	// Raw PCM is wrapped in a WAV container so browsers can play it.
	if audio.IsRawPCMFormat(out.Format) {
		if pcm, err := base64.StdEncoding.DecodeString(out.DataBase64); err == nil {
			if wav, err := audio.EncodeWAVPCM16LE(pcm, 16000); err == nil {
				out.DataBase64 = base64.StdEncoding.EncodeToString(wav)
				out.Format = "wav"
			}
		}
	}

	respondJSON(w, http.StatusOK, previewResponse{
		Provider:    out.Provider,
		Format:      out.Format,
		AudioBase64: out.DataBase64,
		Fallback:    out.Fallback,
		Attempts:    len(attempts),
	})
}

type negotiateAPIRequest struct {
	SessionID string `json:"session_id"`
	SDP       string `json:"sdp"`
}

type negotiateAPIResponse struct {
	SessionID string `json:"session_id"`
	SDP       string `json:"sdp"`
}

const negotiateMaxAttempts = 3

func (s *Server) handleNegotiate(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil || !s.bridge.Enabled() {
		respondError(w, http.StatusNotImplemented, "realtime_disabled", "realtime bridge is not configured")
		return
	}

	var req negotiateAPIRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "session_id is required")
		return
	}

	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	persona := voice.ProfileFor(voice.DefaultProfiles(), sess.PersonaID)

	sessionCfg := voice.SessionConfig{
		Model:        s.cfg.RealtimeModel,
		Voice:        persona.Voice.ID,
		Instructions: persona.SystemStyle,
	}

	var answer string
	for attempt := 0; attempt < negotiateMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-r.Context().Done():
				respondError(w, http.StatusRequestTimeout, "negotiate_cancelled", r.Context().Err().Error())
				return
			case <-time.After(reliability.ExponentialBackoff(attempt, 100*time.Millisecond, time.Second)):
			}
		}
		answer, err = s.bridge.Negotiate(r.Context(), req.SDP, sessionCfg)
		if err == nil {
			break
		}
		var upstream *voice.UpstreamError
		if errors.As(err, &upstream) && reliability.IsRetryableHTTPStatus(upstream.Status) {
			continue
		}
		break
	}
	if err != nil {
		switch {
		case errors.Is(err, voice.ErrMissingCredentials):
			respondError(w, http.StatusNotImplemented, "realtime_disabled", err.Error())
		case errors.Is(err, voice.ErrMalformedOffer):
			respondError(w, http.StatusBadRequest, "malformed_offer", err.Error())
		default:
			respondError(w, http.StatusBadGateway, "negotiate_failed", err.Error())
		}
		return
	}

	if _, err := s.sessions.SetMode(req.SessionID, session.ModeRealtime); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("realtime_negotiated").Inc()
	}

	respondJSON(w, http.StatusOK, negotiateAPIResponse{SessionID: req.SessionID, SDP: answer})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.window == nil {
		respondJSON(w, http.StatusOK, observability.StageSnapshot{Stages: []observability.StageStats{}})
		return
	}
	respondJSON(w, http.StatusOK, s.window.Snapshot())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
