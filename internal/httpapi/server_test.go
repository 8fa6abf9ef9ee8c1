package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lumerith/anima/internal/config"
	"github.com/lumerith/anima/internal/protocol"
	"github.com/lumerith/anima/internal/session"
	"github.com/lumerith/anima/internal/voice"
)

type stubOrchestrator struct {
	preview voice.Audio
}

func (o *stubOrchestrator) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	outbound <- protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: s.ID, Code: "connected"}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			if tr, isTranscript := msg.(protocol.ClientTranscript); isTranscript && tr.Final {
				outbound <- protocol.AssistantText{Type: protocol.TypeAssistantText, SessionID: s.ID, TurnID: tr.TurnID, Text: "echo: " + tr.Text}
			}
		}
	}
}

func (o *stubOrchestrator) PreviewTTS(_ context.Context, _, _ string) (voice.Audio, []voice.Attempt) {
	return o.preview, []voice.Attempt{{Provider: o.preview.Provider, Outcome: voice.AttemptSuccess}}
}

type stubNegotiator struct {
	enabled  bool
	failures int
	err      error
	calls    int
}

func (n *stubNegotiator) Enabled() bool { return n.enabled }

func (n *stubNegotiator) Negotiate(_ context.Context, offer string, _ voice.SessionConfig) (string, error) {
	n.calls++
	if !strings.HasPrefix(strings.TrimSpace(offer), "v=") {
		return "", voice.ErrMalformedOffer
	}
	if n.calls <= n.failures {
		return "", &voice.UpstreamError{Status: http.StatusServiceUnavailable, Body: "busy"}
	}
	if n.err != nil {
		return "", n.err
	}
	return "v=0\r\nanswer", nil
}

func newTestServer(t *testing.T, orc Orchestrator, bridge Negotiator) (*httptest.Server, *session.Manager) {
	t.Helper()
	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		AllowAnyOrigin:           true,
	}
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	srv := New(cfg, sessions, orc, bridge, nil, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, sessions
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, _ := json.Marshal(payload)
	res, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	return res
}

func TestCreateAndEndSession(t *testing.T) {
	ts, _ := newTestServer(t, nil, nil)

	res := postJSON(t, ts.URL+"/v1/voice/session", map[string]string{"user_id": "u1", "persona_id": "ember"})
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var created session.CreateResponse
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.SessionID == "" || created.Mode != session.ModeRouted {
		t.Fatalf("create response = %+v", created)
	}

	endRes := postJSON(t, ts.URL+"/v1/voice/session/"+created.SessionID+"/end", nil)
	defer endRes.Body.Close()
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}

	missingRes := postJSON(t, ts.URL+"/v1/voice/session/nope/end", nil)
	defer missingRes.Body.Close()
	if missingRes.StatusCode != http.StatusNotFound {
		t.Fatalf("end missing status = %d, want %d", missingRes.StatusCode, http.StatusNotFound)
	}
}

func TestPreviewTTS(t *testing.T) {
	orc := &stubOrchestrator{preview: voice.Audio{DataBase64: "YXVkaW8=", Format: "mp3", Provider: "elevenlabs"}}
	ts, _ := newTestServer(t, orc, nil)

	res := postJSON(t, ts.URL+"/v1/voice/tts/preview", map[string]string{"persona_id": "ember", "text": "hello"})
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("preview status = %d, want 200", res.StatusCode)
	}

	var out previewResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode preview response: %v", err)
	}
	if out.Provider != "elevenlabs" || out.Attempts != 1 {
		t.Fatalf("preview response = %+v", out)
	}

	badRes := postJSON(t, ts.URL+"/v1/voice/tts/preview", map[string]string{"text": "  "})
	defer badRes.Body.Close()
	if badRes.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty text status = %d, want 400", badRes.StatusCode)
	}
}

func TestNegotiateRetriesRetryableUpstream(t *testing.T) {
	bridge := &stubNegotiator{enabled: true, failures: 2}
	ts, sessions := newTestServer(t, nil, bridge)
	sess := sessions.Create("u1", "ember", "")

	res := postJSON(t, ts.URL+"/v1/realtime/negotiate", negotiateAPIRequest{SessionID: sess.ID, SDP: "v=0\r\noffer"})
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("negotiate status = %d, want 200", res.StatusCode)
	}
	if bridge.calls != 3 {
		t.Fatalf("negotiate calls = %d, want 3", bridge.calls)
	}

	var out negotiateAPIResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode negotiate response: %v", err)
	}
	if !strings.HasPrefix(out.SDP, "v=0") {
		t.Fatalf("answer sdp = %q", out.SDP)
	}

	got, err := sessions.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Mode != session.ModeRealtime {
		t.Fatalf("session mode = %q, want realtime", got.Mode)
	}
}

func TestNegotiateMalformedOffer(t *testing.T) {
	bridge := &stubNegotiator{enabled: true}
	ts, sessions := newTestServer(t, nil, bridge)
	sess := sessions.Create("u1", "ember", "")

	res := postJSON(t, ts.URL+"/v1/realtime/negotiate", negotiateAPIRequest{SessionID: sess.ID, SDP: "nope"})
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("negotiate status = %d, want 400", res.StatusCode)
	}
	if bridge.calls != 1 {
		t.Fatalf("malformed offer retried %d times", bridge.calls)
	}
}

func TestNegotiateDisabled(t *testing.T) {
	ts, sessions := newTestServer(t, nil, &stubNegotiator{enabled: false})
	sess := sessions.Create("u1", "ember", "")

	res := postJSON(t, ts.URL+"/v1/realtime/negotiate", negotiateAPIRequest{SessionID: sess.ID, SDP: "v=0\r\n"})
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotImplemented {
		t.Fatalf("negotiate status = %d, want 501", res.StatusCode)
	}
}

func TestNegotiateDoesNotRetryHardFailure(t *testing.T) {
	bridge := &stubNegotiator{enabled: true, err: errors.New("bad gateway pair")}
	ts, sessions := newTestServer(t, nil, bridge)
	sess := sessions.Create("u1", "ember", "")

	res := postJSON(t, ts.URL+"/v1/realtime/negotiate", negotiateAPIRequest{SessionID: sess.ID, SDP: "v=0\r\n"})
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("negotiate status = %d, want 502", res.StatusCode)
	}
	if bridge.calls != 1 {
		t.Fatalf("hard failure retried %d times", bridge.calls)
	}
}

func TestPerfLatencyEmptyWindow(t *testing.T) {
	ts, _ := newTestServer(t, nil, nil)

	res, err := http.Get(ts.URL + "/v1/perf/latency")
	if err != nil {
		t.Fatalf("GET /v1/perf/latency error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("perf status = %d, want 200", res.StatusCode)
	}
}

func TestSessionWSRoundTrip(t *testing.T) {
	orc := &stubOrchestrator{}
	ts, sessions := newTestServer(t, orc, nil)
	sess := sessions.Create("u1", "ember", "")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/voice/session/ws?session_id=" + sess.ID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial error = %v", err)
	}
	defer conn.Close()

	var hello protocol.SystemEvent
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if hello.Code != "connected" {
		t.Fatalf("hello = %+v", hello)
	}

	err = conn.WriteJSON(protocol.ClientTranscript{
		Type:      protocol.TypeClientTranscript,
		SessionID: sess.ID,
		TurnID:    "t1",
		Text:      "hi there",
		Final:     true,
	})
	if err != nil {
		t.Fatalf("write transcript: %v", err)
	}

	var reply protocol.AssistantText
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Text != "echo: hi there" {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestSessionWSRejectsUnknownSession(t *testing.T) {
	ts, _ := newTestServer(t, &stubOrchestrator{}, nil)

	res, err := http.Get(ts.URL + "/v1/voice/session/ws?session_id=nope")
	if err != nil {
		t.Fatalf("GET ws error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("ws status = %d, want 404", res.StatusCode)
	}
}
