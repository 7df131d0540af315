package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mohammednazmy/VoiceAssist-sub012/internal/privacy"
)

const testToken = "test-token"

// uplinkServer is an in-process stand-in for the backend: it validates the
// bearer token, acknowledges the session handshake, echoes binary audio
// back to the client and records telemetry.
type uplinkServer struct {
	t         *testing.T
	srv       *httptest.Server
	starts    chan controlMessage
	telemetry chan controlMessage
	startErr  string // when set, reject the handshake with this message
}

func newUplinkServer(t *testing.T) *uplinkServer {
	t.Helper()
	s := &uplinkServer{
		t:         t,
		starts:    make(chan controlMessage, 1),
		telemetry: make(chan controlMessage, 4),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *uplinkServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *uplinkServer) handle(w http.ResponseWriter, r *http.Request) {
	if got := r.Header.Get("Authorization"); got != "Bearer "+testToken {
		s.t.Errorf("Authorization = %q, want %q", got, "Bearer "+testToken)
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.t.Errorf("upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch messageType {
		case websocket.BinaryMessage:
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		case websocket.TextMessage:
			var msg controlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				s.t.Errorf("bad control message %q: %v", data, err)
				return
			}
			switch msg.Type {
			case "session_start":
				s.starts <- msg
				if s.startErr != "" {
					conn.WriteJSON(controlMessage{Type: "error", Message: s.startErr})
					return
				}
				if err := conn.WriteJSON(controlMessage{Type: "session_ready", SessionID: msg.SessionID}); err != nil {
					return
				}
			case "telemetry":
				s.telemetry <- msg
			case "session_end":
				conn.WriteJSON(controlMessage{Type: "session_end"})
				return
			}
		}
	}
}

func uplinkKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}
	return key
}

func newUplinkFilter(t *testing.T, encrypt bool) *privacy.Filter {
	t.Helper()
	cfg := privacy.Config{EncryptInTransit: encrypt}
	if encrypt {
		cfg.Key = uplinkKey()
	}
	f, err := privacy.New(cfg)
	if err != nil {
		t.Fatalf("privacy.New failed: %v", err)
	}
	if err := f.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	return f
}

func TestUplinkSessionRoundTrip(t *testing.T) {
	server := newUplinkServer(t)
	filter := newUplinkFilter(t, true)

	u, err := NewUplink(Config{
		Endpoint:  server.url(),
		Token:     testToken,
		SessionID: "session-abc",
	}, filter)
	if err != nil {
		t.Fatalf("NewUplink failed: %v", err)
	}
	defer u.Close()

	playback := make(chan []float32, 4)
	u.OnPlayback(func(samples []float32) {
		playback <- samples
	})

	ctx := context.Background()
	if err := u.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var start controlMessage
	select {
	case start = <-server.starts:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session_start")
	}
	if start.SessionID != "session-abc" {
		t.Errorf("session_start session_id = %q, want %q", start.SessionID, "session-abc")
	}
	if start.SampleRate != 16000 {
		t.Errorf("session_start sample_rate = %d, want 16000", start.SampleRate)
	}
	if start.FrameSize != 256 {
		t.Errorf("session_start frame_size = %d, want 256", start.FrameSize)
	}
	if !start.Encrypted {
		t.Error("session_start should declare the stream encrypted")
	}

	// The server echoes the ciphertext, so the playback handler should see
	// the frame again bit for bit after decryption.
	frame := []float32{0.25, -0.5, 0.75, -1, 0.0625}
	if err := u.SendFrame(ctx, frame); err != nil {
		t.Fatalf("SendFrame failed: %v", err)
	}
	select {
	case got := <-playback:
		if len(got) != len(frame) {
			t.Fatalf("playback length = %d, want %d", len(got), len(frame))
		}
		for i := range frame {
			if got[i] != frame[i] {
				t.Errorf("playback[%d] = %v, want %v", i, got[i], frame[i])
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for playback echo")
	}

	event := privacy.TelemetryEvent{
		Type:      "erle_report",
		Timestamp: time.Now(),
		Data:      map[string]any{"erle_db": 12.5},
	}
	if err := u.SendTelemetry(ctx, event); err != nil {
		t.Fatalf("SendTelemetry failed: %v", err)
	}
	select {
	case msg := <-server.telemetry:
		if msg.Telemetry == nil {
			t.Fatal("telemetry message missing payload")
		}
		if msg.Telemetry.Type != "erle_report" {
			t.Errorf("telemetry type = %q, want %q", msg.Telemetry.Type, "erle_report")
		}
		if got := msg.Telemetry.Data["erle_db"]; got != 12.5 {
			t.Errorf("telemetry erle_db = %v, want 12.5", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for telemetry")
	}

	if err := u.Finish(ctx); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if err := u.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestUplinkPlaintextHandshake(t *testing.T) {
	server := newUplinkServer(t)
	filter := newUplinkFilter(t, false)

	u, err := NewUplink(Config{Endpoint: server.url(), Token: testToken}, filter)
	if err != nil {
		t.Fatalf("NewUplink failed: %v", err)
	}
	defer u.Close()

	playback := make(chan []float32, 1)
	u.OnPlayback(func(samples []float32) {
		playback <- samples
	})

	ctx := context.Background()
	if err := u.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case start := <-server.starts:
		if start.Encrypted {
			t.Error("session_start should declare the stream plaintext")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session_start")
	}

	frame := []float32{0.5, -0.25}
	if err := u.SendFrame(ctx, frame); err != nil {
		t.Fatalf("SendFrame failed: %v", err)
	}
	select {
	case got := <-playback:
		if len(got) != len(frame) || got[0] != frame[0] || got[1] != frame[1] {
			t.Errorf("playback = %v, want %v", got, frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for playback echo")
	}

	if err := u.Finish(ctx); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
}

func TestUplinkStartFailsOnServerError(t *testing.T) {
	server := newUplinkServer(t)
	server.startErr = "bad token"
	filter := newUplinkFilter(t, true)

	u, err := NewUplink(Config{Endpoint: server.url(), Token: testToken}, filter)
	if err != nil {
		t.Fatalf("NewUplink failed: %v", err)
	}
	defer u.Close()

	err = u.Start(context.Background())
	if err == nil {
		t.Fatal("Start should fail when the server rejects the session")
	}
	if !strings.Contains(err.Error(), "bad token") {
		t.Errorf("Start error = %v, want it to carry the server message", err)
	}
}

func TestUplinkRequiresStart(t *testing.T) {
	filter := newUplinkFilter(t, true)
	u, err := NewUplink(Config{Endpoint: "ws://127.0.0.1:1", Token: testToken}, filter)
	if err != nil {
		t.Fatalf("NewUplink failed: %v", err)
	}

	ctx := context.Background()
	if err := u.SendFrame(ctx, []float32{0.1}); err == nil {
		t.Error("SendFrame before Start should fail")
	}
	if err := u.SendTelemetry(ctx, privacy.TelemetryEvent{Type: "x"}); err == nil {
		t.Error("SendTelemetry before Start should fail")
	}
	if err := u.Finish(ctx); err == nil {
		t.Error("Finish before Start should fail")
	}
	if err := u.Close(); err != nil {
		t.Errorf("Close before Start should be a no-op, got %v", err)
	}
}

func TestNewUplinkValidation(t *testing.T) {
	filter := newUplinkFilter(t, true)

	tests := []struct {
		name      string
		cfg       Config
		nilFilter bool
		wantErr   bool
	}{
		{
			name:    "valid",
			cfg:     Config{Endpoint: "ws://example.test/stream", Token: "t"},
			wantErr: false,
		},
		{
			name:    "missing endpoint",
			cfg:     Config{Token: "t"},
			wantErr: true,
		},
		{
			name:    "missing token",
			cfg:     Config{Endpoint: "ws://example.test/stream"},
			wantErr: true,
		},
		{
			name:      "nil privacy filter",
			cfg:       Config{Endpoint: "ws://example.test/stream", Token: "t"},
			nilFilter: true,
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := filter
			if tt.nilFilter {
				f = nil
			}
			_, err := NewUplink(tt.cfg, f)
			if tt.wantErr && err == nil {
				t.Error("expected an error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestNewUplinkDefaults(t *testing.T) {
	filter := newUplinkFilter(t, true)

	u, err := NewUplink(Config{Endpoint: "ws://example.test/stream", Token: "t"}, filter)
	if err != nil {
		t.Fatalf("NewUplink failed: %v", err)
	}
	if u.SessionID() == "" {
		t.Error("SessionID should be generated when not configured")
	}
	if u.cfg.SampleRate != 16000 {
		t.Errorf("SampleRate = %d, want default 16000", u.cfg.SampleRate)
	}
	if u.cfg.FrameSize != 256 {
		t.Errorf("FrameSize = %d, want default 256", u.cfg.FrameSize)
	}

	u2, err := NewUplink(Config{Endpoint: "ws://example.test/stream", Token: "t", SessionID: "fixed"}, filter)
	if err != nil {
		t.Fatalf("NewUplink failed: %v", err)
	}
	if u2.SessionID() != "fixed" {
		t.Errorf("SessionID = %q, want %q", u2.SessionID(), "fixed")
	}
}
