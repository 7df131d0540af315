// Package transport streams processed audio to the backend over a duplex
// WebSocket. Everything that leaves through here has already passed the
// privacy filter: audio frames go out encrypted, telemetry goes out
// stripped and hashed.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mohammednazmy/VoiceAssist-sub012/internal/privacy"
)

// Config configures one uplink session.
type Config struct {
	Endpoint   string
	Token      string
	SessionID  string // generated when empty
	SampleRate int
	FrameSize  int
}

// Uplink is the client side of one streaming session. Binary messages carry
// audio chunks in the privacy filter's wire form; text messages carry JSON
// control and telemetry. The far end streams assistant speech back the same
// way, delivered through the playback handler.
type Uplink struct {
	cfg     Config
	privacy *privacy.Filter

	conn       *websocket.Conn
	onPlayback func([]float32)

	writeMu sync.Mutex
	readyCh chan struct{}
	doneCh  chan struct{}
	errCh   chan error

	readyOnce sync.Once
	doneOnce  sync.Once
}

type controlMessage struct {
	Type       string                  `json:"type"`
	SessionID  string                  `json:"session_id,omitempty"`
	SampleRate int                     `json:"sample_rate,omitempty"`
	FrameSize  int                     `json:"frame_size,omitempty"`
	Encrypted  bool                    `json:"encrypted,omitempty"`
	Message    string                  `json:"message,omitempty"`
	Telemetry  *privacy.TelemetryEvent `json:"telemetry,omitempty"`
}

func NewUplink(cfg Config, priv *privacy.Filter) (*Uplink, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("uplink endpoint is required")
	}
	if cfg.Token == "" {
		return nil, errors.New("uplink token is required")
	}
	if priv == nil {
		return nil, errors.New("uplink requires a privacy filter")
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.FrameSize == 0 {
		cfg.FrameSize = 256
	}

	return &Uplink{
		cfg:     cfg,
		privacy: priv,
		readyCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
		errCh:   make(chan error, 1),
	}, nil
}

// OnPlayback registers the handler for assistant audio streamed back from
// the far end. Must be set before Start; the handler runs on the receive
// goroutine.
func (u *Uplink) OnPlayback(handler func([]float32)) {
	u.onPlayback = handler
}

// SessionID returns the session identifier announced to the far end.
func (u *Uplink) SessionID() string {
	return u.cfg.SessionID
}

// Start dials the endpoint, announces the session and waits for the far end
// to acknowledge it.
func (u *Uplink) Start(ctx context.Context) error {
	if u.conn != nil {
		return errors.New("uplink already started")
	}

	conn, err := u.connect(ctx)
	if err != nil {
		return err
	}
	u.conn = conn

	if err := u.sendControl(controlMessage{
		Type:       "session_start",
		SessionID:  u.cfg.SessionID,
		SampleRate: u.cfg.SampleRate,
		FrameSize:  u.cfg.FrameSize,
		Encrypted:  u.privacy.EncryptionEnabled(),
	}); err != nil {
		return err
	}

	u.startReceiver()

	select {
	case <-u.readyCh:
		return nil
	case err := <-u.errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendFrame encrypts one processed frame and streams it out.
func (u *Uplink) SendFrame(ctx context.Context, samples []float32) error {
	if u.conn == nil {
		return errors.New("uplink not started")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	data, err := u.privacy.EncryptAudioChunk(samples)
	if err != nil {
		return fmt.Errorf("encrypt frame: %w", err)
	}

	u.writeMu.Lock()
	err = u.conn.WriteMessage(websocket.BinaryMessage, data)
	u.writeMu.Unlock()
	return err
}

// SendTelemetry sends one privacy-filtered analytics event.
func (u *Uplink) SendTelemetry(ctx context.Context, event privacy.TelemetryEvent) error {
	if u.conn == nil {
		return errors.New("uplink not started")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return u.sendControl(controlMessage{
		Type:      "telemetry",
		Telemetry: &event,
	})
}

// Finish announces the end of the session and waits for the far end to
// close it out.
func (u *Uplink) Finish(ctx context.Context) error {
	if u.conn == nil {
		return errors.New("uplink not started")
	}
	if err := u.sendControl(controlMessage{Type: "session_end", SessionID: u.cfg.SessionID}); err != nil {
		return err
	}
	select {
	case <-u.doneCh:
		return nil
	case err := <-u.errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (u *Uplink) Close() error {
	if u.conn == nil {
		return nil
	}
	return u.conn.Close()
}

func (u *Uplink) connect(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", fmt.Sprintf("Bearer %s", u.cfg.Token))
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.cfg.Endpoint, header)
	return conn, err
}

func (u *Uplink) sendControl(msg controlMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	u.writeMu.Lock()
	err = u.conn.WriteMessage(websocket.TextMessage, payload)
	u.writeMu.Unlock()
	return err
}

func (u *Uplink) startReceiver() {
	go func() {
		for {
			messageType, data, err := u.conn.ReadMessage()
			if err != nil {
				u.setErr(err)
				u.markDone()
				return
			}

			switch messageType {
			case websocket.BinaryMessage:
				samples, err := u.privacy.DecryptAudioChunk(data)
				if err != nil {
					u.setErr(fmt.Errorf("decrypt playback chunk: %w", err))
					u.markDone()
					return
				}
				if u.onPlayback != nil {
					u.onPlayback(samples)
				}
			case websocket.TextMessage:
				var msg controlMessage
				if err := json.Unmarshal(data, &msg); err != nil {
					u.setErr(err)
					u.markDone()
					return
				}
				if u.handleControl(msg) {
					u.markDone()
					return
				}
			}
		}
	}()
}

// handleControl reacts to one far-end control message and reports whether
// the session is over.
func (u *Uplink) handleControl(msg controlMessage) bool {
	switch msg.Type {
	case "session_ready":
		u.readyOnce.Do(func() { close(u.readyCh) })
	case "error":
		if msg.Message != "" {
			u.setErr(fmt.Errorf("session error: %s", msg.Message))
		} else {
			u.setErr(errors.New("session error"))
		}
		return true
	case "session_end":
		return true
	}
	return false
}

func (u *Uplink) setErr(err error) {
	select {
	case u.errCh <- err:
	default:
	}
}

func (u *Uplink) markDone() {
	u.doneOnce.Do(func() { close(u.doneCh) })
}
