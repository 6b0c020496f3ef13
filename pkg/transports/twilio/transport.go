package twilio

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/sawt/pkg/audio"
	"github.com/harunnryd/sawt/pkg/errorsx"
	"github.com/harunnryd/sawt/pkg/logging"
	"github.com/harunnryd/sawt/pkg/transports"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

// ErrCallNotConnected is returned for playback on a call without a live media stream.
var ErrCallNotConnected = errors.New("twilio: call not connected")

const defaultPlaybackSlack = 2 * time.Second

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	VoiceGreeting      string   `mapstructure:"voice_greeting"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
	// PlaybackSlackMS is how long PlayAudio waits past the audio duration
	// for Twilio to echo the playback mark.
	PlaybackSlackMS int `mapstructure:"playback_slack_ms"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

func (c Config) playbackSlack() time.Duration {
	if c.PlaybackSlackMS > 0 {
		return time.Duration(c.PlaybackSlackMS) * time.Millisecond
	}
	return defaultPlaybackSlack
}

// Transport serves the Twilio voice webhook and media-stream WebSocket and
// implements transports.Telephony on top of the live streams.
type Transport struct {
	cfg      Config
	log      *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	updateClient callUpdater

	mu      sync.Mutex
	handler transports.CallHandler
	calls   map[string]*call

	draining atomic.Bool
}

type callUpdater interface {
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

func New(cfg Config, log *slog.Logger) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		log: logging.NewComponentLogger(log, "twilio"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		calls: make(map[string]*call),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "twilio" }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         t.voiceWebhookURL(),
		"status_callback_url": t.statusCallbackURL(),
	}
}

// Handler returns the transport's HTTP routes.
func (t *Transport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.VoicePath, t.handleVoice)
	mux.Handle(t.cfg.WebsocketPath, t)
	mux.HandleFunc(t.cfg.StatusCallbackPath, t.handleStatusCallback)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// Start serves webhooks on cfg.ServerAddr and routes calls to h.
func (t *Transport) Start(ctx context.Context, h transports.CallHandler) error {
	if h == nil {
		return errors.New("twilio: nil call handler")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           t.Handler(),
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error("twilio_transport_server_error", "error", err.Error())
		}
	}()
	return nil
}

// Stop refuses new streams and drops the live ones.
func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	calls := t.calls
	t.calls = make(map[string]*call)
	t.mu.Unlock()
	for _, c := range calls {
		_ = c.close()
	}
	return nil
}

func (t *Transport) callHandler() transports.CallHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

// ServeHTTP runs one media stream.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	h := t.callHandler()
	if h == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var current *call
	endReason := "transport_closed"
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt StreamEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil || evt.Start.CallSID == "" || current != nil {
				continue
			}
			c := newCall(evt.Start.CallSID, evt.Start.StreamSID, conn)
			if old := t.attach(c); old != nil {
				t.log.Info("call_reconnected", "call_id", c.sid, "old_stream", old.streamSID, "stream", c.streamSID)
				_ = old.close()
			}
			current = c
			params := evt.Start.CustomParameters
			cc := transports.CallConfig{
				Language:     params["language"],
				VoiceProfile: params["voice"],
			}
			if err := h.OnCallStart(c.sid, params["from"], cc); err != nil {
				t.log.Warn("call_rejected", "call_id", c.sid, "reason_code", string(errorsx.Reason(err)), "error", err)
				t.detach(c)
				return
			}
		case "media":
			if current == nil || evt.Media == nil {
				continue
			}
			if evt.Media.Track != "" && evt.Media.Track != "inbound" {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(evt.Media.Payload)
			if err != nil {
				continue
			}
			h.OnAudioFrame(current.sid, payload, time.Now())
		case "mark":
			if current != nil && evt.Mark != nil {
				current.ackMark(evt.Mark.Name)
			}
		case "stop":
			endReason = "completed"
			if evt.Stop != nil {
				if r := normalizeCallEndReason(evt.Stop.Reason); r != "" {
					endReason = r
				}
			}
			t.end(current, endReason)
			return
		}
	}
	t.end(current, normalizeCallEndReason(endReason))
}

// end detaches c and reports the hang-up once, unless a reconnect already
// replaced it.
func (t *Transport) end(c *call, reason string) {
	if c == nil || !t.detach(c) {
		return
	}
	t.log.Info("call_stream_ended", "call_id", c.sid, "reason", reason)
	if h := t.callHandler(); h != nil {
		h.OnCallEnd(c.sid)
	}
}

// PlayAudio streams mu-law audio and waits for Twilio to echo the trailing
// mark. Cancelling ctx sends "clear" so buffered audio stops immediately.
func (t *Transport) PlayAudio(ctx context.Context, callID string, pcm []byte) error {
	c := t.call(callID)
	if c == nil {
		return errorsx.Wrap(fmt.Errorf("%w: %s", ErrCallNotConnected, callID), errorsx.ReasonTransportSend)
	}
	name, echoed := c.newMark()
	defer c.dropMark(name)

	for _, chunk := range audio.Frames(pcm) {
		if err := c.send(ctx, mediaMessage(c.streamSID, chunk)); err != nil {
			return t.interrupted(ctx, c, err)
		}
	}
	if err := c.send(ctx, markMessage(c.streamSID, name)); err != nil {
		return t.interrupted(ctx, c, err)
	}

	timer := time.NewTimer(audio.Duration(pcm) + t.cfg.playbackSlack())
	defer timer.Stop()
	select {
	case <-echoed:
		return nil
	case <-ctx.Done():
		return t.interrupted(ctx, c, ctx.Err())
	case <-c.done:
		return errorsx.Wrap(fmt.Errorf("%w: %s", ErrCallNotConnected, callID), errorsx.ReasonTransportSend)
	case <-timer.C:
		t.log.Debug("playback_mark_missing", "call_id", callID, "mark", name)
		return nil
	}
}

func (t *Transport) interrupted(ctx context.Context, c *call, err error) error {
	if ctx.Err() != nil {
		c.clear()
		return ctx.Err()
	}
	return errorsx.Wrap(err, errorsx.ReasonTransportSend)
}

// EndCall completes the call through the REST API. Without credentials the
// media stream is closed instead, which ends a <Connect><Stream> call.
func (t *Transport) EndCall(ctx context.Context, callID string) error {
	if strings.TrimSpace(callID) == "" {
		return errors.New("call sid required")
	}
	updater := t.updateClient
	if updater == nil && t.cfg.AccountSID != "" && t.cfg.AuthToken != "" {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: t.cfg.AccountSID,
			Password: t.cfg.AuthToken,
		})
		updater = rest.Api
	}
	if updater == nil {
		if c := t.call(callID); c != nil {
			return c.close()
		}
		return nil
	}
	params := &api.UpdateCallParams{}
	params.SetStatus("completed")
	done := make(chan error, 1)
	go func() {
		_, err := updater.UpdateCall(callID, params)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return errorsx.Wrap(fmt.Errorf("twilio: end call %s: %w", callID, err), errorsx.ReasonTransportSend)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dial places an outbound call using the Twilio REST API.
func (t *Transport) Dial(ctx context.Context, to, from, url string) (string, error) {
	return NewDialer(t.cfg).Dial(ctx, to, from, url)
}

func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.log.Warn("twilio_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	_ = r.ParseForm()
	params := map[string]string{
		"from":     r.FormValue("From"),
		"language": r.URL.Query().Get("language"),
		"voice":    r.URL.Query().Get("voice"),
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(buildStreamTwiml(t.websocketURL(r), t.cfg.VoiceGreeting, params)))
}

func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.log.Warn("twilio_status_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	reason := normalizeCallEndReason(r.FormValue("CallStatus"))
	if reason == "" || callSID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	if c := t.call(callSID); c != nil {
		t.end(c, reason)
	}
	w.WriteHeader(http.StatusOK)
}

func (t *Transport) attach(c *call) *call {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.calls[c.sid]
	t.calls[c.sid] = c
	return old
}

// detach removes c if it is still the live stream for its call.
func (t *Transport) detach(c *call) bool {
	t.mu.Lock()
	live := t.calls[c.sid] == c
	if live {
		delete(t.calls, c.sid)
	}
	t.mu.Unlock()
	_ = c.close()
	return live
}

func (t *Transport) call(callSID string) *call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[callSID]
}

func (t *Transport) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	if t.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func normalizeCallEndReason(raw string) string {
	r := strings.ToLower(strings.TrimSpace(raw))
	if r == "" {
		return ""
	}
	switch r {
	case "queued", "ringing", "in-progress", "inprogress":
		return ""
	case "completed", "call_ended", "call-ended", "completed_by_user", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled", "transport_closed":
		return "failed"
	default:
		return "unknown"
	}
}
