package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/sawt/pkg/adapters/stt"
	"github.com/harunnryd/sawt/pkg/errorsx"
	"github.com/harunnryd/sawt/pkg/logging"
	"github.com/harunnryd/sawt/pkg/redact"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	Interim        bool   `mapstructure:"interim"`
	VADEvents      bool   `mapstructure:"vad_events"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
	Endpointing    string `mapstructure:"endpointing"`
}

// Streamer opens one Deepgram live connection per call.
type Streamer struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) (*Streamer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("deepgram: api_key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.UtteranceEndMS <= 0 {
		cfg.UtteranceEndMS = 1000
	}
	return &Streamer{
		cfg:    cfg,
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_stt"),
	}, nil
}

func (s *Streamer) Name() string { return "deepgram" }

func (s *Streamer) Open(ctx context.Context, cfg stt.Config) (stt.Stream, error) {
	language := cfg.Language
	if s.cfg.Language != "" {
		language = s.cfg.Language
	}
	st := &stream{
		out:    make(chan stt.TranscriptEvent, 256),
		logger: s.logger.With("call_id", cfg.CallID),
	}
	st.ctx, st.cancel = context.WithCancel(ctx)
	st.pipeReader, st.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       language,
		Encoding:       cfg.Encoding,
		SampleRate:     cfg.SampleRate,
		Channels:       1,
		InterimResults: true,
		VadEvents:      s.cfg.VADEvents,
		SmartFormat:    true,
		Punctuate:      true,
		UtteranceEndMs: fmt.Sprintf("%d", s.cfg.UtteranceEndMS),
		Endpointing:    s.cfg.Endpointing,
	}

	st.logger.Info("deepgram_connecting",
		slog.String("model", s.cfg.Model),
		slog.String("language", language),
		slog.Int("sample_rate", cfg.SampleRate))

	dgClient, err := client.NewWSUsingCallback(st.ctx, s.cfg.APIKey, clientOptions, transcriptOptions, &callback{parent: st})
	if err != nil {
		st.cancel()
		return nil, errorsx.Wrap(fmt.Errorf("deepgram: create client: %w", err), errorsx.ReasonSTTConnect)
	}
	st.dgClient = dgClient
	if connected := dgClient.Connect(); !connected {
		st.cancel()
		return nil, errorsx.Wrap(errors.New("deepgram: connection failed"), errorsx.ReasonSTTConnect)
	}
	st.logger.Info("deepgram_connected")

	go func() {
		if err := dgClient.Stream(st.pipeReader); err != nil && st.ctx.Err() == nil {
			st.logger.Error("deepgram_stream_error", slog.String("error", err.Error()))
		}
	}()
	return st, nil
}

type stream struct {
	dgClient   *client.WSCallback
	ctx        context.Context
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	logger     *slog.Logger

	mu         sync.Mutex
	seg        segmenter
	out        chan stt.TranscriptEvent
	closed     bool
	metaLogged bool
}

func (s *stream) Write(audio []byte) error {
	if _, err := s.pipeWriter.Write(audio); err != nil {
		return errorsx.Wrap(fmt.Errorf("deepgram: send audio: %w", err), errorsx.ReasonSTTSend)
	}
	return nil
}

func (s *stream) Events() <-chan stt.TranscriptEvent { return s.out }

func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.out)
	s.mu.Unlock()

	s.logger.Info("deepgram_closing")
	s.cancel()
	_ = s.pipeWriter.Close()
	if s.dgClient != nil {
		s.dgClient.Stop()
	}
	return nil
}

func (s *stream) emit(ev stt.TranscriptEvent, ok bool) {
	if !ok {
		return
	}
	ev.Timestamp = time.Now()
	if s.closed {
		return
	}
	select {
	case s.out <- ev:
	default:
		s.logger.Warn("deepgram_out_channel_full")
	}
}

// segmenter turns Deepgram's is_final segments into whole-utterance
// hypotheses. Deepgram finalizes an utterance piecewise; callers expect each
// partial to carry the full text so far and one final per utterance.
type segmenter struct {
	parts []string
	conf  []float64
}

func (g *segmenter) text(extra string) string {
	all := append(append([]string(nil), g.parts...), extra)
	return strings.TrimSpace(strings.Join(strings.Fields(strings.Join(all, " ")), " "))
}

func (g *segmenter) confidence(latest float64) float64 {
	if len(g.conf) == 0 {
		return latest
	}
	var sum float64
	for _, c := range g.conf {
		sum += c
	}
	return sum / float64(len(g.conf))
}

// message folds one transcript result in. The second return is false when
// nothing should be emitted.
func (g *segmenter) message(text string, confidence float64, isFinal, speechFinal bool) (stt.TranscriptEvent, bool) {
	text = strings.TrimSpace(text)
	switch {
	case speechFinal:
		if text != "" {
			g.parts = append(g.parts, text)
			g.conf = append(g.conf, confidence)
		}
		return g.flush()
	case isFinal:
		if text == "" {
			return stt.TranscriptEvent{}, false
		}
		g.parts = append(g.parts, text)
		g.conf = append(g.conf, confidence)
		return stt.TranscriptEvent{Text: g.text(""), Confidence: g.confidence(confidence)}, true
	default:
		if text == "" {
			return stt.TranscriptEvent{}, false
		}
		return stt.TranscriptEvent{Text: g.text(text), Confidence: confidence}, true
	}
}

// flush ends the current utterance, if there is one.
func (g *segmenter) flush() (stt.TranscriptEvent, bool) {
	if len(g.parts) == 0 {
		return stt.TranscriptEvent{}, false
	}
	ev := stt.TranscriptEvent{Text: g.text(""), IsFinal: true, Confidence: g.confidence(0)}
	g.parts, g.conf = nil, nil
	return ev, true
}

// --- Callback Implementation ---

type callback struct {
	parent *stream
}

func (c *callback) Open(*msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	var text string
	var confidence float64
	if len(mr.Channel.Alternatives) > 0 {
		text = mr.Channel.Alternatives[0].Transcript
		confidence = mr.Channel.Alternatives[0].Confidence
	}
	p := c.parent
	p.mu.Lock()
	defer p.mu.Unlock()
	ev, ok := p.seg.message(text, confidence, mr.IsFinal, mr.SpeechFinal)
	if ok {
		p.logger.Debug("transcript_received",
			slog.String("text", redact.Text(ev.Text)),
			slog.Bool("is_final", ev.IsFinal))
	}
	p.emit(ev, ok)
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	p := c.parent
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.metaLogged {
		p.metaLogged = true
		p.logger.Info("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(*msginterfaces.SpeechStartedResponse) error {
	c.parent.logger.Debug("speech_started_event")
	return nil
}

func (c *callback) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	p := c.parent
	p.mu.Lock()
	defer p.mu.Unlock()
	ev, ok := p.seg.flush()
	if ok {
		p.logger.Debug("utterance_end_event")
	}
	p.emit(ev, ok)
	return nil
}

func (c *callback) Close(*msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed")
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event", slog.Int("bytes", len(byData)))
	return nil
}

var _ stt.Streamer = (*Streamer)(nil)
