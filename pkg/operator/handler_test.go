package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/sawt/pkg/errorsx"
	"github.com/harunnryd/sawt/pkg/logging"
	"github.com/harunnryd/sawt/pkg/orchestrator"
	"github.com/harunnryd/sawt/pkg/providers/mock"
	"github.com/harunnryd/sawt/pkg/session"
)

type stubConversation struct {
	res orchestrator.ConverseResult
	err error

	gotSession string
	gotText    string
}

func (s *stubConversation) Converse(ctx context.Context, sessionID, text string) (orchestrator.ConverseResult, error) {
	s.gotSession, s.gotText = sessionID, text
	return s.res, s.err
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/converse", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestConverseReturnsReply(t *testing.T) {
	conv := &stubConversation{res: orchestrator.ConverseResult{SessionID: "s1", Reply: "hi there", State: session.StateListening}}
	h := NewHandler(conv, time.Second, logging.Discard())

	rr := post(t, h, `{"session_id":"s1","text":"hello"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var resp ConverseResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.SessionID != "s1" || resp.Reply != "hi there" || resp.State != "LISTENING" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if conv.gotSession != "s1" || conv.gotText != "hello" {
		t.Fatalf("request not forwarded: %q %q", conv.gotSession, conv.gotText)
	}
}

func TestConverseErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{orchestrator.ErrEmptyText, http.StatusBadRequest, "empty_text"},
		{fmt.Errorf("create: %w", errorsx.ErrCapacityExhausted), http.StatusServiceUnavailable, string(errorsx.ReasonCapacityExhausted)},
		{errorsx.ErrCallTerminated, http.StatusGone, string(errorsx.ReasonCallTerminatedUnexpectedly)},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
		{fmt.Errorf("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		h := NewHandler(&stubConversation{err: tc.err}, time.Second, logging.Discard())
		rr := post(t, h, `{"text":"hello"}`)
		if rr.Code != tc.status {
			t.Fatalf("%v: status=%d, want %d", tc.err, rr.Code, tc.status)
		}
		var env errorEnvelope
		if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if env.Error.Code != tc.code {
			t.Fatalf("%v: code=%q, want %q", tc.err, env.Error.Code, tc.code)
		}
	}
}

func TestConverseRejectsBadInput(t *testing.T) {
	h := NewHandler(&stubConversation{}, time.Second, logging.Discard())
	if rr := post(t, h, `not json`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid json, got %d", rr.Code)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/converse", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestConverseAgainstOrchestrator(t *testing.T) {
	store := session.NewStore(session.StoreOptions{})
	orch, err := orchestrator.New(orchestrator.Config{Language: "en-US"}, orchestrator.Deps{
		Store:       store,
		Generator:   mock.NewGenerator(mock.LLMConfig{ResponseText: "hi there"}),
		Synthesizer: mock.NewSynthesizer(mock.TTSConfig{}),
		Logger:      logging.Discard(),
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	srv := httptest.NewServer(NewHandler(orch, 2*time.Second, logging.Discard()))
	defer srv.Close()

	resp, err := http.Post(srv.URL, "application/json", strings.NewReader(`{"text":"hello"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var out ConverseResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.SessionID == "" || out.Reply != "hi there" || out.State != "LISTENING" {
		t.Fatalf("unexpected response %+v", out)
	}
	if store.Count() != 1 {
		t.Fatalf("expected one live text session, got %d", store.Count())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := orch.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
