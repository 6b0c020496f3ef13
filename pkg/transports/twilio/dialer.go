package twilio

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harunnryd/sawt/pkg/transports"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

// Dialer provides outbound call creation via Twilio REST API.
type Dialer struct {
	cfg    Config
	client callCreator
}

// NewDialer creates a new Twilio dialer.
func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg.withDefaults()}
}

// Dial places an outbound call using Twilio.
func (d *Dialer) Dial(ctx context.Context, to, from, url string) (string, error) {
	return d.DialWithOptions(ctx, to, from, url, transports.DialOptions{})
}

// DialWithOptions places an outbound call. An empty url points the call at
// this service's voice webhook; the status callback is always registered so
// hang-ups reach the transport.
func (d *Dialer) DialWithOptions(ctx context.Context, to, from, url string, opts transports.DialOptions) (string, error) {
	if to == "" || from == "" {
		return "", errors.New("to/from required")
	}
	if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
		return "", errors.New("missing twilio credentials")
	}
	if url == "" {
		url = webhookURL(d.cfg, d.cfg.VoicePath)
	}
	client := d.client
	if client == nil {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: d.cfg.AccountSID,
			Password: d.cfg.AuthToken,
		})
		client = rest.Api
	}
	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetUrl(url)
	params.SetStatusCallback(webhookURL(d.cfg, d.cfg.StatusCallbackPath))
	params.SetStatusCallbackEvent([]string{"completed"})
	if strings.TrimSpace(opts.SendDigits) != "" {
		params.SetSendDigits(opts.SendDigits)
	}

	type result struct {
		sid string
		err error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := client.CreateCall(params)
		if err != nil {
			done <- result{err: err}
			return
		}
		if resp == nil || resp.Sid == nil {
			done <- result{err: fmt.Errorf("missing call sid")}
			return
		}
		done <- result{sid: *resp.Sid}
	}()
	select {
	case r := <-done:
		return r.sid, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
