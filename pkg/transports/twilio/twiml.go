package twilio

import (
	"net/http"
	"sort"
	"strings"
)

// buildStreamTwiml connects the call to the media stream. Non-empty params
// reach the stream's "start" message as customParameters.
func buildStreamTwiml(wsURL, greeting string, params map[string]string) string {
	var b strings.Builder
	b.WriteString("<Response>")
	if g := strings.TrimSpace(greeting); g != "" {
		b.WriteString("<Say>" + xmlEscape(g) + "</Say>")
	}
	b.WriteString(`<Connect><Stream url="` + xmlEscape(wsURL) + `">`)
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if strings.TrimSpace(v) != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(`<Parameter name="` + xmlEscape(k) + `" value="` + xmlEscape(params[k]) + `"/>`)
	}
	b.WriteString("</Stream></Connect></Response>")
	return b.String()
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}

func (t *Transport) websocketURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return "wss://" + host + t.cfg.WebsocketPath
}

func (t *Transport) voiceWebhookURL() string {
	return webhookURL(t.cfg, t.cfg.VoicePath)
}

func (t *Transport) statusCallbackURL() string {
	return webhookURL(t.cfg, t.cfg.StatusCallbackPath)
}

func webhookURL(cfg Config, path string) string {
	if cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(cfg.PublicURL) + path
	}
	addr := cfg.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

// requestURL rebuilds the URL Twilio signed.
func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		base := strings.TrimRight(t.cfg.PublicURL, "/")
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}
