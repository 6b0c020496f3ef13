package twilio

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
)

// call is one live media stream. Writes go through a single loop so the
// websocket never sees concurrent writers.
type call struct {
	sid       string
	streamSID string
	conn      *websocket.Conn
	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	seq   int
	marks map[string]chan struct{}
}

func newCall(sid, streamSID string, conn *websocket.Conn) *call {
	c := &call{
		sid:       sid,
		streamSID: streamSID,
		conn:      conn,
		sendCh:    make(chan []byte, 512),
		done:      make(chan struct{}),
		marks:     make(map[string]chan struct{}),
	}
	go c.loop()
	return c
}

func (c *call) loop() {
	for {
		select {
		case msg := <-c.sendCh:
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				_ = c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *call) send(ctx context.Context, msg map[string]any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.sendCh <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrCallNotConnected
	}
}

// clear drops audio still queued locally and tells Twilio to flush its buffer.
func (c *call) clear() {
	for {
		select {
		case <-c.sendCh:
			continue
		default:
		}
		break
	}
	b, _ := json.Marshal(map[string]any{"event": "clear", "streamSid": c.streamSID})
	select {
	case c.sendCh <- b:
	case <-c.done:
	default:
	}
}

func (c *call) newMark() (string, <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	name := "play-" + strconv.Itoa(c.seq)
	ch := make(chan struct{})
	c.marks[name] = ch
	return name, ch
}

func (c *call) ackMark(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.marks[name]; ok {
		close(ch)
		delete(c.marks, name)
	}
}

func (c *call) dropMark(name string) {
	c.mu.Lock()
	delete(c.marks, name)
	c.mu.Unlock()
}

func (c *call) close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func mediaMessage(streamSID string, chunk []byte) map[string]any {
	return map[string]any{
		"event":     "media",
		"streamSid": streamSID,
		"media": map[string]any{
			"payload": base64.StdEncoding.EncodeToString(chunk),
		},
	}
}

func markMessage(streamSID, name string) map[string]any {
	return map[string]any{
		"event":     "mark",
		"streamSid": streamSID,
		"mark":      map[string]any{"name": name},
	}
}

type StreamStart struct {
	CallSID          string            `json:"callSid"`
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

type StreamMedia struct {
	Track   string `json:"track"`
	Payload string `json:"payload"`
}

type StreamMark struct {
	Name string `json:"name"`
}

type StreamStop struct {
	Reason string `json:"reason"`
}

// StreamEvent is one inbound media-stream message.
type StreamEvent struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid,omitempty"`
	Start     *StreamStart `json:"start,omitempty"`
	Media     *StreamMedia `json:"media,omitempty"`
	Mark      *StreamMark  `json:"mark,omitempty"`
	Stop      *StreamStop  `json:"stop,omitempty"`
}
