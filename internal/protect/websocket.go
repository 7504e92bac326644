package protect

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsPath = "/proxy/protect/ws/updates"

	// readIdleTimeout forces a reconnect when the controller goes quiet.
	readIdleTimeout = 90 * time.Second
)

// Subscribe dials the controller's updates socket and decodes event
// frames. The returned Subscription's channel closes on any read error;
// the caller owns reconnecting.
func (c *HTTPClient) Subscribe(ctx context.Context) (*Subscription, error) {
	wsURL := "wss" + strings.TrimPrefix(c.baseURL, "https") + wsPath

	dialer := websocket.Dialer{
		Jar:              c.http.Jar,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: !c.verifySSL},
		HandshakeTimeout: 10 * time.Second,
	}
	header := http.Header{}
	if token, _ := c.csrfToken.Load().(string); token != "" {
		header.Set("X-CSRF-Token", token)
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, ErrAuth
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan EventMessage)
	sub := &Subscription{
		C:      out,
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	go func() {
		defer close(sub.done)
		defer close(out)
		defer cancel()
		for {
			conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
			_, data, err := conn.ReadMessage()
			if err != nil {
				sub.err = err
				sub.disconnectedAt = time.Now()
				return
			}
			msg, ok := decodeFrame(data)
			if !ok {
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				sub.err = ctx.Err()
				sub.disconnectedAt = time.Now()
				return
			}
		}
	}()

	return sub, nil
}

// wsFrame is the updates-socket envelope. Non-event updates (camera
// state, NVR stats) share the socket and are skipped.
type wsFrame struct {
	Action    string          `json:"action"`
	ModelKey  string          `json:"modelKey"`
	ID        string          `json:"id"`
	NewObject json.RawMessage `json:"newObject"`
}

func decodeFrame(data []byte) (EventMessage, bool) {
	var frame wsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		log.Printf("[DEBUG] protect: skipping undecodable ws frame: %v", err)
		return EventMessage{}, false
	}
	if frame.ModelKey != "event" {
		return EventMessage{}, false
	}

	var wire wireEvent
	if len(frame.NewObject) > 0 {
		if err := json.Unmarshal(frame.NewObject, &wire); err != nil {
			log.Printf("[DEBUG] protect: skipping undecodable event payload: %v", err)
			return EventMessage{}, false
		}
	}
	if wire.ID == "" {
		wire.ID = frame.ID
	}
	ev := wire.toEvent()

	action := ActionUpdate
	switch frame.Action {
	case "add":
		action = ActionAdd
	case "update":
		if ev.End != nil {
			action = ActionClose
		}
	}
	return EventMessage{Action: action, Event: ev}, true
}
