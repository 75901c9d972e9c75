package realtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"go-chat-realtime/internal/protocol"
)

var errClosedByServer = errors.New("closed by server")

// transport is one live link to the server.
type transport interface {
	Name() string
	Send(ctx context.Context, f protocol.Frame) error
	// Receive blocks until at least one frame arrives or the link fails.
	// A polling transport may return an empty batch.
	Receive(ctx context.Context) ([]protocol.Frame, error)
	Close() error
}

type endpoint struct {
	base  *url.URL
	token string
}

func newEndpoint(rawURL, path, token string) (endpoint, error) {
	u, err := url.Parse(strings.TrimRight(rawURL, "/") + path)
	if err != nil {
		return endpoint{}, fmt.Errorf("parse server url: %w", err)
	}
	return endpoint{base: u, token: token}, nil
}

func (e endpoint) url(transport, sid string, websocketScheme bool) string {
	u := *e.base
	if websocketScheme {
		switch u.Scheme {
		case "https":
			u.Scheme = "wss"
		default:
			u.Scheme = "ws"
		}
	}
	q := u.Query()
	q.Set("transport", transport)
	if sid != "" {
		q.Set("sid", sid)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (e endpoint) header() http.Header {
	h := http.Header{}
	if e.token != "" {
		h.Set("Authorization", "Bearer "+e.token)
	}
	return h
}

type pollingTransport struct {
	client *http.Client
	ep     endpoint
	sid    string
}

// openPolling performs the polling handshake.
func openPolling(ctx context.Context, client *http.Client, ep endpoint) (*pollingTransport, protocol.OpenData, error) {
	var open protocol.OpenData
	frames, err := pollRequest(ctx, client, http.MethodGet, ep.url(protocol.TransportPolling, "", false), ep.header(), nil)
	if err != nil {
		return nil, open, fmt.Errorf("polling handshake: %w", err)
	}
	if len(frames) == 0 || frames[0].Type != protocol.FrameOpen {
		return nil, open, errors.New("polling handshake: missing open frame")
	}
	if err := json.Unmarshal(frames[0].Data, &open); err != nil {
		return nil, open, fmt.Errorf("polling handshake: %w", err)
	}
	if open.SID == "" {
		return nil, open, errors.New("polling handshake: empty sid")
	}
	return &pollingTransport{client: client, ep: ep, sid: open.SID}, open, nil
}

func (p *pollingTransport) Name() string { return protocol.TransportPolling }

func (p *pollingTransport) Send(ctx context.Context, f protocol.Frame) error {
	b, err := f.Encode()
	if err != nil {
		return err
	}
	_, err = pollRequest(ctx, p.client, http.MethodPost, p.ep.url(protocol.TransportPolling, p.sid, false),
		p.ep.header(), protocol.EncodeBatch([][]byte{b}))
	return err
}

func (p *pollingTransport) Receive(ctx context.Context) ([]protocol.Frame, error) {
	frames, err := pollRequest(ctx, p.client, http.MethodGet, p.ep.url(protocol.TransportPolling, p.sid, false), p.ep.header(), nil)
	if err != nil {
		return nil, err
	}
	for _, f := range frames {
		if f.Type == protocol.FrameClose {
			return nil, errClosedByServer
		}
	}
	return frames, nil
}

func (p *pollingTransport) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return p.Send(ctx, protocol.Frame{Type: protocol.FrameClose})
}

// pollRequest issues one polling request. POST replies are plain "ok"; GET
// replies are frame batches.
func pollRequest(ctx context.Context, client *http.Client, method, u string, header http.Header, body []byte) ([]protocol.Frame, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	req.Header = header
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s %s: status %d", method, protocol.TransportPolling, resp.StatusCode)
	}
	if method != http.MethodGet {
		return nil, nil
	}
	return protocol.DecodeBatch(data)
}

type websocketTransport struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

// dialWebsocket opens a websocket link. With a sid it upgrades that polling
// session; without one the server opens a fresh session and greets it with
// an open frame.
func dialWebsocket(ctx context.Context, ep endpoint, sid string) (*websocketTransport, protocol.OpenData, error) {
	var open protocol.OpenData
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, ep.url(protocol.TransportWebsocket, sid, true), ep.header())
	if err != nil {
		return nil, open, fmt.Errorf("websocket dial: %w", err)
	}
	t := &websocketTransport{conn: conn}

	if sid != "" {
		if err := t.Send(ctx, protocol.Frame{Type: protocol.FrameUpgrade}); err != nil {
			conn.Close()
			return nil, open, fmt.Errorf("websocket upgrade: %w", err)
		}
		open.SID = sid
		return t, open, nil
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	frames, err := t.Receive(ctx)
	if err != nil {
		conn.Close()
		return nil, open, fmt.Errorf("websocket open: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	if frames[0].Type != protocol.FrameOpen {
		conn.Close()
		return nil, open, errors.New("websocket open: missing open frame")
	}
	if err := json.Unmarshal(frames[0].Data, &open); err != nil {
		conn.Close()
		return nil, open, fmt.Errorf("websocket open: %w", err)
	}
	return t, open, nil
}

func (w *websocketTransport) Name() string { return protocol.TransportWebsocket }

func (w *websocketTransport) Send(ctx context.Context, f protocol.Frame) error {
	b, err := f.Encode()
	if err != nil {
		return err
	}
	w.wmu.Lock()
	defer w.wmu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		w.conn.SetWriteDeadline(deadline)
		defer w.conn.SetWriteDeadline(time.Time{})
	}
	return w.conn.WriteMessage(websocket.TextMessage, b)
}

func (w *websocketTransport) Receive(context.Context) ([]protocol.Frame, error) {
	_, msg, err := w.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	f, err := protocol.Decode(msg)
	if err != nil {
		return nil, err
	}
	if f.Type == protocol.FrameClose {
		return nil, errClosedByServer
	}
	return []protocol.Frame{f}, nil
}

func (w *websocketTransport) Close() error {
	w.wmu.Lock()
	w.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	w.wmu.Unlock()
	return w.conn.Close()
}
