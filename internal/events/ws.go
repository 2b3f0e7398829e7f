package events

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/org/piiguard/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	writeTimeout      = 5 * time.Second
	minReconnectDelay = 500 * time.Millisecond
	maxReconnectDelay = 30 * time.Second
	subscriberBuffer  = 32
)

var errBadFrame = errors.New("events: bad frame")

// Hub streams bus events to websocket clients as binary frames.
type Hub struct {
	bus *Bus
}

// NewHub creates a Hub fed by bus.
func NewHub(bus *Bus) *Hub {
	return &Hub{bus: bus}
}

// ServeHTTP upgrades the request and forwards events until either side closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer ws.CloseNow()

	sub := h.bus.Subscribe(subscriberBuffer)
	defer sub.Close()

	// Clients never send; CloseRead handles control frames and cancels ctx on close.
	ctx := ws.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := ws.Write(wctx, websocket.MessageBinary, MarshalEvent(ev))
			cancel()
			if err != nil {
				log.Debug().Err(err).Str("subscriber", sub.ID).Msg("event stream closed")
				return
			}
		}
	}
}

// Conn is a client connection to an event stream.
type Conn struct {
	ws *websocket.Conn
}

// Dial opens an event stream. If tlsConf is non-nil it is used for the handshake.
func Dial(ctx context.Context, url string, tlsConf *tls.Config, headers http.Header) (*Conn, error) {
	opts := &websocket.DialOptions{HTTPHeader: headers}
	if tlsConf != nil {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsConf},
		}
	}
	ws, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("events: dial: %w", err)
	}
	return &Conn{ws: ws}, nil
}

// ReadEvent blocks for the next event frame.
func (c *Conn) ReadEvent(ctx context.Context) (models.Event, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return models.Event{}, fmt.Errorf("events: read: %w", err)
	}
	if typ != websocket.MessageBinary {
		return models.Event{}, fmt.Errorf("%w: text frame", errBadFrame)
	}
	ev, err := UnmarshalEvent(data)
	if err != nil {
		return ev, fmt.Errorf("%w: %w", errBadFrame, err)
	}
	return ev, nil
}

// Close sends a normal closure frame.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// Listen keeps an event stream open until ctx is done, redialing with backoff.
// onConnect runs after every successful dial so the caller can resync state
// that may have changed while disconnected.
func Listen(ctx context.Context, url string, tlsConf *tls.Config, headers http.Header, onConnect func(context.Context), handle func(models.Event)) error {
	delay := minReconnectDelay
	for {
		conn, err := Dial(ctx, url, tlsConf, headers)
		if err == nil {
			delay = minReconnectDelay
			if onConnect != nil {
				onConnect(ctx)
			}
			err = readLoop(ctx, conn, handle)
			conn.ws.CloseNow()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Debug().Err(err).Dur("retry_in", delay).Msg("event stream disconnected")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func readLoop(ctx context.Context, conn *Conn, handle func(models.Event)) error {
	for {
		ev, err := conn.ReadEvent(ctx)
		if errors.Is(err, errBadFrame) {
			log.Debug().Err(err).Msg("skipping event frame")
			continue
		}
		if err != nil {
			return err
		}
		handle(ev)
	}
}
