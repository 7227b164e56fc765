package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"whale-swarm/internal/logging"
)

const (
	relayDialTimeout  = 5 * time.Second
	relayMaxBackoff   = 30 * time.Second
	relayWriteTimeout = 5 * time.Second
)

// frame is the wire shape exchanged with the external broker. Origin lets a
// relay skip frames echoed back for its own publishes.
type frame struct {
	Origin  string  `json:"origin"`
	Channel string  `json:"channel"`
	Message Message `json:"message"`
}

// relay mirrors bus traffic over a websocket broker so separate processes
// share one logical bus. Local delivery never depends on relay health:
// a dead broker just means the bus is in-process only.
type relay struct {
	url      string
	origin   string
	dispatch func(channel string, msg Message)
	logger   zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func newRelay(url string, dispatch func(string, Message), logger zerolog.Logger) *relay {
	return &relay{
		url:      url,
		origin:   uuid.NewString(),
		dispatch: dispatch,
		logger:   logging.Component(logger, "bus_relay"),
	}
}

// run maintains the broker connection with exponential backoff until ctx
// is cancelled. Inbound frames are dispatched to local subscribers.
func (r *relay) run(ctx context.Context) error {
	backoff := time.Second
	for {
		conn, err := r.connect(ctx)
		if err != nil {
			r.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("broker unreachable, staying in-process")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > relayMaxBackoff {
				backoff = relayMaxBackoff
			}
			continue
		}

		backoff = time.Second
		r.setConn(conn)
		r.logger.Info().Str("url", r.url).Msg("connected to broker")

		if err := r.readLoop(ctx, conn); err != nil && ctx.Err() == nil {
			r.logger.Warn().Err(err).Msg("broker connection lost")
		}
		r.setConn(nil)
		_ = conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (r *relay) connect(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, relayDialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, r.url, nil)
	return conn, err
}

func (r *relay) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		if f.Channel == "" || f.Origin == r.origin {
			continue
		}
		r.dispatch(f.Channel, f.Message)
	}
}

// forward ships a locally published message to the broker. Failures are
// swallowed: publishers must not observe broker health.
func (r *relay) forward(channel string, msg Message) {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return
	}

	payload, err := json.Marshal(frame{Origin: r.origin, Channel: channel, Message: msg})
	if err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return
	}
	_ = r.conn.SetWriteDeadline(time.Now().Add(relayWriteTimeout))
	if err := r.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		r.logger.Debug().Err(err).Msg("relay forward failed")
	}
}

func (r *relay) setConn(conn *websocket.Conn) {
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
}
