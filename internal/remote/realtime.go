package remote

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// ChangeHandler receives the table name behind a server-pushed row change.
type ChangeHandler func(table string)

// Realtime keeps a websocket open to the change feed and invokes the handler
// whenever a watched table changes on the server. It is an optimization: when
// the socket is down the engine still converges via periodic pulls, so every
// failure here degrades to polling instead of propagating.
type Realtime struct {
	client  *Client
	auth    Authorizer
	tables  []string
	handler ChangeHandler
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

const (
	heartbeatInterval = 30 * time.Second
	reconnectBase     = 2 * time.Second
	reconnectCap      = 2 * time.Minute
)

func NewRealtime(client *Client, auth Authorizer, tables []string, handler ChangeHandler, logger *slog.Logger) *Realtime {
	return &Realtime{
		client:  client,
		auth:    auth,
		tables:  tables,
		handler: handler,
		logger:  logger,
	}
}

// Start begins the connect/read loop.
func (r *Realtime) Start(ctx context.Context) {
	r.mu.Lock()
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.mu.Unlock()

	go func() {
		defer close(r.done)
		backoff := reconnectBase
		for {
			if ctx.Err() != nil {
				return
			}
			err := r.runConn(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				r.logger.Debug("realtime connection lost", "error", err, "retry_in", backoff)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > reconnectCap {
				backoff = reconnectCap
			}
		}
	}()
}

// Stop closes the feed and waits for the loop to exit.
func (r *Realtime) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

type realtimeMessage struct {
	Topic   string         `json:"topic"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
	Ref     string         `json:"ref,omitempty"`
}

// runConn holds one websocket session: dial, join the table topics, then
// read until the connection or the context dies.
func (r *Realtime) runConn(ctx context.Context) error {
	token, err := r.auth.Token(ctx)
	if err != nil {
		return err
	}

	wsURL := strings.Replace(r.client.baseURL, "http", "ws", 1) +
		"/realtime/v1/websocket?apikey=" + r.client.apiKey + "&vsn=1.0.0"

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for _, table := range r.tables {
		join := realtimeMessage{
			Topic:   "realtime:public:" + table,
			Event:   "phx_join",
			Payload: map[string]any{"user_token": token},
			Ref:     "1",
		}
		if err := wsjson.Write(ctx, conn, join); err != nil {
			return err
		}
	}
	r.logger.Debug("realtime connected", "tables", strings.Join(r.tables, ","))

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go r.heartbeat(hbCtx, conn)

	for {
		var msg realtimeMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return err
		}
		switch msg.Event {
		case "INSERT", "UPDATE", "DELETE":
			table := strings.TrimPrefix(msg.Topic, "realtime:public:")
			r.handler(table)
		}
	}
}

func (r *Realtime) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg := realtimeMessage{Topic: "phoenix", Event: "heartbeat", Payload: map[string]any{}}
			if err := wsjson.Write(ctx, conn, msg); err != nil {
				return
			}
		}
	}
}
