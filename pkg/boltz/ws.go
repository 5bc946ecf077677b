package boltz

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

type Event int

const (
	EventUnknown Event = iota
	SwapCreated
	TransactionLockupFailed
	TransactionMempool
	TransactionConfirmed
	TransactionServerMempool
	TransactionServerConfirmed
	TransactionClaimPending
	TransactionClaimed
	TransactionRefunded
	TransactionFailed
	SwapExpired
)

// ParseEvent maps a raw status tag to an Event. Unrecognized tags map
// to EventUnknown; consumers drop those instead of failing.
func ParseEvent(status string) Event {
	switch status {
	case "swap.created":
		return SwapCreated
	case "transaction.lockupFailed":
		return TransactionLockupFailed
	case "transaction.mempool":
		return TransactionMempool
	case "transaction.confirmed":
		return TransactionConfirmed
	case "transaction.server.mempool":
		return TransactionServerMempool
	case "transaction.server.confirmed":
		return TransactionServerConfirmed
	case "transaction.claim.pending":
		return TransactionClaimPending
	case "transaction.claimed":
		return TransactionClaimed
	case "transaction.refunded":
		return TransactionRefunded
	case "transaction.failed":
		return TransactionFailed
	case "swap.expired":
		return SwapExpired
	default:
		return EventUnknown
	}
}

// SwapUpdate is one status event pushed by the service for a subscribed
// swap id.
type SwapUpdate struct {
	Id          string         `json:"id"`
	Status      string         `json:"status"`
	Transaction TransactionRef `json:"transaction"`
	FailureHint string         `json:"failureReason,omitempty"`
}

type wsEnvelope struct {
	Event   string            `json:"event"`
	Channel string            `json:"channel"`
	Args    []json.RawMessage `json:"args"`
}

type wsRequest struct {
	Op      string   `json:"op"`
	Channel string   `json:"channel"`
	Args    []string `json:"args"`
}

// Websocket is a subscription to the swap.update channel. Updates for
// subscribed ids are delivered on Updates in arrival order; the channel
// is closed when the connection drops or Close is called.
type Websocket struct {
	url string

	conn    *websocket.Conn
	writeMu sync.Mutex

	Updates chan SwapUpdate

	closeOnce sync.Once
	done      chan struct{}
}

func (boltz *Api) NewWebsocket() *Websocket {
	return &Websocket{
		url:     boltz.WSURL + "/v2/ws",
		Updates: make(chan SwapUpdate),
		done:    make(chan struct{}),
	}
}

func (ws *Websocket) ConnectAndSubscribe(ctx context.Context, swapIds []string, timeout time.Duration) error {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, ws.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", ws.url, err)
	}
	ws.conn = conn

	if err := ws.Subscribe(swapIds); err != nil {
		_ = conn.Close()
		return err
	}

	go ws.readLoop()
	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-ws.done:
		}
	}()

	return nil
}

func (ws *Websocket) Subscribe(swapIds []string) error {
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()

	if err := ws.conn.WriteJSON(wsRequest{
		Op:      "subscribe",
		Channel: "swap.update",
		Args:    swapIds,
	}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

func (ws *Websocket) Close() {
	ws.closeOnce.Do(func() {
		close(ws.done)
		if ws.conn != nil {
			_ = ws.conn.Close()
		}
	})
}

func (ws *Websocket) readLoop() {
	defer close(ws.Updates)

	for {
		var envelope wsEnvelope
		if err := ws.conn.ReadJSON(&envelope); err != nil {
			select {
			case <-ws.done:
			default:
				log.WithError(err).Debug("websocket read terminated")
			}
			return
		}

		if envelope.Channel != "swap.update" || envelope.Event != "update" {
			// subscribe acks and pings land here
			continue
		}

		for _, arg := range envelope.Args {
			var update SwapUpdate
			if err := json.Unmarshal(arg, &update); err != nil {
				log.WithError(err).Warn("malformed swap update, skipping")
				continue
			}

			select {
			case ws.Updates <- update:
			case <-ws.done:
				return
			}
		}
	}
}
