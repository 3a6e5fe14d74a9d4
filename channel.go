package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/coder/websocket"

	"github.com/slicework/sandbox/internal/core"
	"github.com/slicework/sandbox/internal/ring"
)

// maxChannelMessageBytes bounds one inbound supervisor message.
const maxChannelMessageBytes = 16 * 1024 * 1024

// Channel is the websocket connection to the supervisor. Outbound envelopes
// are JSON text frames; inbound frames are dispatched through the ring
// inbox, which freezes each payload per listener.
type Channel struct {
	conn *websocket.Conn
}

// DialSupervisor connects to the supervisor endpoint.
func DialSupervisor(ctx context.Context, url string) (*Channel, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing supervisor %s: %w", url, err)
	}
	conn.SetReadLimit(maxChannelMessageBytes)
	return &Channel{conn: conn}, nil
}

// Send transmits one ring-tagged envelope.
func (c *Channel) Send(ctx context.Context, msg core.RingMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing to supervisor: %w", err)
	}
	return nil
}

// Transmit adapts Send to the ring transmit signature. Send failures are
// logged, not propagated: the sandbox side of the protocol has nowhere to
// report a dead channel except the log.
func (c *Channel) Transmit(ctx context.Context) ring.Transmit {
	return func(msg core.RingMessage) {
		if err := c.Send(ctx, msg); err != nil {
			log.Printf("supervisor channel: %v", err)
		}
	}
}

// Run pumps inbound messages into the inbox until the connection closes or
// the context is canceled. A reader goroutine feeds a channel so the pump
// can also service the keepalive ping.
func (c *Channel) Run(ctx context.Context, inbox *ring.Inbox) error {
	incoming := make(chan []byte, 64)
	readErr := make(chan error, 1)
	go func() {
		defer close(incoming)
		for {
			_, data, err := c.conn.Read(ctx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case incoming <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case data, ok := <-incoming:
			if !ok {
				select {
				case err := <-readErr:
					return fmt.Errorf("reading from supervisor: %w", err)
				default:
					return nil
				}
			}
			if err := inbox.Dispatch(data); err != nil {
				log.Printf("inbound dispatch: %v", err)
			}

		case <-pingTicker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("supervisor keepalive: %w", err)
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close closes the connection with a normal status.
func (c *Channel) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
