package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chris-pikul/envelope-relay/errs"
	"github.com/chris-pikul/envelope-relay/fanout"
)

const (
	readWait  = 60 * time.Second
	writeWait = 10 * time.Second

	pingInterval = (readWait * 9) / 10

	maxMessageSize = 1024
)

//clientFrame is what a stream client may send: typing indicators
type clientFrame struct {
	Type     fanout.Kind `json:"type"`
	DeviceID string      `json:"deviceId,omitempty"`
}

//errorFrame reports a rejected client frame without closing the stream
type errorFrame struct {
	Type    string    `json:"type"`
	Code    errs.Code `json:"code"`
	Message string    `json:"message"`
}

//Client wraps up the websocket connection of one conversation stream
//with its fanout subscription and a buffer for control frames
type Client struct {
	conn       *websocket.Conn
	server     *Server
	sub        *fanout.Subscription
	sendBuffer chan interface{}

	done      chan struct{}
	closeOnce sync.Once

	ConversationID string
	UserID         string
}

//Close releases the subscription and the connection. Safe to call
//more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.sub.Close()
		c.conn.Close()
		c.server.removeClient(c)
		LogInfo(c, "stream detached")
	})
}

func (c *Client) watchReads() {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(readWait))

	//Setup the ping/pong response outside of message processing
	//which basically just extends the connection life
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readWait))
		LogDebug(c, "received pong from client")
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				LogErr(c, "reading from socket connection", err)
			}
			return
		}

		c.OnMessage(message)
	}
}

func (c *Client) watchWrites() {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	var heartbeat <-chan time.Time
	if c.server.heartbeat > 0 {
		t := time.NewTicker(c.server.heartbeat)
		defer t.Stop()
		heartbeat = t.C
	}

	defer c.Close() //Double check the connection is closed

	for {
		select {
		case e, ok := <-c.sub.C:
			if !ok {
				//Subscription ended, the hub is shutting down or we closed
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if !c.write(e) {
				return
			}
			c.server.metrics.recordPush(e.Kind)

		case f := <-c.sendBuffer:
			if !c.write(f) {
				return
			}

		case <-heartbeat:
			e, _ := fanout.NewEvent(fanout.KindHeartbeat, c.ConversationID, nil)
			if !c.write(e) {
				return
			}
			c.server.metrics.recordPush(e.Kind)

		case <-ping.C: //Ping check for keeping the connection alive
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				LogDebug(c, "failed to write ping, disconnecting client")
				return
			}

		case <-c.done:
			return
		}
	}
}

func (c *Client) write(v interface{}) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(v); err != nil {
		LogDebugf(c, "failed to write to client: %s", err.Error())
		return false
	}
	return true
}

//OnMessage handles a frame from the client. Only typing indicators
//are accepted; they are published to the conversation and never stored.
func (c *Client) OnMessage(src []byte) {
	var f clientFrame
	if err := json.Unmarshal(src, &f); err != nil {
		c.reject(errs.InvalidPayload("malformed frame"))
		return
	}

	switch f.Type {
	case fanout.KindTypingStart, fanout.KindTypingStop:
	default:
		c.reject(errs.InvalidPayload("unsupported frame type '" + string(f.Type) + "'"))
		return
	}

	e, err := fanout.NewEvent(f.Type, c.ConversationID, fanout.Typing{
		UserID:   c.UserID,
		DeviceID: f.DeviceID,
	})
	if err != nil {
		LogErr(c, "failed to encode typing event", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	//Typing is best effort, a failed publish is only noted
	if err := c.server.service.Hub.Publish(ctx, e); err != nil {
		LogErr(c, "failed to publish typing event", err)
		return
	}
	LogDebugf(c, "relayed %s", f.Type)
}

func (c *Client) reject(err error) {
	ae, _ := err.(*errs.AppError)
	frame := errorFrame{Type: "error", Code: errs.CodeOf(err)}
	if ae != nil {
		frame.Message = ae.Message
	}

	select {
	case c.sendBuffer <- frame:
	default:
		LogDebug(c, "control buffer full, dropping error frame")
	}
}
