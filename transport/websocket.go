package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// websocketConn sends each message as one binary websocket message.
type websocketConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewWebsocketConn returns a Conn over an established websocket connection.
func NewWebsocketConn(conn *websocket.Conn) Conn {
	return &websocketConn{conn: conn}
}

// DialWebsocket connects to a websocket URL, such as
// "ws://cachehost:8080/cache", and returns a Conn.
func DialWebsocket(ctx context.Context, url string) (Conn, error) {
	conn, rsp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if rsp != nil {
			return nil, fmt.Errorf("websocket dial failed with status %s: %w", rsp.Status, err)
		}
		return nil, err
	}
	return NewWebsocketConn(conn), nil
}

func (c *websocketConn) ReadMsg() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return nil, io.EOF
			}
			return nil, err
		}
		if msgType == websocket.BinaryMessage {
			return data, nil
		}
		// Text messages are not part of the protocol.
	}
}

func (c *websocketConn) WriteMsg(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.conn.WriteMessage(websocket.BinaryMessage, msg)
}

func (c *websocketConn) Close() error {
	return c.conn.Close()
}
