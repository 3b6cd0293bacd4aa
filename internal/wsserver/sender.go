package wsserver

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fabstir/llm-node/internal/sessionactor"
)

// connSender adapts one *websocket.Conn to sessionactor.Sender, applying
// a write deadline per frame the way the teacher's sendResponse does.
type connSender struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

var _ sessionactor.Sender = (*connSender)(nil)

func (c *connSender) Send(frame *sessionactor.Frame) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	b, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, b)
}
