package server

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn adapts a websocket connection to net.Conn so WebSocket clients
// flow through the same accept channel, descriptor and reader machinery as
// TCP ones. Each text message from the client is treated as a byte chunk;
// outgoing writes become text messages.
type wsConn struct {
	ws     *websocket.Conn
	unread []byte
}

func (c *wsConn) Read(p []byte) (int, error) {
	if len(c.unread) == 0 {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		c.unread = data
	}
	n := copy(p, c.unread)
	c.unread = c.unread[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error                { return c.ws.Close() }
func (c *wsConn) LocalAddr() net.Addr         { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr        { return c.ws.RemoteAddr() }
func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}
func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

// ServeWebSocket mounts the /ws door on its own HTTP listener. Upgraded
// connections are handed to the event loop through the regular accept
// channel, so admission checks and descriptor limits apply unchanged.
func (s *Server) ServeWebSocket(port int) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("WS: upgrade failed from %s: %v", r.RemoteAddr, err)
			return
		}
		s.acceptCh <- acceptMsg{conn: &wsConn{ws: ws}}
	})
	go func() {
		addr := fmt.Sprintf(":%d", port)
		log.Printf("WS: door listening on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("WS: door stopped: %v", err)
		}
	}()
}
