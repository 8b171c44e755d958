package transport

import (
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/hivewire/hivewire/internal/swarm"
)

const writeWait = 5 * time.Second

// helloFrame is the first frame a connecting agent sends.
type helloFrame struct {
	AgentID  string            `msgpack:"agent_id"`
	Metadata map[string]string `msgpack:"metadata"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeHub returns an HTTP handler that upgrades connections to
// WebSocket, registers the agent named in the hello frame, and pumps
// subsequent envelope frames into the hub. The connection doubles as the
// agent's delivery channel; the agent is unregistered when it drops.
func ServeHub(hub *swarm.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("websocket upgrade error: %v", err)
			return
		}
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var hello helloFrame
		if err := msgpack.Unmarshal(data, &hello); err != nil || hello.AgentID == "" {
			log.Printf("websocket bad hello frame: %v", err)
			return
		}

		ch := &wsChannel{conn: conn}
		if _, err := hub.RegisterAgentChannel(hello.AgentID, hello.Metadata, ch); err != nil {
			log.Printf("websocket register %s: %v", hello.AgentID, err)
			return
		}
		defer hub.UnregisterAgent(hello.AgentID)

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("websocket read error: %v", err)
				}
				return
			}
			var env swarm.Envelope
			if err := msgpack.Unmarshal(data, &env); err != nil {
				log.Printf("websocket bad envelope frame: %v", err)
				continue
			}
			hub.HandleEnvelope(&env)
		}
	}
}

// wsChannel adapts a WebSocket connection to the swarm Channel contract.
// Gorilla connections allow one concurrent writer, so writes are
// serialized; a write deadline keeps a stalled peer from blocking the
// dispatch loop indefinitely.
type wsChannel struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsChannel) Send(env *swarm.Envelope) error {
	data, err := msgpack.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope %s: %w", env.ID, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("write envelope %s: %w", env.ID, err)
	}
	return nil
}

func (c *wsChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

// Conn is the agent side of a WebSocket transport connection.
type Conn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// Dial connects to a hub's WebSocket endpoint and announces the agent.
func Dial(url, agentID string, metadata map[string]string) (*Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	hello, err := msgpack.Marshal(helloFrame{AgentID: agentID, Metadata: metadata})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}
	return &Conn{conn: conn}, nil
}

// Send transmits an envelope to the hub.
func (c *Conn) Send(env *swarm.Envelope) error {
	data, err := msgpack.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope %s: %w", env.ID, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("write envelope %s: %w", env.ID, err)
	}
	return nil
}

// Next blocks for the next envelope delivered to this agent.
func (c *Conn) Next() (*swarm.Envelope, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var env swarm.Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return &env, nil
}

// Close closes the connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}
