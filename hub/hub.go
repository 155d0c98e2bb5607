package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	bridge "github.com/devgianlu/go-mpris-bridge"
)

const sendTimeout = 10 * time.Second

// Registry is the player registry surface the hub routes to: a refresh
// trigger, the current snapshot and command dispatch.
type Registry interface {
	Refresh()
	Snapshot() map[string]bridge.TrackInfo
	Dispatch(player, cmd string, value float64)
}

// Command is the observer-to-server payload. Value is in seconds for seek
// and position.
type Command struct {
	Player string   `json:"player"`
	Cmd    string   `json:"cmd"`
	Value  *float64 `json:"value,omitempty"`
}

// Hub fans the registry snapshot out to all connected observers and routes
// their commands back to the registry. Delivery is best-effort: an observer
// that cannot be written to is dropped without affecting the others.
type Hub struct {
	registry    Registry
	allowOrigin string

	close    bool
	listener net.Listener

	clients     []*websocket.Conn
	clientsLock sync.RWMutex
}

func NewHub(address string, port int, allowOrigin string, registry Registry) (_ *Hub, err error) {
	h := &Hub{registry: registry, allowOrigin: allowOrigin}

	h.listener, err = net.Listen("tcp", fmt.Sprintf("%s:%d", address, port))
	if err != nil {
		return nil, fmt.Errorf("failed starting hub listener: %w", err)
	}

	log.Infof("hub listening on %s", h.listener.Addr())

	go h.serve()
	return h, nil
}

func (h *Hub) Addr() net.Addr {
	return h.listener.Addr()
}

func (h *Hub) serve() {
	m := http.NewServeMux()
	m.HandleFunc("/", h.handleObserver)

	err := http.Serve(h.listener, m)
	if h.close {
		return
	} else if err != nil {
		log.WithError(err).Fatal("failed serving hub")
	}
}

func (h *Hub) handleObserver(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(h.allowOrigin) > 0 {
		allow := h.allowOrigin
		allow = strings.TrimPrefix(allow, "http://")
		allow = strings.TrimPrefix(allow, "https://")
		allow = strings.TrimSuffix(allow, "/")
		opts.OriginPatterns = []string{allow}
	}

	c, err := websocket.Accept(w, r, opts)
	if err != nil {
		log.WithError(err).Error("failed accepting observer connection")
		return
	}

	h.clientsLock.Lock()
	h.clients = append(h.clients, c)
	h.clientsLock.Unlock()

	log.Debugf("observer connected from %s", r.RemoteAddr)

	// A freshly connected observer must never see stale data: refresh, then
	// send the full snapshot to this observer only.
	h.registry.Refresh()

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	err = wsjson.Write(ctx, c, h.registry.Snapshot())
	cancel()
	if err != nil {
		log.WithError(err).Error("failed sending initial snapshot to observer")
		h.remove(c)
		return
	}

	for {
		_, payload, err := c.Read(context.Background())
		if h.close {
			return
		} else if err != nil {
			log.WithError(err).Debug("observer connection closed")
			h.remove(c)
			return
		}

		h.handleMessage(payload)
	}
}

// handleMessage parses an observer command and forwards it to the registry.
// Malformed payloads are dropped, an observer cannot crash the hub.
func (h *Hub) handleMessage(payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		log.WithError(err).Debug("dropping malformed observer message")
		return
	}
	if cmd.Player == "" || cmd.Cmd == "" {
		log.Debug("dropping incomplete observer message")
		return
	}

	var value float64
	if cmd.Value != nil {
		value = *cmd.Value
	}

	h.registry.Dispatch(cmd.Player, cmd.Cmd, value)
}

// Broadcast serializes the snapshot once and sends it to every observer.
// A failed send drops that observer only.
func (h *Hub) Broadcast(snapshot map[string]bridge.TrackInfo) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		log.WithError(err).Error("failed marshalling snapshot")
		return
	}

	h.clientsLock.RLock()
	clients := make([]*websocket.Conn, len(h.clients))
	copy(clients, h.clients)
	h.clientsLock.RUnlock()

	for _, c := range clients {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := c.Write(ctx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			log.WithError(err).Error("failed sending snapshot to observer")
			h.remove(c)
		}
	}
}

func (h *Hub) remove(c *websocket.Conn) {
	h.clientsLock.Lock()
	for i, cc := range h.clients {
		if cc == c {
			h.clients = append(h.clients[:i], h.clients[i+1:]...)
			break
		}
	}
	h.clientsLock.Unlock()

	_ = c.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) Close() {
	h.close = true

	h.clientsLock.RLock()
	for _, c := range h.clients {
		_ = c.Close(websocket.StatusGoingAway, "")
	}
	h.clientsLock.RUnlock()

	_ = h.listener.Close()
}
