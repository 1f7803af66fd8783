package action

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-directory/types"
	"github.com/saiset-co/sai-directory/utils"
)

const BrokerWebSocket = "websocket"

const (
	brokerStopped int32 = iota
	brokerStarting
	brokerRunning
	brokerStopping
)

// PeerConfig is decoded from actions.config. Durations are Go duration strings.
type PeerConfig struct {
	NodeID         string   `json:"node_id"`
	Listen         string   `json:"listen"`
	Path           string   `json:"path"`
	Peers          []string `json:"peers"`
	ReconnectDelay string   `json:"reconnect_delay"`
	PingInterval   string   `json:"ping_interval"`
	PongWait       string   `json:"pong_wait"`
	WriteWait      string   `json:"write_wait"`
	QueueSize      int      `json:"queue_size"`
}

type peerTimings struct {
	reconnectDelay time.Duration
	pingInterval   time.Duration
	pongWait       time.Duration
	writeWait      time.Duration
}

// PeerBroker fans actions out to sibling replicas over websocket. Every node
// dials each configured peer and only writes on those outbound links;
// inbound links accepted on Listen are read-only, so a message reaches each
// peer once.
type PeerBroker struct {
	ctx      context.Context
	cancel   context.CancelFunc
	logger   types.Logger
	metrics  types.MetricsManager
	config   PeerConfig
	timings  peerTimings
	upgrader websocket.Upgrader

	server   *http.Server
	listener net.Listener

	handlers   map[string][]types.ActionHandler
	handlersMu sync.RWMutex

	links   map[string]*peerLink
	linksMu sync.RWMutex

	inbound   map[*websocket.Conn]struct{}
	inboundMu sync.Mutex

	state int32
	group *errgroup.Group
}

type peerLink struct {
	url       string
	send      chan []byte
	connected int32
}

func NewPeerBroker(config interface{}, logger types.Logger, metrics types.MetricsManager) (*PeerBroker, error) {
	var peerConfig PeerConfig
	if config != nil {
		if err := utils.UnmarshalConfig(config, &peerConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal peer broker config")
		}
	}

	if peerConfig.NodeID == "" {
		peerConfig.NodeID = uuid.New().String()
	}
	if peerConfig.Path == "" {
		peerConfig.Path = "/peers"
	}
	if peerConfig.QueueSize <= 0 {
		peerConfig.QueueSize = 256
	}

	timings, err := parseTimings(peerConfig)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	b := &PeerBroker{
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
		metrics:  metrics,
		config:   peerConfig,
		timings:  timings,
		handlers: make(map[string][]types.ActionHandler),
		links:    make(map[string]*peerLink, len(peerConfig.Peers)),
		inbound:  make(map[*websocket.Conn]struct{}),
	}
	for _, url := range peerConfig.Peers {
		b.links[url] = &peerLink{url: url, send: make(chan []byte, peerConfig.QueueSize)}
	}

	return b, nil
}

func parseTimings(c PeerConfig) (peerTimings, error) {
	var t peerTimings
	var err error

	if t.reconnectDelay, err = parseDuration(c.ReconnectDelay, 2*time.Second); err != nil {
		return t, types.Errorf(types.ErrInvalidParameter, "reconnect_delay: %v", err)
	}
	if t.pingInterval, err = parseDuration(c.PingInterval, 30*time.Second); err != nil {
		return t, types.Errorf(types.ErrInvalidParameter, "ping_interval: %v", err)
	}
	if t.pongWait, err = parseDuration(c.PongWait, 60*time.Second); err != nil {
		return t, types.Errorf(types.ErrInvalidParameter, "pong_wait: %v", err)
	}
	if t.writeWait, err = parseDuration(c.WriteWait, 5*time.Second); err != nil {
		return t, types.Errorf(types.ErrInvalidParameter, "write_wait: %v", err)
	}
	return t, nil
}

func parseDuration(raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	return time.ParseDuration(raw)
}

func (b *PeerBroker) NodeID() string {
	return b.config.NodeID
}

// Addr is the bound peer listener address, empty when the node only dials.
func (b *PeerBroker) Addr() string {
	if b.listener == nil {
		return ""
	}
	return b.listener.Addr().String()
}

// ConnectedPeers counts outbound links that are currently up.
func (b *PeerBroker) ConnectedPeers() int {
	b.linksMu.RLock()
	defer b.linksMu.RUnlock()

	n := 0
	for _, link := range b.links {
		if atomic.LoadInt32(&link.connected) == 1 {
			n++
		}
	}
	return n
}

// Publish queues the action for every peer. A full peer queue drops the
// message for that peer only.
func (b *PeerBroker) Publish(action string, payload interface{}) error {
	if !b.IsRunning() {
		return types.ErrActionNotInitialized
	}

	message := &types.ActionMessage{
		Action:    action,
		Payload:   payload,
		Timestamp: time.Now(),
		Source:    b.config.NodeID,
		MessageID: uuid.New().String(),
	}

	data, err := utils.Marshal(message)
	if err != nil {
		return types.WrapError(err, "failed to marshal action")
	}

	b.linksMu.RLock()
	defer b.linksMu.RUnlock()

	dropped := 0
	for _, link := range b.links {
		select {
		case link.send <- data:
		default:
			dropped++
			b.logger.Warn("Peer queue is full, dropping action",
				zap.String("peer", link.url),
				zap.String("action", action),
				zap.String("message_id", message.MessageID))
		}
	}

	b.count("publish", action, len(b.links)-dropped)
	if dropped > 0 {
		return types.Errorf(types.ErrActionPublishFailed, "dropped for %d of %d peers", dropped, len(b.links))
	}
	return nil
}

func (b *PeerBroker) Subscribe(action string, handler types.ActionHandler) error {
	if action == "" || handler == nil {
		return types.Errorf(types.ErrInvalidParameter, "action and handler are required")
	}

	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()

	b.handlers[action] = append(b.handlers[action], handler)
	b.logger.Debug("Subscribed to action", zap.String("action", action), zap.Int("handlers", len(b.handlers[action])))
	return nil
}

func (b *PeerBroker) Unsubscribe(action string) error {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()

	delete(b.handlers, action)
	return nil
}

func (b *PeerBroker) Start() error {
	if !atomic.CompareAndSwapInt32(&b.state, brokerStopped, brokerStarting) {
		return types.ErrServerAlreadyRunning
	}

	g, _ := errgroup.WithContext(b.ctx)
	b.group = g

	if b.config.Listen != "" {
		listener, err := net.Listen("tcp", b.config.Listen)
		if err != nil {
			atomic.StoreInt32(&b.state, brokerStopped)
			return types.Errorf(types.ErrActionConnectionFailed, "listen %s: %v", b.config.Listen, err)
		}
		b.listener = listener

		mux := http.NewServeMux()
		mux.HandleFunc(b.config.Path, b.accept)
		b.server = &http.Server{Handler: mux, ReadHeaderTimeout: b.timings.writeWait}

		g.Go(func() error {
			if err := b.server.Serve(listener); err != nil && err != http.ErrServerClosed {
				b.logger.Error("Peer listener stopped", zap.Error(err))
			}
			return nil
		})
	}

	b.linksMu.RLock()
	for _, link := range b.links {
		link := link
		g.Go(func() error {
			b.dialLoop(link)
			return nil
		})
	}
	b.linksMu.RUnlock()

	atomic.StoreInt32(&b.state, brokerRunning)
	b.logger.Info("Peer broker started",
		zap.String("node_id", b.config.NodeID),
		zap.String("listen", b.Addr()),
		zap.Int("peers", len(b.links)))
	return nil
}

func (b *PeerBroker) Stop() error {
	if !atomic.CompareAndSwapInt32(&b.state, brokerRunning, brokerStopping) {
		return types.ErrServerNotRunning
	}
	defer atomic.StoreInt32(&b.state, brokerStopped)

	b.cancel()

	if b.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), b.timings.writeWait)
		_ = b.server.Shutdown(ctx)
		cancel()
	}

	// Hijacked connections are not tracked by http.Server.
	b.inboundMu.Lock()
	for conn := range b.inbound {
		_ = conn.Close()
	}
	b.inboundMu.Unlock()

	err := b.group.Wait()
	b.logger.Info("Peer broker stopped", zap.String("node_id", b.config.NodeID))
	return err
}

func (b *PeerBroker) IsRunning() bool {
	return atomic.LoadInt32(&b.state) == brokerRunning
}

func (b *PeerBroker) accept(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("Peer upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	b.inboundMu.Lock()
	b.inbound[conn] = struct{}{}
	b.inboundMu.Unlock()

	defer func() {
		b.inboundMu.Lock()
		delete(b.inbound, conn)
		b.inboundMu.Unlock()
		_ = conn.Close()
	}()

	b.logger.Debug("Peer connected", zap.String("remote", r.RemoteAddr))

	_ = conn.SetReadDeadline(time.Now().Add(b.timings.pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(b.timings.pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(b.timings.writeWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if b.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.Debug("Peer read failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
			}
			return
		}

		var message types.ActionMessage
		if err := utils.Unmarshal(data, &message); err != nil {
			b.logger.Warn("Malformed peer action", zap.Error(err))
			continue
		}
		b.dispatch(&message)
	}
}

func (b *PeerBroker) dialLoop(link *peerLink) {
	for {
		if err := b.serveLink(link); err != nil && b.ctx.Err() == nil {
			b.logger.Warn("Peer link down", zap.String("peer", link.url), zap.Error(err))
		}

		select {
		case <-b.ctx.Done():
			return
		case <-time.After(b.timings.reconnectDelay):
		}
	}
}

func (b *PeerBroker) serveLink(link *peerLink) error {
	dialCtx, cancel := context.WithTimeout(b.ctx, b.timings.writeWait)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, link.url, nil)
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		atomic.StoreInt32(&link.connected, 0)
		_ = conn.Close()
	}()

	atomic.StoreInt32(&link.connected, 1)
	b.logger.Info("Peer link established", zap.String("peer", link.url))

	// Drain control frames so pongs are processed; the remote never sends data.
	readErr := make(chan error, 1)
	_ = conn.SetReadDeadline(time.Now().Add(b.timings.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(b.timings.pongWait))
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(b.timings.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
				time.Now().Add(b.timings.writeWait))
			return nil
		case err := <-readErr:
			return err
		case data := <-link.send:
			_ = conn.SetWriteDeadline(time.Now().Add(b.timings.writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(b.timings.writeWait)); err != nil {
				return err
			}
		}
	}
}

func (b *PeerBroker) dispatch(message *types.ActionMessage) {
	if message.Source == b.config.NodeID {
		return
	}

	b.handlersMu.RLock()
	handlers := append([]types.ActionHandler(nil), b.handlers[message.Action]...)
	b.handlersMu.RUnlock()

	if len(handlers) == 0 {
		b.logger.Debug("No handlers for peer action", zap.String("action", message.Action))
		return
	}

	for _, handler := range handlers {
		if err := b.invoke(handler, message); err != nil {
			b.logger.Error("Peer action handler failed",
				zap.String("action", message.Action),
				zap.String("message_id", message.MessageID),
				zap.String("source", message.Source),
				zap.Error(err))
		}
	}
	b.count("receive", message.Action, 1)
}

func (b *PeerBroker) invoke(handler types.ActionHandler, message *types.ActionMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = types.NewErrorf("action handler panic: %v", r)
		}
	}()
	return handler(message)
}

func (b *PeerBroker) count(operation, action string, n int) {
	if b.metrics == nil || n <= 0 {
		return
	}
	b.metrics.Counter("peer_actions_total", map[string]string{
		"operation": operation,
		"action":    action,
	}).Add(float64(n))
}
