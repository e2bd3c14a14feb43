package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/livechat/internal/api/auth"
	"github.com/livechat/internal/chat"
	"github.com/livechat/internal/presence"
)

// Config tunes live connections
type Config struct {
	ReadTimeout     time.Duration
	PingPeriod      time.Duration
	WriteWait       time.Duration
	SendBuffer      int
	EventsPerSecond float64
	EventBurst      int
	MaxFrameBytes   int64
	SendTimeout     time.Duration
	AllowedOrigins  []string
}

func (c Config) withDefaults() Config {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.ReadTimeout {
		c.PingPeriod = c.ReadTimeout * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.EventsPerSecond <= 0 {
		c.EventsPerSecond = 20
	}
	if c.EventBurst <= 0 {
		c.EventBurst = 40
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 64 * 1024
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// Gateway upgrades authenticated requests and runs one session per live connection
type Gateway struct {
	registry *presence.Registry
	router   *Router
	chat     *chat.Service
	verifier *auth.Verifier
	upgrader websocket.Upgrader
	cfg      Config

	// baseCtx outlives individual connections so an accepted send finishes
	// even when its sender disconnects mid-pipeline.
	baseCtx context.Context

	mu       sync.Mutex
	closing  bool
	live     map[*Connection]struct{}
	sessions sync.WaitGroup
}

func NewGateway(baseCtx context.Context, registry *presence.Registry, router *Router, chatService *chat.Service, verifier *auth.Verifier, cfg Config) *Gateway {
	cfg = cfg.withDefaults()
	g := &Gateway{
		registry: registry,
		router:   router,
		chat:     chatService,
		verifier: verifier,
		cfg:      cfg,
		baseCtx:  baseCtx,
		live:     make(map[*Connection]struct{}),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return g
}

// HandleUpgrade authenticates the handshake, upgrades it and blocks for the session's lifetime.
// Credentials come from the Authorization header or the token query parameter.
func (g *Gateway) HandleUpgrade(c echo.Context) error {
	if g.isClosing() {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Server is shutting down")
	}

	principal, err := auth.VerifyRequest(g.verifier, c.Request(), true)
	if err != nil {
		log.Debug().Err(err).Str("remote_ip", c.RealIP()).Msg("Rejected websocket handshake")
		return c.JSON(http.StatusUnauthorized, auth.Rejection(err))
	}

	ws, err := g.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader already replied with an HTTP error
		log.Warn().Err(err).Str("principal", principal).Msg("Websocket upgrade failed")
		return nil
	}

	g.Serve(principal, ws)
	return nil
}

// Serve runs the session for an upgraded connection until it terminates
func (g *Gateway) Serve(principal string, ws *websocket.Conn) {
	conn := NewConnection(principal, ws, ConnectionConfig{
		WriteWait:  g.cfg.WriteWait,
		PingPeriod: g.cfg.PingPeriod,
		SendBuffer: g.cfg.SendBuffer,
	})
	if !g.track(conn) {
		conn.Close(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer g.untrack(conn)

	s := &session{
		gateway:   g,
		principal: principal,
		ws:        ws,
		conn:      conn,
		limiter:   rate.NewLimiter(rate.Limit(g.cfg.EventsPerSecond), g.cfg.EventBurst),
	}
	s.run()
}

// track counts conn as live unless shutdown has begun
func (g *Gateway) track(conn *Connection) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.live[conn] = struct{}{}
	g.sessions.Add(1)
	return true
}

func (g *Gateway) untrack(conn *Connection) {
	g.mu.Lock()
	delete(g.live, conn)
	g.mu.Unlock()
	g.sessions.Done()
}

func (g *Gateway) isClosing() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closing
}

// Shutdown refuses new connections, closes every live one, registered or not,
// and waits for their sessions to finish
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	live := make([]*Connection, 0, len(g.live))
	for conn := range g.live {
		live = append(live, conn)
	}
	g.mu.Unlock()

	for _, conn := range live {
		conn.Close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		g.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type session struct {
	gateway   *Gateway
	principal string
	ws        *websocket.Conn
	conn      *Connection
	limiter   *rate.Limiter
}

func (s *session) run() {
	g := s.gateway
	s.conn.Start()

	// queued before the registry exposes the connection, so it is always the first frame
	s.emit(EventConnectionEstablished, PrincipalPayload{Principal: s.principal})

	if previous := g.registry.Register(s.principal, s.conn); previous != nil {
		if c, ok := previous.(closer); ok {
			c.Close(CloseSessionReplaced, "session replaced")
		}
		log.Info().Str("principal", s.principal).Msg("Replaced existing session")
	} else {
		g.router.BroadcastPresence(s.principal, true)
	}

	log.Info().Str("principal", s.principal).Str("connection_id", s.conn.ID).Msg("Connection established")

	defer s.teardown()
	s.readLoop()
}

func (s *session) teardown() {
	g := s.gateway
	s.conn.Close(websocket.CloseNormalClosure, "")
	s.conn.Wait()

	if g.registry.Release(s.principal, s.conn) {
		g.router.BroadcastPresence(s.principal, false)
	}
	log.Info().Str("principal", s.principal).Str("connection_id", s.conn.ID).Msg("Connection closed")
}

func (s *session) readLoop() {
	cfg := s.gateway.cfg
	s.ws.SetReadLimit(cfg.MaxFrameBytes)
	_ = s.ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	})

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Debug().Err(err).Str("principal", s.principal).Msg("Connection read ended")
			}
			return
		}
		_ = s.ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))

		if !s.limiter.Allow() {
			s.emit(EventError, ErrorPayload{Code: "rate_limited", Error: "Too many events, slow down"})
			continue
		}
		s.dispatch(data)
	}
}

func (s *session) dispatch(data []byte) {
	event, err := DecodeInbound(data)
	if err != nil {
		s.emit(EventError, ErrorPayload{Code: "invalid_event", Error: err.Error()})
		return
	}

	switch ev := event.(type) {
	case SendMessageEvent:
		s.handleSend(ev)
	case TypingEvent:
		s.gateway.router.Typing(s.principal, ev.ReceiverID, ev.IsTyping)
	case MarkReadEvent:
		s.handleMarkRead(ev)
	}
}

func (s *session) handleSend(ev SendMessageEvent) {
	g := s.gateway
	ctx, cancel := context.WithTimeout(g.baseCtx, g.cfg.SendTimeout)
	defer cancel()

	res, err := g.chat.Send(ctx, s.principal, chat.SendInput{
		ReceiverID:      ev.ReceiverID,
		Content:         ev.Content,
		ClientMessageID: ev.ClientMessageID,
	})
	if err != nil {
		s.emit(EventSendFailed, SendFailedPayload{
			Reason:          publicReason(err),
			Code:            chat.Code(err),
			ClientMessageID: ev.ClientMessageID,
		})
		return
	}

	msg := res.Message
	switch res.Route {
	case chat.RouteDelivered:
		s.emit(EventMessageDelivered, MessageDeliveredPayload{MessageID: msg.ID, ReceiverID: msg.ReceiverID, Timestamp: msg.Timestamp})
	case chat.RouteOffline:
		s.emit(EventMessageQueuedOffline, MessageQueuedPayload{MessageID: msg.ID, ReceiverID: msg.ReceiverID})
	}
	s.emit(EventMessageSent, MessageSentPayload{Message: msg, Duplicate: res.Duplicate})
}

func (s *session) handleMarkRead(ev MarkReadEvent) {
	g := s.gateway
	ctx, cancel := context.WithTimeout(g.baseCtx, g.cfg.SendTimeout)
	defer cancel()

	n, err := g.chat.MarkRead(ctx, s.principal, chat.MarkReadRequest{
		MessageIDs:     ev.MessageIDs,
		ConversationID: ev.ConversationID,
	})
	if err != nil {
		s.emit(EventReadReceiptFailed, ReadReceiptFailedPayload{Reason: publicReason(err)})
		return
	}
	s.emit(EventReadReceiptAck, ReadReceiptAckPayload{Count: n})
}

// emit writes a frame to this session's own connection
func (s *session) emit(eventType string, payload interface{}) {
	frame, err := Encode(eventType, payload)
	if err != nil {
		log.Error().Err(err).Str("event", eventType).Msg("Failed to encode event")
		return
	}
	if err := s.conn.Send(frame); err != nil {
		log.Debug().Err(err).Str("principal", s.principal).Str("event", eventType).Msg("Dropped event for closing connection")
	}
}

// publicReason hides storage details from clients
func publicReason(err error) string {
	switch {
	case chat.IsValidation(err), errors.Is(err, chat.ErrMessageIDTaken), errors.Is(err, chat.ErrConflict):
		return err.Error()
	default:
		return "Failed to process request"
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if o != "" {
			set[strings.ToLower(o)] = true
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if strings.EqualFold(u.Host, r.Host) {
			return true
		}
		return set[strings.ToLower(strings.TrimRight(origin, "/"))]
	}
}
