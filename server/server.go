package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"quoteflow/broker"
	appconfig "quoteflow/config"
	"quoteflow/logger"
)

// Server exposes the annotated quote stream over websocket. Each accepted
// connection is registered with the broker for the full stream; clients
// narrow or widen their view with subscribe/unsubscribe control messages.
type Server struct {
	cfg    appconfig.ServerConfig
	broker *broker.Broker
	log    *logger.Log

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// controlMessage is the only frame clients are expected to send.
type controlMessage struct {
	Action string `json:"action"`
	Symbol string `json:"symbol"`
}

// NewServer constructs the websocket server when enabled; otherwise it
// returns nil and the caller skips Run.
func NewServer(cfg appconfig.ServerConfig, b *broker.Broker, log *logger.Log) *Server {
	if !cfg.Enabled {
		return nil
	}

	cfg.Addr = normalizeAddress(cfg.Addr)

	if cfg.WriteTimeoutMs <= 0 {
		cfg.WriteTimeoutMs = 10000
	}
	if cfg.PongTimeoutMs <= 0 {
		cfg.PongTimeoutMs = 60000
	}
	if cfg.PingPeriodMs <= 0 {
		cfg.PingPeriodMs = (cfg.PongTimeoutMs * 9) / 10
	}

	return &Server{
		cfg:    cfg,
		broker: b,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Run starts the HTTP server and blocks until the provided context is
// cancelled or the server exits with an error.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: router,
	}

	s.log.WithComponent("server").WithFields(logger.Fields{
		"addr": s.cfg.Addr,
	}).Info("starting websocket server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.broker.CloseAll()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

// Address reports the network address the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Addr
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/ws", s.handleWS)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/api/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"subscribers": s.broker.SubscriberCount(),
		})
	})

	return router, nil
}

func (s *Server) handleWS(c *gin.Context) {
	log := s.log.WithComponent("server")

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	cl := newClient(conn, s.cfg.WriteTimeout())
	clog := log.WithFields(logger.Fields{
		"client_id":   cl.ID(),
		"remote_addr": conn.RemoteAddr().String(),
	})

	conn.SetReadLimit(1024)
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout()))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout()))
	})

	s.broker.ConnectAll(cl)
	clog.Info("client connected")

	done := make(chan struct{})
	go s.pingLoop(cl, done)

	defer func() {
		close(done)
		s.broker.DisconnectAll(cl)
		clog.Info("client disconnected")
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				clog.WithError(err).Warn("client read failed")
			}
			return
		}
		s.handleControl(cl, payload, clog)
	}
}

// handleControl applies one subscribe/unsubscribe frame. Malformed frames
// and unknown actions are logged and skipped; they never tear the
// connection down.
func (s *Server) handleControl(cl *client, payload []byte, clog *logger.Entry) {
	var msg controlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		clog.WithError(err).Warn("ignoring malformed control message")
		return
	}

	symbol := strings.ToUpper(strings.TrimSpace(msg.Symbol))

	switch msg.Action {
	case "subscribe":
		if symbol == "" {
			clog.Warn("ignoring subscribe without symbol")
			return
		}
		s.broker.SubscribeSymbol(cl, symbol)
		clog.WithFields(logger.Fields{"symbol": symbol}).Info("client subscribed")
	case "unsubscribe":
		if symbol == "" {
			clog.Warn("ignoring unsubscribe without symbol")
			return
		}
		s.broker.UnsubscribeSymbol(cl, symbol)
		clog.WithFields(logger.Fields{"symbol": symbol}).Info("client unsubscribed")
	default:
		clog.WithFields(logger.Fields{"action": msg.Action}).Warn("ignoring unknown control action")
	}
}

func (s *Server) pingLoop(cl *client, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingPeriod())
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := cl.ping(); err != nil {
				return
			}
		}
	}
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8765"
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8765"
		}
		return net.JoinHostPort(host, port)
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8765")
	}

	return addr
}
