package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"instapc-server/internal/model"
	"instapc-server/internal/session"
)

const (
	sessionCookie = "session"
	tunnelCookie  = "tunnel"
)

type TunnelSessions interface {
	Lookup(id string) (model.Session, bool)
	ExpectUpgrade(sessionID string) (string, error)
	ClaimUpgrade(token, sessionID string) bool
	Attach(sessionID string, conn io.Closer) (func(), error)
}

var _ TunnelSessions = (*session.Manager)(nil)

// TunnelHandler routes every non-API request to the display endpoint of
// the session it belongs to. WebSocket upgrades are relayed only when they
// claim the pending upgrade registered for their session; everything else
// is reverse proxied.
type TunnelHandler struct {
	Sessions TunnelSessions
	// Dialer reaches display endpoints. Defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// Transport is used for non-upgrade requests. Defaults to
	// http.DefaultTransport.
	Transport  http.RoundTripper
	UpgradeTTL time.Duration
	Logger     *slog.Logger
}

var tunnelUpgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (h *TunnelHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *TunnelHandler) Serve(c *gin.Context) {
	upgrade := websocket.IsWebSocketUpgrade(c.Request)

	s, ok := h.resolve(c)
	if !ok {
		if upgrade {
			h.reject(c, "unknown session")
			return
		}
		c.AbortWithStatus(http.StatusNotFound)
		return
	}

	if !upgrade {
		h.proxy(c, s)
		return
	}

	token, err := c.Cookie(tunnelCookie)
	if err != nil || !h.Sessions.ClaimUpgrade(token, s.ID) {
		h.reject(c, "no pending upgrade")
		return
	}
	h.relay(c, s)
}

// resolve finds the request's session. A ?session= parameter binds the
// browser to the session and registers a pending upgrade for it.
func (h *TunnelHandler) resolve(c *gin.Context) (model.Session, bool) {
	if id := c.Query("session"); id != "" {
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(sessionCookie, id, 0, "/", "", false, true)

		s, ok := h.Sessions.Lookup(id)
		if !ok {
			return model.Session{}, false
		}
		token, err := h.Sessions.ExpectUpgrade(s.ID)
		if err != nil {
			return model.Session{}, false
		}
		ttl := h.UpgradeTTL
		if ttl <= 0 {
			ttl = session.DefaultUpgradeTTL
		}
		c.SetCookie(tunnelCookie, token, int(ttl/time.Second), "/", "", false, true)
		return s, true
	}

	id, err := c.Cookie(sessionCookie)
	if err != nil || id == "" {
		return model.Session{}, false
	}
	return h.Sessions.Lookup(id)
}

// reject drops an upgrade at the transport level without answering it.
func (h *TunnelHandler) reject(c *gin.Context, reason string) {
	h.logger().Info("websocket upgrade rejected", "path", c.Request.URL.Path, "remote", c.ClientIP(), "reason", reason)
	c.Abort()
	conn, _, err := c.Writer.Hijack()
	if err != nil {
		c.Status(http.StatusForbidden)
		return
	}
	_ = conn.Close()
}

func (h *TunnelHandler) proxy(c *gin.Context, s model.Session) {
	target := &url.URL{Scheme: "http", Host: s.TunnelTarget}
	rp := httputil.NewSingleHostReverseProxy(target)
	if h.Transport != nil {
		rp.Transport = h.Transport
	}
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		h.logger().Warn("display proxy failed", "session", s.ID, "target", s.TunnelTarget, "error", err)
		w.WriteHeader(http.StatusBadGateway)
	}
	rp.ServeHTTP(c.Writer, c.Request)
}

func (h *TunnelHandler) relay(c *gin.Context, s model.Session) {
	logger := h.logger().With("session", s.ID, "vm", s.VM)

	dialer := websocket.DefaultDialer
	if h.Dialer != nil {
		dialer = h.Dialer
	}
	d := *dialer
	d.Subprotocols = websocket.Subprotocols(c.Request)

	target := url.URL{Scheme: "ws", Host: s.TunnelTarget, Path: c.Request.URL.Path, RawQuery: c.Request.URL.RawQuery}
	backend, resp, err := d.DialContext(c.Request.Context(), target.String(), nil)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		logger.Warn("display dial failed", "target", target.String(), "error", err)
		c.AbortWithStatus(http.StatusBadGateway)
		return
	}

	var respHeader http.Header
	if proto := backend.Subprotocol(); proto != "" {
		respHeader = http.Header{"Sec-WebSocket-Protocol": {proto}}
	}
	client, err := tunnelUpgrader.Upgrade(c.Writer, c.Request, respHeader)
	if err != nil {
		_ = backend.Close()
		logger.Warn("client upgrade failed", "error", err)
		return
	}

	var closeOnce sync.Once
	closeBoth := closerFunc(func() error {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = backend.Close()
		})
		return nil
	})
	defer closeBoth.Close()

	detach, err := h.Sessions.Attach(s.ID, closeBoth)
	if err != nil {
		logger.Info("session ended before attach", "error", err)
		return
	}
	defer detach()

	logger.Info("tunnel attached", "target", s.TunnelTarget)
	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	wg.Add(2)
	go pumpWebSocket("client->display", client, backend, &wg, errCh)
	go pumpWebSocket("display->client", backend, client, &wg, errCh)

	err = <-errCh
	closeBoth.Close()
	wg.Wait()
	logger.Info("tunnel detached", "reason", err)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func pumpWebSocket(direction string, src, dst *websocket.Conn, wg *sync.WaitGroup, errCh chan<- error) {
	defer wg.Done()
	for {
		msgType, payload, err := src.ReadMessage()
		if err != nil {
			forwardClose(dst, err)
			errCh <- fmt.Errorf("%s read: %w", direction, err)
			return
		}
		if writeErr := dst.WriteMessage(msgType, payload); writeErr != nil {
			errCh <- fmt.Errorf("%s write: %w", direction, writeErr)
			return
		}
	}
}

// forwardClose passes a peer's close frame on to the other side.
func forwardClose(dst *websocket.Conn, err error) {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return
	}
	code := ce.Code
	switch code {
	case websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		code = websocket.CloseNormalClosure
	}
	msg := websocket.FormatCloseMessage(code, ce.Text)
	_ = dst.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
