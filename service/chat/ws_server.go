package chat

import (
	"context"
	"net"

	"PPGateway/logger"
	"PPGateway/service/auth"
	"PPGateway/tools/errs"
	"PPGateway/tools/safe"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// track registers a connection goroutine unless shutdown has begun.
func (s *Server) track() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.shuttingDown.Load() {
		return false
	}
	s.conns.Add(1)
	return true
}

// HandleWS upgrades, admits and then serves one connection until it closes.
// Admission failures are reported as close frames, never as a silent drop.
func (s *Server) HandleWS(c *gin.Context) {
	token := auth.ExtractToken(c.Request)
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 非 WebSocket 请求/握手失败，upgrader 已写回 HTTP 错误
		logger.Infof("[HandleWS] upgrade websocket error: %v", err)
		s.metrics.Rejections.WithLabelValues("handshake").Inc()
		return
	}

	client := NewClient(s.ids.Next(), "", token, ws, s.cfg.SendQueueSize, s.sup)
	client.onTerminate = s.metrics.HeartbeatKills.Inc

	if !s.track() {
		s.reject(client, errs.ErrServiceNotReady.Wrap(), "not_ready")
		return
	}
	defer s.conns.Done()

	serving := false
	defer func() {
		if r := recover(); r != nil {
			err := errs.ErrPanic(r)
			logger.Error("[HandleWS] panic at connection boundary", zap.Int64("conn", client.ID()), zap.Error(err), zap.Stack("stack"))
			s.hub.Post(func() { s.registry.Remove(client) })
			if serving {
				client.Close(errs.CloseInternalError, errs.ErrInternal.Msg)
			} else {
				s.reject(client, err, "internal")
			}
		}
	}()

	if err := s.admit(client, token); err != nil {
		return
	}

	serving = true
	safe.Go("ws-writer", client.writePump)
	logger.Debug("[WS] connected", zap.Int64("conn", client.ID()), zap.String("user", client.UserID()), zap.Bool("guest", client.IsGuest()))

	s.readPump(client)

	s.hub.Post(func() { s.registry.Remove(client) })
	client.Close(0, "")
	<-client.Done()
	logger.Debug("[WS] disconnected", zap.Int64("conn", client.ID()), zap.String("user", client.UserID()))
}

// admit runs readiness, capacity and token checks, then registers client on
// the hub together with its connected frame, so no push can overtake it.
func (s *Server) admit(client *Client, token string) error {
	if !s.Ready() {
		err := errs.ErrServiceNotReady.Wrap()
		s.reject(client, err, "not_ready")
		return err
	}
	if s.cfg.MaxConnections > 0 && s.active.Load() >= int64(s.cfg.MaxConnections) {
		err := errs.ErrServerAtCapacity.Wrap()
		s.reject(client, err, "capacity")
		return err
	}

	if token != "" {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.BackendTimeout)
		claims, err := s.validator.Validate(ctx, token)
		cancel()
		if err != nil {
			s.reject(client, err, "invalid_token")
			return err
		}
		client.userID = claims.UserID
	}

	var admitErr error
	if err := s.hub.Call(func() {
		// Shutdown's sweep runs after the flag is set, so a late admit either
		// sees the flag here or is swept.
		if s.shuttingDown.Load() {
			admitErr = errs.ErrServiceNotReady.Wrap()
			return
		}
		if admitErr = s.registry.Admit(client); admitErr == nil {
			_ = client.Enqueue(ConnectedFrame(client.UserID()))
		}
	}); err != nil {
		admitErr = err
	}
	if admitErr != nil {
		reason := "internal"
		switch {
		case errs.ErrServerAtCapacity.Is(admitErr):
			reason = "capacity"
		case errs.ErrServiceNotReady.Is(admitErr):
			reason = "not_ready"
		}
		s.reject(client, admitErr, reason)
		return admitErr
	}

	kind := "user"
	if client.IsGuest() {
		kind = "guest"
	}
	s.metrics.Connections.WithLabelValues(kind).Inc()
	return nil
}

func (s *Server) reject(client *Client, err error, reason string) {
	code, msg := errs.CloseCode(err)
	logger.Info("[HandleWS] connection rejected", zap.Int64("conn", client.ID()), zap.Int("code", code), zap.String("reason", msg), zap.Error(err))
	s.metrics.Rejections.WithLabelValues(reason).Inc()
	client.Reject(code, msg)
}

// readPump is the only reader. Pongs refresh liveness; frames are answered
// with an error frame or forwarded.
func (s *Server) readPump(c *Client) {
	c.ws.SetReadLimit(s.cfg.MaxMessageSize)
	c.ws.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Debugf("[WS] peer closed conn=%d err=%v", c.ID(), err)
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				logger.Infof("[WS] read timeout conn=%d err=%v", c.ID(), err)
			} else {
				logger.Debugf("[WS] read err conn=%d err=%v", c.ID(), err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		s.handleInbound(c, data)
	}
}

func (s *Server) handleInbound(c *Client, data []byte) {
	if c.IsGuest() {
		_ = c.Enqueue(ErrorFrame(errs.ErrGuestReadOnly.Msg))
		return
	}
	in, err := ParseInbound(data)
	if err != nil {
		_ = c.Enqueue(ErrorFrame(errs.Message(err)))
		return
	}
	s.forwarder.Submit(c, in)
}
