// Package handler is the authenticator side of ZAP: it decodes requests,
// asks a Policy for a decision and encodes the reply.
package handler

import (
	"context"
	"errors"

	"github.com/hlandau/parazap"
	"github.com/hlandau/parazap/internal/logger"
	"github.com/hlandau/parazap/zap"
)

// Decision is a Policy's answer to one request.
type Decision struct {
	StatusCode int
	StatusText string
	UserID     string
	Metadata   map[string][]byte
}

// Allow grants access to userID.
func Allow(userID string) Decision {
	return Decision{StatusCode: zap.StatusOK, StatusText: "OK", UserID: userID}
}

// Deny refuses access with the given status code.
func Deny(code int, text string) Decision {
	return Decision{StatusCode: code, StatusText: text}
}

// A Policy decides on well-formed requests.
type Policy interface {
	Decide(ctx context.Context, req *zap.Request) Decision
}

type PolicyFunc func(ctx context.Context, req *zap.Request) Decision

func (f PolicyFunc) Decide(ctx context.Context, req *zap.Request) Decision {
	return f(ctx, req)
}

// Server answers ZAP requests with a Policy. It implements zap.Handler and so
// can back an inproc transport directly.
type Server struct {
	Policy Policy
}

var _ zap.Handler = (*Server)(nil)

func (s *Server) ServeZAP(ctx context.Context, frames [][]byte) [][]byte {
	req, err := zap.DecodeRequest(frames)
	if err != nil {
		if req == nil || req.RequestID == "" {
			logger.WarnCtx(ctx, "Dropping unanswerable ZAP request",
				logger.KeyFrames, len(frames),
				logger.KeyError, err)
			return nil
		}

		logger.WarnCtx(ctx, "Malformed ZAP request",
			logger.KeyRequestID, req.RequestID,
			logger.KeyError, err)
		return s.reply(ctx, req.RequestID, Deny(zap.StatusAuthFailure, "Malformed request"))
	}

	d := s.Policy.Decide(ctx, req)

	logger.DebugCtx(ctx, "ZAP decision",
		logger.RequestID(req.RequestID),
		logger.Mechanism(req.Mechanism),
		logger.Domain(req.Domain),
		logger.ClientIP(req.Address),
		logger.Status(d.StatusCode),
		logger.UserID(d.UserID))

	return s.reply(ctx, req.RequestID, d)
}

func (s *Server) reply(ctx context.Context, requestID string, d Decision) [][]byte {
	reply, err := zap.ReplyFrames(requestID, d.StatusCode, d.StatusText, d.UserID, d.Metadata)
	if err != nil {
		logger.ErrorCtx(ctx, "Cannot encode ZAP reply",
			logger.KeyRequestID, requestID,
			logger.KeyError, err)
		reply, _ = zap.ReplyFrames(requestID, zap.StatusInternalError, "Internal error", "", nil)
	}
	return reply
}

// ServeSession answers requests arriving on a ZMTP session the way a REP
// socket does: everything up to and including the first empty frame is the
// envelope and is echoed in front of the reply. It returns when the session
// fails or ctx is done, which closes the session.
func (s *Server) ServeSession(ctx context.Context, sess parazap.Session) error {
	stop := context.AfterFunc(ctx, func() {
		sess.Close()
	})
	defer stop()

	for {
		msg, err := sess.Read()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		envelope, body, ok := splitEnvelope(msg)
		if !ok {
			logger.WarnCtx(ctx, "Dropping ZAP message without envelope",
				logger.KeyFrames, len(msg))
			continue
		}

		reply := s.ServeZAP(ctx, body)
		if reply == nil {
			continue
		}

		if err := sess.Write(append(envelope, reply...)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func splitEnvelope(msg [][]byte) (envelope, body [][]byte, ok bool) {
	for i, f := range msg {
		if len(f) == 0 {
			envelope = make([][]byte, i+1, i+1+zap.ReplyFrameCount)
			copy(envelope, msg[:i+1])
			return envelope, msg[i+1:], true
		}
	}
	return nil, nil, false
}

// Serve accepts ZAP clients on l until ctx is done.
func (s *Server) Serve(ctx context.Context, l *parazap.Listener) error {
	logger.Info("Serving ZAP requests", logger.KeyListen, l.Endpoint())

	return l.Serve(ctx, func(sess parazap.Session) {
		err := s.ServeSession(ctx, sess)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("ZAP client session ended",
				logger.KeyAddress, sess.RemoteAddr().String(),
				logger.KeyError, err)
		}
	})
}

// ListenAndServe listens on endpoint as a REP socket and serves until ctx is
// done.
func (s *Server) ListenAndServe(ctx context.Context, endpoint string, cfg parazap.SessionConfig) error {
	cfg.SocketType = parazap.REP
	if cfg.Mechanism == "" {
		cfg.Mechanism = "NULL"
	}

	l, err := parazap.Listen(endpoint, cfg)
	if err != nil {
		return err
	}
	defer l.Close()

	return s.Serve(ctx, l)
}
