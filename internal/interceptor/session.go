package interceptor

import (
	"context"
	"encoding/base64"

	"github.com/amoylab/keyrelay/internal/common/cnst"
	"go.uber.org/zap"
)

// Session is a host DRM session
type Session interface {
	SessionID() string
	// Update applies a license response
	Update(ctx context.Context, response []byte) error
	Close(ctx context.Context) error
}

// WrapSession returns s with Update and Close reported through the channel.
// The real methods always run, whatever the relay outcome.
func (i *Interceptor) WrapSession(s Session) Session {
	if ws, ok := s.(*wrappedSession); ok {
		return ws
	}
	return &wrappedSession{Session: s, i: i}
}

type wrappedSession struct {
	Session
	i *Interceptor
}

func (s *wrappedSession) Update(ctx context.Context, response []byte) error {
	id := s.SessionID()
	if s.i.Enabled() && id != "" {
		body := id + "|" + base64.StdEncoding.EncodeToString(response)
		if _, err := s.i.sender.Send(ctx, cnst.KindResponse, body); err != nil {
			s.i.logger.Warn("license relay failed", zap.String("session", id), zap.Error(err))
		}
	}
	return s.Session.Update(ctx, response)
}

func (s *wrappedSession) Close(ctx context.Context) error {
	if id := s.SessionID(); id != "" {
		if _, err := s.i.sender.Send(ctx, cnst.KindEndSession, id); err != nil {
			s.i.logger.Debug("end session relay failed", zap.String("session", id), zap.Error(err))
		}
	}
	return s.Session.Close(ctx)
}
