package channel

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Server runs the privileged handler for incoming messages
type Server struct {
	logger  *zap.Logger
	handler Handler
}

func NewServer(logger *zap.Logger, handler Handler) *Server {
	return &Server{
		logger:  logger.Named("channel.server"),
		handler: handler,
	}
}

// Serve handles one message and builds its reply. A panicking handler is
// reported as an error reply.
func (s *Server) Serve(ctx context.Context, msg *Message, from Sender) (reply *Reply) {
	reply = &Reply{ID: msg.ID}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked",
				zap.String("kind", msg.Kind.String()),
				zap.Any("panic", r))
			reply.Body = ""
			reply.Error = fmt.Sprintf("internal error: %v", r)
		}
	}()

	body, err := s.handler.Handle(ctx, msg, from)
	if err != nil {
		s.logger.Debug("handler returned error",
			zap.String("kind", msg.Kind.String()),
			zap.String("id", msg.ID),
			zap.Error(err))
		reply.Error = err.Error()
		return reply
	}
	reply.Body = body
	return reply
}
