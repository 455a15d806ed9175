package p2p

import (
	"go.uber.org/zap"

	"slate.dev/node/core"
)

// Handler is the connection-side surface a request handler may use: the
// peer's address for membership and resolution dial-back, a raw send path,
// and mid-stream closure for protocol violations.
type Handler interface {
	ClientAddr() string
	Send(data []byte) error
	Close() error
}

// HandlerFunc processes one decoded request_message.
type HandlerFunc func(data []byte, h Handler)

// Router dispatches decoded Requests by type. Unknown types and decode
// failures are logged and dropped; they never propagate past the handling
// task.
type Router struct {
	handlers map[core.RequestType]HandlerFunc
	log      *zap.Logger
}

func NewRouter(log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		handlers: make(map[core.RequestType]HandlerFunc),
		log:      log,
	}
}

func (r *Router) Handle(t core.RequestType, fn HandlerFunc) {
	r.handlers[t] = fn
}

func (r *Router) Route(data []byte, h Handler) {
	req, err := core.DecodeRequest(data)
	if err != nil {
		r.log.Error("dropping undecodable request", zap.Error(err))
		return
	}
	fn, ok := r.handlers[req.Type]
	if !ok {
		r.log.Error("dropping request with unsupported type", zap.Stringer("type", req.Type))
		return
	}
	fn(req.Message, h)
}
