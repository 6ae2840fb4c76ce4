package interceptor

import (
	"context"
	"encoding/base64"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/amoylab/keyrelay/internal/common/cnst"
	"go.uber.org/zap"
)

// Sender is the page side of the correlated channel
type Sender interface {
	Send(ctx context.Context, kind cnst.Kind, body string) (string, error)
}

// Interceptor routes DRM key messages and license responses through the
// channel while leaving every other event and listener untouched.
type Interceptor struct {
	logger  *zap.Logger
	sender  Sender
	enabled atomic.Bool

	mu      sync.Mutex
	wrapped map[wrapKey]*wrappedListener
}

type wrapKey struct {
	target Target
	l      Listener
}

func New(logger *zap.Logger, sender Sender) *Interceptor {
	i := &Interceptor{
		logger:  logger.Named("interceptor"),
		sender:  sender,
		wrapped: make(map[wrapKey]*wrappedListener),
	}
	i.enabled.Store(true)
	return i
}

// SetEnabled switches interception on or off. When off, events and
// responses pass through unchanged.
func (i *Interceptor) SetEnabled(v bool) {
	i.enabled.Store(v)
}

func (i *Interceptor) Enabled() bool {
	return i.enabled.Load()
}

// AddEventListener registers l on target. Listeners of the message type are
// wrapped, and the same listener on the same target always gets the same
// wrapper so that registering it again is a no-op on the host.
func (i *Interceptor) AddEventListener(target Target, typ string, l Listener) {
	target.AddEventListener(typ, i.listenerFor(target, typ, l))
}

// RemoveEventListener undoes AddEventListener and forgets the wrapper
func (i *Interceptor) RemoveEventListener(target Target, typ string, l Listener) {
	if typ != EventMessage || !isComparable(l) || !comparableTarget(target) {
		target.RemoveEventListener(typ, l)
		return
	}
	k := wrapKey{target: target, l: l}
	i.mu.Lock()
	w, ok := i.wrapped[k]
	delete(i.wrapped, k)
	i.mu.Unlock()
	if ok {
		target.RemoveEventListener(typ, w)
		return
	}
	target.RemoveEventListener(typ, l)
}

func (i *Interceptor) listenerFor(target Target, typ string, l Listener) Listener {
	if typ != EventMessage || l == nil {
		return l
	}
	if _, ok := l.(*wrappedListener); ok {
		return l
	}
	if !isComparable(l) || !comparableTarget(target) {
		return &wrappedListener{i: i, original: l}
	}

	k := wrapKey{target: target, l: l}
	i.mu.Lock()
	defer i.mu.Unlock()
	w, ok := i.wrapped[k]
	if !ok {
		w = &wrappedListener{i: i, original: l}
		i.wrapped[k] = w
	}
	return w
}

// Wrapped returns how many registered listeners currently hold a wrapper
func (i *Interceptor) Wrapped() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.wrapped)
}

type wrappedListener struct {
	i        *Interceptor
	original Listener
}

func (w *wrappedListener) HandleEvent(ctx context.Context, e *Event) {
	if e.KeyMessage == nil || e.Synthetic || !w.i.Enabled() || e.SessionID == "" || e.Target == nil {
		w.original.HandleEvent(ctx, e)
		return
	}

	payload, ok := w.i.relayChallenge(ctx, e.SessionID, e.KeyMessage.Message)
	if !ok {
		w.original.HandleEvent(ctx, e)
		return
	}

	replacement := e.Clone()
	replacement.KeyMessage.Message = payload
	replacement.Synthetic = true
	e.Target.DispatchEvent(ctx, replacement)
	e.StopImmediatePropagation()
}

// relayChallenge sends a challenge through the channel. ok is false when
// the original message must be delivered as is.
func (i *Interceptor) relayChallenge(ctx context.Context, sessionID string, message []byte) ([]byte, bool) {
	reply, err := i.sender.Send(ctx, cnst.KindRequest, sessionID+"|"+base64.StdEncoding.EncodeToString(message))
	if err != nil {
		i.logger.Warn("challenge relay failed, delivering original",
			zap.String("session", sessionID),
			zap.Error(err))
		return nil, false
	}
	payload, err := base64.StdEncoding.DecodeString(reply)
	if err != nil || len(payload) == 0 {
		i.logger.Warn("invalid challenge reply, delivering original",
			zap.String("session", sessionID),
			zap.Error(err))
		return nil, false
	}
	return payload, true
}

func isComparable(l Listener) bool {
	return sameListener(l, l)
}

func comparableTarget(t Target) bool {
	rt := reflect.TypeOf(t)
	return rt != nil && rt.Comparable()
}
