package correlator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/amoylab/keyrelay/internal/cdm"
	"github.com/amoylab/keyrelay/internal/challenge"
	"github.com/amoylab/keyrelay/internal/common/cnst"
	"github.com/amoylab/keyrelay/internal/registry"
	"github.com/amoylab/keyrelay/internal/storage"
	"github.com/amoylab/keyrelay/pkg/metrics"
	"github.com/amoylab/keyrelay/pkg/trace"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// DedupMode selects how repeated correlation keys are detected
type DedupMode string

const (
	// DedupReserve marks a key in flight before the CDM is called, so two
	// concurrent challenges for the same key produce one exchange.
	DedupReserve DedupMode = "reserve"
	// DedupScan only checks the log before calling the CDM. Concurrent
	// challenges for the same key can both get through.
	DedupScan DedupMode = "scan"
)

// Options tunes a Correlator
type Options struct {
	Dedup      DedupMode
	PendingMax int
	PendingTTL time.Duration
	Now        func() time.Time
}

// Correlator pairs each rewritten challenge with the license that answers it
// and logs the keys once per correlation key.
type Correlator struct {
	logger   *zap.Logger
	registry *registry.Registry
	store    storage.Store
	resolver cdm.Resolver
	metrics  *metrics.Metrics
	tracer   *trace.Builder
	dedup    DedupMode
	now      func() time.Time
	pending  *pendingMap

	// generating holds keys claimed by a request still waiting on the CDM
	mu         sync.Mutex
	generating map[string]struct{}
}

func New(logger *zap.Logger, reg *registry.Registry, store storage.Store, resolver cdm.Resolver, m *metrics.Metrics, opts Options) *Correlator {
	if opts.Dedup == "" {
		opts.Dedup = DedupReserve
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Correlator{
		logger:   logger.Named("correlator"),
		registry: reg,
		store:    store,
		resolver: resolver,
		metrics:  m,
		tracer:   trace.Tracer(cnst.TraceCorrelator),
		dedup:    opts.Dedup,
		now:      opts.Now,
		pending:  newPendingMap(opts.PendingMax, opts.PendingTTL, opts.Now),

		generating: make(map[string]struct{}),
	}
}

// HandleRequest rewrites a key message for the selected CDM. The returned
// message is non-nil whenever something should be forwarded to the license
// server: either the rewritten message or, for duplicates and failures, the
// original one. A nil message comes only with an error the caller must
// report, such as cnst.ErrUnsupportedDevice.
func (c *Correlator) HandleRequest(ctx context.Context, sessionID string, raw []byte) (out []byte, err error) {
	scope := c.tracer.Start(ctx, cnst.SpanCorrelatorChallenge).
		WithAttrs(attribute.String("session.id", sessionID))
	defer func() {
		scope.Fail(err)
		scope.End()
	}()
	ctx = scope.Ctx

	msg, err := challenge.Decode(raw)
	if err != nil {
		c.passthrough("decode", sessionID, err)
		return raw, err
	}
	key, err := msg.WRMHeader()
	if err != nil {
		c.passthrough("extract", sessionID, err)
		return raw, err
	}

	for _, d := range c.pending.sweep() {
		c.drop(ctx, d, true)
	}
	if !c.claim(key) {
		c.logger.Info("keys already retrieved", zap.String("session", sessionID), zap.String("wrm_header", key))
		c.metrics.Exchange("request", metrics.OutcomeDuplicate)
		scope.WithAttrs(attribute.Bool("duplicate", true))
		return raw, nil
	}
	defer c.settle(key)

	module, err := c.resolver.Resolve(ctx)
	if err != nil {
		c.registry.Release(key)
		if errors.Is(err, cnst.ErrUnsupportedDevice) {
			c.metrics.Exchange("request", metrics.OutcomeFailed)
			return nil, err
		}
		c.passthrough("resolve", sessionID, err)
		return raw, err
	}

	if perr := msg.ParseErr(); perr != nil {
		c.logger.Debug("challenge is not well formed, secondary fields left empty", zap.Error(perr))
	}
	generated, err := module.Generate(ctx, cdm.Request{
		WRMHeader:       key,
		RevocationLists: msg.RevocationLists(),
		ClientVersion:   msg.ClientVersion(),
		SessionHint:     sessionID,
	})
	if err != nil {
		c.registry.Release(key)
		err = asCDMError("generate", err)
		c.passthrough("generate", sessionID, err)
		return raw, err
	}

	out, err = msg.Replace(generated)
	if err != nil {
		c.registry.Release(key)
		c.closeSession(ctx, module, sessionID)
		c.passthrough("encode", sessionID, err)
		return raw, err
	}

	for _, d := range c.pending.put(sessionID, &pendingEntry{key: key, cdm: module}) {
		// the module already replaced its own session for this page session
		c.drop(ctx, d, !(d.session == sessionID && sameModule(d.cdm, module)))
	}
	c.metrics.SetPending(c.pending.len())
	c.metrics.Exchange("request", metrics.OutcomeRewritten)
	c.logger.Info("challenge rewritten",
		zap.String("session", sessionID),
		zap.String("client_version", msg.ClientVersion()))
	return out, nil
}

// HandleResponse extracts the keys of a license and logs the exchange. A
// session without a pending challenge is ignored.
func (c *Correlator) HandleResponse(ctx context.Context, origin, sessionID string, license []byte) (err error) {
	scope := c.tracer.Start(ctx, cnst.SpanCorrelatorLicense).
		WithAttrs(attribute.String("session.id", sessionID), attribute.String("origin", origin))
	defer func() {
		scope.Fail(err)
		scope.End()
	}()
	ctx = scope.Ctx

	entry, expired := c.pending.take(sessionID)
	for _, d := range expired {
		c.drop(ctx, d, true)
	}
	c.metrics.SetPending(c.pending.len())
	if entry == nil {
		c.metrics.Exchange("response", metrics.OutcomeUncorrelated)
		c.logger.Debug("no pending challenge for session", zap.String("session", sessionID))
		return nil
	}

	keys, err := entry.cdm.Parse(ctx, sessionID, license)
	if err != nil {
		c.registry.Release(entry.key)
		c.metrics.Exchange("response", metrics.OutcomeFailed)
		return asCDMError("parse", err)
	}

	log := registry.Entry{
		Type:      cnst.DRMTypePlayReady,
		WRMHeader: entry.key,
		Keys:      make([]registry.Key, 0, len(keys)),
		URL:       origin,
		Timestamp: c.now().Unix(),
		Manifests: c.registry.Manifests(origin),
	}
	for _, k := range keys {
		log.Keys = append(log.Keys, registry.Key{KID: k.KIDHex(), K: k.KeyHex()})
	}
	c.registry.Append(log)
	c.metrics.Exchange("response", metrics.OutcomeLogged)
	c.logger.Info("keys retrieved",
		zap.String("session", sessionID),
		zap.String("origin", origin),
		zap.Int("keys", len(log.Keys)))

	if err := storage.SetJSON(ctx, c.store, entry.key, &log); err != nil {
		return fmt.Errorf("persist exchange: %w", err)
	}
	return nil
}

// EndSession forgets the pending challenge of a closed page session. It
// reports whether there was one.
func (c *Correlator) EndSession(ctx context.Context, sessionID string) bool {
	entry, expired := c.pending.take(sessionID)
	for _, d := range expired {
		c.drop(ctx, d, true)
	}
	if entry != nil {
		c.drop(ctx, entry, true)
	}
	c.metrics.SetPending(c.pending.len())
	return entry != nil
}

// Pending reports whether sessionID awaits a license
func (c *Correlator) Pending(sessionID string) bool {
	return c.pending.has(sessionID)
}

// claim decides whether key still needs an exchange. In reserve mode a
// reservation that neither a pending entry nor a running request holds is
// taken over.
func (c *Correlator) claim(key string) bool {
	if c.dedup == DedupScan {
		return !c.registry.Has(key)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.registry.Reserve(key) {
		if !c.registry.InFlight(key) {
			return false
		}
		if _, busy := c.generating[key]; busy || c.pending.holds(key) {
			return false
		}
		c.logger.Debug("reclaiming orphaned reservation", zap.String("wrm_header", key))
	}
	c.generating[key] = struct{}{}
	return true
}

// settle ends the claim of a request. A successful request has handed the
// key to its pending entry by then.
func (c *Correlator) settle(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.generating, key)
}

// drop releases what a pending entry held
func (c *Correlator) drop(ctx context.Context, e *pendingEntry, closeModule bool) {
	c.registry.Release(e.key)
	if closeModule {
		c.closeSession(ctx, e.cdm, e.session)
	}
	c.logger.Debug("pending challenge dropped", zap.String("session", e.session))
}

func sameModule(a, b cdm.CDM) bool {
	t := reflect.TypeOf(a)
	if t != reflect.TypeOf(b) || t == nil || !t.Comparable() {
		return false
	}
	return a == b
}

func (c *Correlator) closeSession(ctx context.Context, module cdm.CDM, sessionID string) {
	closer, ok := module.(cdm.SessionCloser)
	if !ok {
		return
	}
	if err := closer.CloseSession(ctx, sessionID); err != nil {
		c.logger.Warn("failed to close cdm session", zap.String("session", sessionID), zap.Error(err))
	}
}

func (c *Correlator) passthrough(stage, sessionID string, err error) {
	c.metrics.Exchange("request", metrics.OutcomePassthrough)
	c.logger.Warn("passing original challenge through",
		zap.String("stage", stage),
		zap.String("session", sessionID),
		zap.Error(err))
}

func asCDMError(op string, err error) error {
	var cdmErr *cdm.Error
	if errors.As(err, &cdmErr) {
		return err
	}
	return &cdm.Error{Op: op, Err: err}
}
