package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/amoylab/keyrelay/internal/channel"
	"github.com/amoylab/keyrelay/internal/common/cnst"
	"github.com/amoylab/keyrelay/internal/correlator"
	"github.com/amoylab/keyrelay/internal/headers"
	"github.com/amoylab/keyrelay/internal/registry"
	"github.com/amoylab/keyrelay/internal/settings"
	"github.com/amoylab/keyrelay/pkg/metrics"
	"github.com/amoylab/keyrelay/pkg/trace"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Picker opens the device import UI. It lives outside this module.
type Picker interface {
	OpenPicker(ctx context.Context, dt cnst.DeviceType) error
}

// LogPicker only records the request
type LogPicker struct {
	Logger *zap.Logger
}

func (p LogPicker) OpenPicker(_ context.Context, dt cnst.DeviceType) error {
	p.Logger.Info("device picker requested", zap.String("device_type", dt.String()))
	return nil
}

// Dispatcher is the privileged message handler
type Dispatcher struct {
	logger     *zap.Logger
	settings   *settings.Manager
	correlator *correlator.Correlator
	registry   *registry.Registry
	headers    headers.Cache
	picker     Picker
	metrics    *metrics.Metrics
	tracer     *trace.Builder
}

var _ channel.Handler = (*Dispatcher)(nil)

func NewDispatcher(logger *zap.Logger, s *settings.Manager, c *correlator.Correlator, reg *registry.Registry,
	h headers.Cache, picker Picker, m *metrics.Metrics) *Dispatcher {
	logger = logger.Named("relay")
	if picker == nil {
		picker = LogPicker{Logger: logger}
	}
	return &Dispatcher{
		logger:     logger,
		settings:   s,
		correlator: c,
		registry:   reg,
		headers:    h,
		picker:     picker,
		metrics:    m,
		tracer:     trace.Tracer(cnst.TraceRelay),
	}
}

func (d *Dispatcher) Handle(ctx context.Context, msg *channel.Message, from channel.Sender) (reply string, err error) {
	kind := msg.Kind.String()
	start := time.Now()
	d.metrics.RelayStart(kind)
	scope := d.tracer.Start(ctx, cnst.SpanRelayKindPrefix+kind).
		WithAttrs(attribute.String("message.id", msg.ID), attribute.String("origin", from.Origin))
	defer func() {
		d.metrics.RelayDone(kind, start, err)
		scope.Fail(err)
		scope.End()
	}()
	ctx = scope.Ctx

	switch msg.Kind {
	case cnst.KindRequest:
		return d.handleRequest(ctx, msg.Body)
	case cnst.KindResponse:
		return d.handleResponse(ctx, msg.Body, from)
	case cnst.KindGetLogs:
		data, err := json.Marshal(d.registry.Snapshot())
		if err != nil {
			return "", err
		}
		return string(data), nil
	case cnst.KindClear:
		d.registry.Clear()
		return "", nil
	case cnst.KindManifest:
		return "", d.handleManifest(ctx, msg.Body, from)
	case cnst.KindEndSession:
		d.correlator.EndSession(ctx, msg.Body)
		return "", nil
	case cnst.KindOpenPickerPRD:
		return "", d.picker.OpenPicker(ctx, cnst.DeviceTypePRD)
	case cnst.KindOpenPickerRemote:
		return "", d.picker.OpenPicker(ctx, cnst.DeviceTypeRemote)
	default:
		return "", fmt.Errorf("%w: %q", cnst.ErrUnknownKind, msg.Kind)
	}
}

func (d *Dispatcher) handleRequest(ctx context.Context, body string) (string, error) {
	sessionID, payload, err := splitBody(body)
	if err != nil {
		return "", err
	}
	if active, err := d.active(ctx); err != nil || !active {
		return payload, err
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", cnst.ErrMalformedBody, err)
	}
	out, err := d.correlator.HandleRequest(ctx, sessionID, raw)
	if out == nil {
		return "", err
	}
	if err != nil {
		d.logger.Warn("challenge passed through unchanged", zap.String("session", sessionID), zap.Error(err))
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

func (d *Dispatcher) handleResponse(ctx context.Context, body string, from channel.Sender) (string, error) {
	sessionID, payload, err := splitBody(body)
	if err != nil {
		return "", err
	}
	if active, err := d.active(ctx); err != nil || !active {
		return payload, err
	}

	license, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", cnst.ErrMalformedBody, err)
	}
	return "", d.correlator.HandleResponse(ctx, from.Origin, sessionID, license)
}

// active reports whether REQUEST and RESPONSE should reach the correlator.
// When interception is off the manifests collected so far are dropped.
func (d *Dispatcher) active(ctx context.Context) (bool, error) {
	enabled, err := d.settings.Enabled(ctx)
	if err != nil {
		return false, err
	}
	if !enabled {
		d.registry.ClearManifests()
		return false, nil
	}
	dt, err := d.settings.DeviceType(ctx)
	if err != nil {
		return false, err
	}
	switch dt {
	case cnst.DeviceTypePRD, cnst.DeviceTypeRemote:
		return true, nil
	default:
		return false, fmt.Errorf("%w: %q", cnst.ErrUnsupportedDevice, dt)
	}
}

func (d *Dispatcher) handleManifest(ctx context.Context, body string, from channel.Sender) error {
	var report struct {
		Type cnst.ManifestType `json:"type"`
		URL  string            `json:"url"`
	}
	if err := json.Unmarshal([]byte(body), &report); err != nil {
		return fmt.Errorf("%w: %v", cnst.ErrMalformedBody, err)
	}
	if report.URL == "" || report.Type == "" {
		return fmt.Errorf("%w: manifest needs type and url", cnst.ErrMalformedBody)
	}

	h, _, err := d.headers.Get(ctx, report.URL)
	if err != nil {
		d.logger.Warn("header lookup failed", zap.String("url", report.URL), zap.Error(err))
	}
	added := d.registry.AddManifest(from.Origin, registry.Manifest{
		Type:    report.Type,
		URL:     report.URL,
		Headers: h,
	})
	if added {
		d.logger.Info("manifest recorded",
			zap.String("origin", from.Origin),
			zap.String("type", report.Type.String()),
			zap.String("url", report.URL))
	}
	return nil
}

// splitBody splits "<sessionId>|<payload>" at the first separator
func splitBody(body string) (string, string, error) {
	sessionID, payload, ok := strings.Cut(body, "|")
	if !ok {
		return "", "", cnst.ErrMalformedBody
	}
	return sessionID, payload, nil
}
