package cdm

import (
	"context"
	"fmt"
	"net/http"

	"github.com/amoylab/keyrelay/internal/common/cnst"
	"github.com/amoylab/keyrelay/internal/common/config"
	"github.com/amoylab/keyrelay/internal/settings"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// Provider resolves the CDM matching the selected device type. PRD devices
// are served by the configured local CDM service, REMOTE profiles by their
// own host.
type Provider struct {
	logger   *zap.Logger
	settings *settings.Manager
	cfg      config.CDMConfig
	http     *http.Client
}

var _ Resolver = (*Provider)(nil)

func NewProvider(logger *zap.Logger, s *settings.Manager, cfg config.CDMConfig) *Provider {
	return &Provider{
		logger:   logger.Named("cdm"),
		settings: s,
		cfg:      cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (p *Provider) Resolve(ctx context.Context) (CDM, error) {
	dt, err := p.settings.DeviceType(ctx)
	if err != nil {
		return nil, err
	}
	switch dt {
	case cnst.DeviceTypePRD:
		return p.prd(ctx)
	case cnst.DeviceTypeRemote:
		return p.remote(ctx)
	default:
		return nil, fmt.Errorf("%w: %q", cnst.ErrUnsupportedDevice, dt)
	}
}

func (p *Provider) prd(ctx context.Context) (CDM, error) {
	name, err := p.settings.SelectedDevice(ctx)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, cnst.ErrNoDevice
	}
	if p.cfg.LocalURL == "" {
		return nil, fmt.Errorf("cdm.local_url is not configured for device %q", name)
	}
	blob, err := p.settings.Device(ctx, name)
	if err != nil {
		return nil, err
	}
	return NewRemoteClient(p.logger, p.cfg.LocalURL, p.cfg.Secret, name,
		WithHTTPClient(p.http), WithDeviceBlob(blob)), nil
}

func (p *Provider) remote(ctx context.Context) (CDM, error) {
	name, err := p.settings.SelectedRemoteCDM(ctx)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, cnst.ErrNoDevice
	}
	profile, err := p.settings.RemoteCDM(ctx, name)
	if err != nil {
		return nil, err
	}
	device := profile.DeviceName
	if device == "" {
		device = profile.Name
	}
	return NewRemoteClient(p.logger, profile.Host, profile.Secret, device, WithHTTPClient(p.http)), nil
}
