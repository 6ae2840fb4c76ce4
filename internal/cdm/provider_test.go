package cdm

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/amoylab/keyrelay/internal/common/cnst"
	"github.com/amoylab/keyrelay/internal/common/config"
	"github.com/amoylab/keyrelay/internal/settings"
	"github.com/amoylab/keyrelay/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newProvider(t *testing.T, localURL string) (*Provider, *settings.Manager) {
	t.Helper()
	s := settings.NewManager(zap.NewNop(), storage.NewMemoryStore())
	return NewProvider(zap.NewNop(), s, config.CDMConfig{LocalURL: localURL, Secret: "k", Timeout: time.Second}), s
}

func TestProvider_PRD(t *testing.T) {
	fake := newFakeCDMServer("k")
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	p, s := newProvider(t, srv.URL)
	ctx := context.Background()

	_, err := p.Resolve(ctx)
	assert.ErrorIs(t, err, cnst.ErrNoDevice)

	require.NoError(t, s.ImportDevice(ctx, "tv", []byte{0xff}))
	c, err := p.Resolve(ctx)
	require.NoError(t, err)

	_, err = c.Generate(ctx, Request{WRMHeader: "h", SessionHint: "s"})
	require.NoError(t, err)
	assert.Equal(t, "/w==", fake.uploaded)
}

func TestProvider_PRDWithoutLocalURL(t *testing.T) {
	p, s := newProvider(t, "")
	ctx := context.Background()
	require.NoError(t, s.ImportDevice(ctx, "tv", []byte{0x01}))

	_, err := p.Resolve(ctx)
	assert.Error(t, err)
}

func TestProvider_Remote(t *testing.T) {
	fake := newFakeCDMServer("remote-secret")
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	p, s := newProvider(t, "")
	ctx := context.Background()
	require.NoError(t, s.SetDeviceType(ctx, cnst.DeviceTypeRemote))

	_, err := p.Resolve(ctx)
	assert.ErrorIs(t, err, cnst.ErrNoDevice)

	_, err = s.ImportRemoteCDM(ctx, []byte(`{"device_name":"sl3000","host":"`+srv.URL+`","secret":"remote-secret"}`))
	require.NoError(t, err)

	c, err := p.Resolve(ctx)
	require.NoError(t, err)
	challenge, err := c.Generate(ctx, Request{WRMHeader: "h", SessionHint: "s"})
	require.NoError(t, err)
	assert.Equal(t, "<Challenge>h|</Challenge>", string(challenge))
	assert.Empty(t, fake.uploaded)
}

func TestProvider_UnsupportedDevice(t *testing.T) {
	p, s := newProvider(t, "")
	ctx := context.Background()
	require.NoError(t, s.SetDeviceType(ctx, cnst.DeviceType("WIDEVINE")))

	_, err := p.Resolve(ctx)
	assert.ErrorIs(t, err, cnst.ErrUnsupportedDevice)
}
