package correlator

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/amoylab/keyrelay/internal/cdm"
	"github.com/amoylab/keyrelay/internal/challenge"
	"github.com/amoylab/keyrelay/internal/common/cnst"
	"github.com/amoylab/keyrelay/internal/registry"
	"github.com/amoylab/keyrelay/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func wrmHeader(kid string) string {
	return `<WRMHEADER xmlns="http://schemas.microsoft.com/DRM/2007/03/PlayReadyHeader" version="4.0.0.0"><DATA><KID>` + kid + `</KID></DATA></WRMHEADER>`
}

func keyMessage(t *testing.T, wrm string) []byte {
	t.Helper()
	inner := `<Challenge><LA><ContentHeader>` + wrm + `</ContentHeader><CLIENTINFO><CLIENTVERSION>10.0.16384.10011</CLIENTVERSION></CLIENTINFO></LA></Challenge>`
	envelope := `<PlayReadyKeyMessage type="LicenseAcquisition"><LicenseAcquisition Version="1"><Challenge encoding="base64encoded">` +
		base64.StdEncoding.EncodeToString([]byte(inner)) +
		`</Challenge></LicenseAcquisition></PlayReadyKeyMessage>`
	raw, err := challenge.EncodeUTF16LE(envelope)
	require.NoError(t, err)
	return raw
}

type fakeCDM struct {
	mu       sync.Mutex
	requests []cdm.Request
	licenses [][]byte
	closed   []string
	keys     []cdm.Key
	genErr   error
	parseErr error
	entered  chan struct{}
	gate     chan struct{}
}

func (f *fakeCDM) Generate(ctx context.Context, req cdm.Request) ([]byte, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.genErr != nil {
		return nil, f.genErr
	}
	return []byte("<rewritten session=\"" + req.SessionHint + "\"/>"), nil
}

func (f *fakeCDM) Parse(_ context.Context, _ string, license []byte) ([]cdm.Key, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.licenses = append(f.licenses, license)
	if f.parseErr != nil {
		return nil, f.parseErr
	}
	return f.keys, nil
}

func (f *fakeCDM) CloseSession(_ context.Context, hint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, hint)
	return nil
}

func (f *fakeCDM) generateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type staticResolver struct {
	module cdm.CDM
	err    error
}

func (r *staticResolver) Resolve(context.Context) (cdm.CDM, error) {
	return r.module, r.err
}

type fixture struct {
	c     *Correlator
	reg   *registry.Registry
	store *storage.MemoryStore
	cdm   *fakeCDM
	res   *staticResolver
}

func newFixture(opts Options) *fixture {
	f := &fixture{
		reg:   registry.New(),
		store: storage.NewMemoryStore(),
		cdm: &fakeCDM{keys: []cdm.Key{
			{KeyID: []byte{0x01, 0x02}, Key: []byte{0xaa, 0xbb}},
			{KeyID: []byte{0x03}, Key: []byte{0xcc}},
		}},
	}
	f.res = &staticResolver{module: f.cdm}
	f.c = New(zap.NewNop(), f.reg, f.store, f.res, nil, opts)
	return f
}

func TestRequestThenResponse(t *testing.T) {
	f := newFixture(Options{Now: func() time.Time { return time.Unix(1700000000, 0) }})
	ctx := context.Background()
	wrm := wrmHeader("kid-1")
	f.reg.AddManifest("https://player.example", registry.Manifest{Type: cnst.ManifestDASH, URL: "https://cdn/a.mpd"})

	out, err := f.c.HandleRequest(ctx, "s1", keyMessage(t, wrm))
	require.NoError(t, err)
	msg, err := challenge.Decode(out)
	require.NoError(t, err)
	assert.Equal(t, `<rewritten session="s1"/>`, msg.Challenge())
	assert.True(t, f.c.Pending("s1"))

	require.Len(t, f.cdm.requests, 1)
	assert.Equal(t, wrm, f.cdm.requests[0].WRMHeader)
	assert.Equal(t, "10.0.16384.10011", f.cdm.requests[0].ClientVersion)

	require.NoError(t, f.c.HandleResponse(ctx, "https://player.example", "s1", []byte("<License/>")))
	assert.False(t, f.c.Pending("s1"))
	assert.Equal(t, [][]byte{[]byte("<License/>")}, f.cdm.licenses)

	entries := f.reg.Snapshot()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, cnst.DRMTypePlayReady, e.Type)
	assert.Equal(t, wrm, e.WRMHeader)
	assert.Equal(t, []registry.Key{{KID: "0102", K: "aabb"}, {KID: "03", K: "cc"}}, e.Keys)
	assert.Equal(t, "https://player.example", e.URL)
	assert.Equal(t, int64(1700000000), e.Timestamp)
	require.Len(t, e.Manifests, 1)
	assert.Equal(t, "https://cdn/a.mpd", e.Manifests[0].URL)

	var persisted registry.Entry
	found, err := storage.GetJSON(ctx, f.store, wrm, &persisted)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, e, persisted)
}

func TestDedup_SameKeyLoggedOnce(t *testing.T) {
	f := newFixture(Options{})
	ctx := context.Background()
	raw := keyMessage(t, wrmHeader("kid-1"))

	_, err := f.c.HandleRequest(ctx, "s1", raw)
	require.NoError(t, err)
	require.NoError(t, f.c.HandleResponse(ctx, "o", "s1", []byte("lic")))

	for _, sid := range []string{"s2", "s3", "s1"} {
		out, err := f.c.HandleRequest(ctx, sid, raw)
		require.NoError(t, err)
		assert.Equal(t, raw, out)
		require.NoError(t, f.c.HandleResponse(ctx, "o", sid, []byte("lic")))
	}

	assert.Equal(t, 1, f.cdm.generateCalls())
	assert.Len(t, f.reg.Snapshot(), 1)
}

func TestDedup_InFlightKeyPassesThrough(t *testing.T) {
	f := newFixture(Options{})
	ctx := context.Background()
	raw := keyMessage(t, wrmHeader("kid-1"))

	_, err := f.c.HandleRequest(ctx, "s1", raw)
	require.NoError(t, err)

	out, err := f.c.HandleRequest(ctx, "s2", raw)
	require.NoError(t, err)
	assert.Equal(t, raw, out)
	assert.False(t, f.c.Pending("s2"))
}

func TestResponseWithoutRequest(t *testing.T) {
	f := newFixture(Options{})
	require.NoError(t, f.c.HandleResponse(context.Background(), "o", "unknown", []byte("lic")))
	assert.Empty(t, f.reg.Snapshot())
	assert.Empty(t, f.cdm.licenses)
}

func TestRequest_NoCorrelationKey(t *testing.T) {
	f := newFixture(Options{})
	raw := keyMessage(t, "<NOTAHEADER/>")

	out, err := f.c.HandleRequest(context.Background(), "s1", raw)
	assert.ErrorIs(t, err, cnst.ErrNoCorrelationKey)
	assert.Equal(t, raw, out)
	assert.Zero(t, f.cdm.generateCalls())
}

func TestRequest_Undecodable(t *testing.T) {
	f := newFixture(Options{})
	raw := []byte("not utf-16")

	out, err := f.c.HandleRequest(context.Background(), "s1", raw)
	assert.Error(t, err)
	assert.Equal(t, raw, out)
}

func TestRequest_GenerateFailureReleasesKey(t *testing.T) {
	f := newFixture(Options{})
	f.cdm.genErr = errors.New("bad device")
	ctx := context.Background()
	raw := keyMessage(t, wrmHeader("kid-1"))

	out, err := f.c.HandleRequest(ctx, "s1", raw)
	var cdmErr *cdm.Error
	require.True(t, errors.As(err, &cdmErr))
	assert.Equal(t, "generate", cdmErr.Op)
	assert.Equal(t, raw, out)
	assert.False(t, f.c.Pending("s1"))

	f.cdm.genErr = nil
	out, err = f.c.HandleRequest(ctx, "s1", raw)
	require.NoError(t, err)
	assert.NotEqual(t, raw, out)
}

func TestRequest_UnsupportedDevice(t *testing.T) {
	f := newFixture(Options{})
	f.res.err = cnst.ErrUnsupportedDevice
	raw := keyMessage(t, wrmHeader("kid-1"))

	out, err := f.c.HandleRequest(context.Background(), "s1", raw)
	assert.ErrorIs(t, err, cnst.ErrUnsupportedDevice)
	assert.Nil(t, out)
	assert.False(t, f.reg.InFlight(wrmHeader("kid-1")))
}

func TestRequest_NoDevicePassesThrough(t *testing.T) {
	f := newFixture(Options{})
	f.res.err = cnst.ErrNoDevice
	raw := keyMessage(t, wrmHeader("kid-1"))

	out, err := f.c.HandleRequest(context.Background(), "s1", raw)
	assert.ErrorIs(t, err, cnst.ErrNoDevice)
	assert.Equal(t, raw, out)
}

func TestResponse_ParseFailure(t *testing.T) {
	f := newFixture(Options{})
	f.cdm.parseErr = errors.New("malformed license")
	ctx := context.Background()
	wrm := wrmHeader("kid-1")

	_, err := f.c.HandleRequest(ctx, "s1", keyMessage(t, wrm))
	require.NoError(t, err)

	err = f.c.HandleResponse(ctx, "o", "s1", []byte("junk"))
	var cdmErr *cdm.Error
	require.True(t, errors.As(err, &cdmErr))
	assert.Equal(t, "parse", cdmErr.Op)
	assert.Empty(t, f.reg.Snapshot())
	assert.False(t, f.reg.InFlight(wrm))
	assert.False(t, f.c.Pending("s1"))
}

func TestEndSession(t *testing.T) {
	f := newFixture(Options{})
	ctx := context.Background()
	wrm := wrmHeader("kid-1")

	assert.False(t, f.c.EndSession(ctx, "s1"))

	_, err := f.c.HandleRequest(ctx, "s1", keyMessage(t, wrm))
	require.NoError(t, err)
	require.True(t, f.reg.InFlight(wrm))

	assert.True(t, f.c.EndSession(ctx, "s1"))
	assert.False(t, f.c.Pending("s1"))
	assert.False(t, f.reg.InFlight(wrm))
	assert.Equal(t, []string{"s1"}, f.cdm.closed)

	// the key can be exchanged again by a later session
	out, err := f.c.HandleRequest(ctx, "s2", keyMessage(t, wrm))
	require.NoError(t, err)
	assert.NotEqual(t, keyMessage(t, wrm), out)
}

func TestPending_Bounded(t *testing.T) {
	clock := time.Unix(0, 0)
	f := newFixture(Options{PendingMax: 2, Now: func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}})
	ctx := context.Background()

	for i, sid := range []string{"s1", "s2", "s3"} {
		_, err := f.c.HandleRequest(ctx, sid, keyMessage(t, wrmHeader(string(rune('a'+i)))))
		require.NoError(t, err)
	}
	assert.False(t, f.c.Pending("s1"))
	assert.True(t, f.c.Pending("s2"))
	assert.True(t, f.c.Pending("s3"))
	assert.False(t, f.reg.InFlight(wrmHeader("a")))
}

func TestPending_TTL(t *testing.T) {
	now := time.Unix(1000, 0)
	f := newFixture(Options{PendingTTL: time.Minute, Now: func() time.Time { return now }})
	ctx := context.Background()
	wrm := wrmHeader("kid-1")

	_, err := f.c.HandleRequest(ctx, "s1", keyMessage(t, wrm))
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	assert.False(t, f.c.Pending("s1"))
	require.NoError(t, f.c.HandleResponse(ctx, "o", "s1", []byte("lic")))
	assert.Empty(t, f.reg.Snapshot())
	assert.False(t, f.reg.InFlight(wrm))
}

func TestPending_ExpiredKeyCanBeRequestedAgain(t *testing.T) {
	now := time.Unix(1000, 0)
	f := newFixture(Options{PendingTTL: time.Minute, Now: func() time.Time { return now }})
	ctx := context.Background()
	raw := keyMessage(t, wrmHeader("kid-1"))

	_, err := f.c.HandleRequest(ctx, "s1", raw)
	require.NoError(t, err)

	// the first page never delivered its license
	now = now.Add(2 * time.Minute)
	out, err := f.c.HandleRequest(ctx, "s2", raw)
	require.NoError(t, err)
	assert.NotEqual(t, raw, out)
	assert.Equal(t, 2, f.cdm.generateCalls())
	assert.True(t, f.c.Pending("s2"))
	assert.Contains(t, f.cdm.closed, "s1")

	require.NoError(t, f.c.HandleResponse(ctx, "o", "s2", []byte("lic")))
	assert.Len(t, f.reg.Snapshot(), 1)
}

func TestOrphanedReservationIsReclaimed(t *testing.T) {
	f := newFixture(Options{})
	ctx := context.Background()
	wrm := wrmHeader("kid-1")
	raw := keyMessage(t, wrm)

	// a reservation nobody holds any more
	require.True(t, f.reg.Reserve(wrm))

	out, err := f.c.HandleRequest(ctx, "s1", raw)
	require.NoError(t, err)
	assert.NotEqual(t, raw, out)
	assert.True(t, f.c.Pending("s1"))

	// the reservation is held again, so a second page passes through
	out, err = f.c.HandleRequest(ctx, "s2", raw)
	require.NoError(t, err)
	assert.Equal(t, raw, out)
	assert.Equal(t, 1, f.cdm.generateCalls())
}

func TestSameSessionNewKeyReplacesPending(t *testing.T) {
	f := newFixture(Options{})
	ctx := context.Background()

	_, err := f.c.HandleRequest(ctx, "s1", keyMessage(t, wrmHeader("a")))
	require.NoError(t, err)
	_, err = f.c.HandleRequest(ctx, "s1", keyMessage(t, wrmHeader("b")))
	require.NoError(t, err)

	assert.False(t, f.reg.InFlight(wrmHeader("a")))
	// the module is shared, so its session is not closed underneath the new challenge
	assert.Empty(t, f.cdm.closed)

	require.NoError(t, f.c.HandleResponse(ctx, "o", "s1", []byte("lic")))
	entries := f.reg.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, wrmHeader("b"), entries[0].WRMHeader)
}

// raceSameKey sends two challenges for the same key from different sessions
// while the first is still waiting on the CDM.
func raceSameKey(t *testing.T, mode DedupMode) (*fixture, [2][]byte, []byte) {
	t.Helper()
	f := newFixture(Options{Dedup: mode})
	f.cdm.entered = make(chan struct{}, 2)
	f.cdm.gate = make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	raw := keyMessage(t, wrmHeader("shared"))
	var outs [2][]byte
	start := func(i int, sid string) <-chan struct{} {
		done := make(chan struct{})
		go func() {
			defer close(done)
			out, err := f.c.HandleRequest(ctx, sid, raw)
			assert.NoError(t, err)
			outs[i] = out
		}()
		return done
	}

	first := start(0, "s1")
	<-f.cdm.entered
	second := start(1, "s2")
	if mode == DedupScan {
		// the second challenge also reaches the CDM before either finishes
		<-f.cdm.entered
	} else {
		// the second challenge returns without waiting on the CDM
		<-second
	}
	close(f.cdm.gate)
	<-first
	<-second

	require.NoError(t, f.c.HandleResponse(ctx, "o", "s1", []byte("lic")))
	require.NoError(t, f.c.HandleResponse(ctx, "o", "s2", []byte("lic")))
	return f, outs, raw
}

func TestRace_ScanModeLogsDuplicate(t *testing.T) {
	f, outs, raw := raceSameKey(t, DedupScan)
	assert.Equal(t, 2, f.cdm.generateCalls())
	assert.NotEqual(t, raw, outs[0])
	assert.NotEqual(t, raw, outs[1])
	assert.Len(t, f.reg.Snapshot(), 2)
}

func TestRace_ReserveModeLogsOnce(t *testing.T) {
	f, outs, raw := raceSameKey(t, DedupReserve)
	assert.Equal(t, 1, f.cdm.generateCalls())
	assert.NotEqual(t, raw, outs[0])
	assert.Equal(t, raw, outs[1])
	assert.Len(t, f.reg.Snapshot(), 1)
}

func TestPersisted(t *testing.T) {
	now := time.Unix(100, 0)
	f := newFixture(Options{Now: func() time.Time { return now }})
	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, "enabled", []byte("true")))

	for i, kid := range []string{"b", "a"} {
		now = time.Unix(int64(100+i), 0)
		sid := "s" + kid
		_, err := f.c.HandleRequest(ctx, sid, keyMessage(t, wrmHeader(kid)))
		require.NoError(t, err)
		require.NoError(t, f.c.HandleResponse(ctx, "o", sid, []byte("lic")))
	}

	entries, err := Persisted(ctx, f.store)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, wrmHeader("b"), entries[0].WRMHeader)
	assert.Equal(t, wrmHeader("a"), entries[1].WRMHeader)
}
