package browser

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/amoylab/keyrelay/internal/channel"
	"github.com/amoylab/keyrelay/internal/common/cnst"
	"github.com/amoylab/keyrelay/internal/common/config"
	"github.com/amoylab/keyrelay/internal/headers"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const dashBody = `<MPD xmlns="urn:mpeg:dash:schema:mpd:2011"></MPD>`

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

// recorder handles channel messages the way the relay does: REQUEST bodies
// come back upper-cased unless fail is set
type recorder struct {
	mu   sync.Mutex
	msgs []*channel.Message
	from []channel.Sender
	fail bool
}

func (r *recorder) Handle(_ context.Context, msg *channel.Message, from channel.Sender) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	r.from = append(r.from, from)
	switch {
	case msg.Kind == cnst.KindRequest && !r.fail:
		_, enc, _ := strings.Cut(msg.Body, "|")
		raw, _ := base64.StdEncoding.DecodeString(enc)
		return b64(strings.ToUpper(string(raw))), nil
	case msg.Kind == cnst.KindManifest, msg.Kind == cnst.KindResponse, msg.Kind == cnst.KindEndSession:
		return "", nil
	}
	return "", errors.New("nope")
}

func (r *recorder) kinds() []cnst.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []cnst.Kind
	for _, m := range r.msgs {
		out = append(out, m.Kind)
	}
	return out
}

type evaluation struct {
	ctxID  runtime.ExecutionContextID
	script string
}

type tab struct {
	mu     sync.Mutex
	evals  []evaluation
	bodies map[network.RequestID]string
}

func newHarness(t *testing.T, rec *recorder) (*Harness, *tab) {
	t.Helper()
	logger := zap.NewNop()
	h := New(logger, config.BrowserConfig{BodyTimeout: time.Second},
		config.ChannelConfig{Timeout: time.Second, QueueSize: 8},
		rec, headers.NewMemoryCache(logger, 0), nil)
	t.Cleanup(h.Close)

	tb := &tab{bodies: map[network.RequestID]string{}}
	h.evaluate = func(_ context.Context, ctxID runtime.ExecutionContextID, script string) error {
		tb.mu.Lock()
		defer tb.mu.Unlock()
		tb.evals = append(tb.evals, evaluation{ctxID, script})
		return nil
	}
	h.responseBody = func(_ context.Context, id network.RequestID) ([]byte, error) {
		tb.mu.Lock()
		defer tb.mu.Unlock()
		body, ok := tb.bodies[id]
		if !ok {
			return nil, errors.New("no body")
		}
		return []byte(body), nil
	}
	return h, tb
}

func (tb *tab) last() evaluation {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.evals[len(tb.evals)-1]
}

func bind(h *Harness, ctxID runtime.ExecutionContextID, payload string) {
	h.onEvent(&runtime.EventBindingCalled{Name: BindingName, Payload: payload, ExecutionContextID: ctxID})
	h.wg.Wait()
}

func TestParseBinding(t *testing.T) {
	msg, err := parseBinding(`{"id":"7","kind":"REQUEST","body":"sid|AAAA"}`)
	require.NoError(t, err)
	assert.Equal(t, "7", msg.ID)
	assert.Equal(t, cnst.KindRequest, msg.Kind)
	assert.Equal(t, "sid|AAAA", msg.Body)

	_, err = parseBinding(`not json`)
	assert.Error(t, err)

	_, err = parseBinding(`{"kind":"CLEAR"}`)
	assert.ErrorIs(t, err, errEmptyPayload)
}

func TestReplyScript(t *testing.T) {
	assert.Equal(t, `window.__keyrelayReply("1",true,"QUJD")`,
		replyScript(&channel.Reply{ID: "1", Body: "QUJD"}))
	assert.Equal(t, `window.__keyrelayReply("2",false,"bad \"body\"")`,
		replyScript(&channel.Reply{ID: "2", Body: "ignored", Error: `bad "body"`}))
}

func TestHeaderMap(t *testing.T) {
	got := headerMap(network.Headers{"Authorization": "Bearer x", "X-Count": 3})
	assert.Equal(t, map[string]string{"Authorization": "Bearer x", "X-Count": "3"}, got)
}

func TestSniffable(t *testing.T) {
	assert.True(t, sniffable(network.ResourceTypeXHR))
	assert.True(t, sniffable(network.ResourceTypeFetch))
	assert.False(t, sniffable(network.ResourceTypeImage))
	assert.False(t, sniffable(network.ResourceTypeMedia))
}

func TestShimSource(t *testing.T) {
	src := shimSource(32 * time.Second)
	assert.True(t, strings.HasPrefix(src, "window.__keyrelayTimeoutMs = 32000;\n"))
	assert.Contains(t, src, "window."+BindingName)
	assert.Contains(t, src, "__keyrelayReply")
	assert.Contains(t, src, "stopImmediatePropagation")
	assert.Contains(t, src, "dispatchEvent")
	for _, kind := range []cnst.Kind{cnst.KindRequest, cnst.KindResponse, cnst.KindEndSession} {
		assert.True(t, strings.Contains(src, `"`+kind.String()+`"`), kind.String())
	}
}

func TestShimTimeoutFollowsChannelTimeout(t *testing.T) {
	logger := zap.NewNop()
	h := New(logger, config.BrowserConfig{}, config.ChannelConfig{Timeout: 5 * time.Second}, &recorder{},
		headers.NewMemoryCache(logger, 0), nil)
	defer h.Close()
	assert.Equal(t, 5*time.Second+replyGrace, h.shimTimeout)
}

func TestAllocatorOptions(t *testing.T) {
	logger := zap.NewNop()
	h := New(logger, config.BrowserConfig{ExecPath: "/usr/bin/chromium", UserDataDir: t.TempDir()},
		config.ChannelConfig{}, &recorder{}, headers.NewMemoryCache(logger, 0), nil)
	defer h.Close()
	base := New(logger, config.BrowserConfig{}, config.ChannelConfig{}, &recorder{}, headers.NewMemoryCache(logger, 0), nil)
	defer base.Close()
	assert.Len(t, h.allocatorOptions(), len(base.allocatorOptions())+2)
}

func TestBinding_KeyMessageIsReplacedAndRepliedInCallingContext(t *testing.T) {
	rec := &recorder{}
	h, tb := newHarness(t, rec)

	bind(h, 7, `{"id":"1","kind":"REQUEST","body":"s1|`+b64("challenge")+`"}`)

	require.Equal(t, []cnst.Kind{cnst.KindRequest}, rec.kinds())
	assert.Equal(t, "s1|"+b64("challenge"), rec.msgs[0].Body)
	got := tb.last()
	assert.Equal(t, runtime.ExecutionContextID(7), got.ctxID)
	assert.Equal(t, `window.__keyrelayReply("1",true,"`+b64("CHALLENGE")+`")`, got.script)
	assert.Zero(t, h.interceptor.Wrapped())
}

func TestBinding_FailedRelayDeliversOriginal(t *testing.T) {
	rec := &recorder{fail: true}
	h, tb := newHarness(t, rec)

	bind(h, 3, `{"id":"2","kind":"REQUEST","body":"s1|`+b64("challenge")+`"}`)

	assert.Equal(t, []cnst.Kind{cnst.KindRequest}, rec.kinds())
	assert.Equal(t, `window.__keyrelayReply("2",true,"`+b64("challenge")+`")`, tb.last().script)
}

func TestBinding_MalformedPayloadGetsErrorReply(t *testing.T) {
	rec := &recorder{}
	h, tb := newHarness(t, rec)

	bind(h, 4, `{"id":"9","kind":`)
	got := tb.last()
	assert.Equal(t, runtime.ExecutionContextID(4), got.ctxID)
	assert.True(t, strings.HasPrefix(got.script, `window.__keyrelayReply("9",false,`), got.script)

	bind(h, 4, `{"id":"10","kind":"REQUEST","body":"no-separator"}`)
	assert.True(t, strings.HasPrefix(tb.last().script, `window.__keyrelayReply("10",false,`), tb.last().script)
	assert.Empty(t, rec.kinds())
}

func TestBinding_SessionCallsAndOtherKinds(t *testing.T) {
	rec := &recorder{}
	h, tb := newHarness(t, rec)

	bind(h, 1, `{"id":"a","kind":"RESPONSE","body":"s1|`+b64("license")+`"}`)
	assert.Equal(t, `window.__keyrelayReply("a",true,"")`, tb.last().script)
	bind(h, 1, `{"id":"b","kind":"END_SESSION","body":"s1"}`)
	assert.Equal(t, `window.__keyrelayReply("b",true,"")`, tb.last().script)
	bind(h, 1, `{"id":"c","kind":"CLEAR","body":""}`)
	assert.Equal(t, `window.__keyrelayReply("c",false,"CLEAR failed: nope")`, tb.last().script)

	assert.Equal(t, []cnst.Kind{cnst.KindResponse, cnst.KindEndSession, cnst.KindClear}, rec.kinds())
	assert.Equal(t, "s1|"+b64("license"), rec.msgs[0].Body)
	assert.Equal(t, "s1", rec.msgs[1].Body)
}

func TestOriginFollowsMainFrame(t *testing.T) {
	rec := &recorder{}
	h, _ := newHarness(t, rec)

	h.onEvent(&page.EventFrameNavigated{Frame: &cdp.Frame{ID: "main", URL: "https://player.example/a"}})
	h.onEvent(&page.EventFrameNavigated{Frame: &cdp.Frame{ID: "ad", ParentID: "main", URL: "https://ads.example/frame"}})
	h.onEvent(&page.EventNavigatedWithinDocument{FrameID: "ad", URL: "https://ads.example/other"})
	assert.Equal(t, "https://player.example/a", h.currentOrigin())

	h.onEvent(&page.EventNavigatedWithinDocument{FrameID: "main", URL: "https://player.example/watch/2"})
	assert.Equal(t, "https://player.example/watch/2", h.currentOrigin())

	// a license from an iframe and a manifest share the main frame origin
	bind(h, 9, `{"id":"r","kind":"RESPONSE","body":"s1|`+b64("license")+`"}`)
	found := h.sniffer.Inspect(context.Background(), "https://cdn.example/x.mpd", []byte(dashBody))
	assert.True(t, found)

	require.Equal(t, []cnst.Kind{cnst.KindResponse, cnst.KindManifest}, rec.kinds())
	assert.JSONEq(t, `{"type":"DASH","url":"https://cdn.example/x.mpd"}`, rec.msgs[1].Body)
	for _, from := range rec.from {
		assert.Equal(t, "https://player.example/watch/2", from.Origin)
	}
}

func TestSendReportsRemoteError(t *testing.T) {
	h, _ := newHarness(t, &recorder{})

	_, err := h.Send(context.Background(), cnst.KindClear, "")
	var remote *channel.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, cnst.KindClear, remote.Kind)
	assert.Equal(t, "nope", remote.Message)
}

func TestLoadingFinished_MethodFilterOnlyForXHR(t *testing.T) {
	rec := &recorder{}
	h, tb := newHarness(t, rec)

	finish := func(id network.RequestID, typ network.ResourceType, method, url string) {
		tb.mu.Lock()
		tb.bodies[id] = dashBody
		tb.mu.Unlock()
		h.onEvent(&network.EventRequestWillBeSent{
			RequestID: id,
			Type:      typ,
			Request:   &network.Request{Method: method, URL: url},
		})
		h.onEvent(&network.EventLoadingFinished{RequestID: id, EncodedDataLength: float64(len(dashBody))})
		h.wg.Wait()
	}

	finish("1", network.ResourceTypeXHR, "POST", "https://cdn.example/xhr-post.mpd")
	finish("2", network.ResourceTypeFetch, "POST", "https://cdn.example/fetch-post.mpd")
	finish("3", network.ResourceTypeXHR, "GET", "https://cdn.example/xhr-get.mpd")
	finish("4", network.ResourceTypeImage, "GET", "https://cdn.example/poster.mpd")

	var urls []string
	for _, m := range rec.msgs {
		require.Equal(t, cnst.KindManifest, m.Kind)
		urls = append(urls, m.Body)
	}
	require.Len(t, urls, 2)
	assert.Contains(t, urls[0], "fetch-post.mpd")
	assert.Contains(t, urls[1], "xhr-get.mpd")
}

func TestXHRResponseType(t *testing.T) {
	assert.Equal(t, "text", xhrResponseType([]byte(dashBody)))
	assert.Equal(t, "arraybuffer", xhrResponseType([]byte{0xff, 0xfe, 0x00}))
}

func TestOnRequestCapturesHeaders(t *testing.T) {
	logger := zap.NewNop()
	cache := headers.NewMemoryCache(logger, 0)
	h := New(logger, config.BrowserConfig{}, config.ChannelConfig{}, &recorder{}, cache, nil)
	defer h.Close()

	h.onEvent(&network.EventRequestWillBeSent{
		RequestID: "1",
		Type:      network.ResourceTypeXHR,
		Request: &network.Request{
			Method:  "GET",
			URL:     "https://cdn.example/x.mpd",
			Headers: network.Headers{"Authorization": "Bearer t", "Host": "cdn.example"},
		},
	})
	h.wg.Wait()

	got, ok, err := cache.Get(context.Background(), "https://cdn.example/x.mpd")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]string{"Authorization": "Bearer t"}, got)

	h.onEvent(&network.EventLoadingFailed{RequestID: "1"})
	h.mu.Lock()
	assert.Empty(t, h.requests)
	h.mu.Unlock()
}
