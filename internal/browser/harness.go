package browser

import (
	"context"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/amoylab/keyrelay/internal/channel"
	"github.com/amoylab/keyrelay/internal/common/cnst"
	"github.com/amoylab/keyrelay/internal/common/config"
	"github.com/amoylab/keyrelay/internal/headers"
	"github.com/amoylab/keyrelay/internal/interceptor"
	"github.com/amoylab/keyrelay/internal/sniffer"
	"github.com/amoylab/keyrelay/pkg/metrics"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// BindingName is the page global the shim posts messages through
const BindingName = "__keyrelaySend"

// replyGrace is added to the channel timeout before the page gives up on a
// reply, so the privileged side normally answers with its own fallback.
const replyGrace = 2 * time.Second

//go:embed shim.js
var shim string

var (
	errEmptyPayload = errors.New("binding payload has no id or kind")
	errSessionBody  = errors.New("body is not sessionId|base64")
)

type request struct {
	method string
	url    string
	typ    network.ResourceType
}

// Harness drives a Chrome tab with the page-side shim installed. Binding
// calls travel the in-process channel, request headers go to the header
// cache and finished responses are run through the sniffer.
type Harness struct {
	logger      *zap.Logger
	cfg         config.BrowserConfig
	pipe        *channel.Pipe
	interceptor *interceptor.Interceptor
	headers     headers.Cache
	sniffer     *sniffer.Sniffer
	metrics     *metrics.Metrics
	shimTimeout time.Duration

	// evaluate and responseBody talk to the tab
	evaluate     func(ctx context.Context, ctxID runtime.ExecutionContextID, script string) error
	responseBody func(ctx context.Context, id network.RequestID) ([]byte, error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	origin    string
	mainFrame cdp.FrameID
	requests  map[network.RequestID]request
}

func New(logger *zap.Logger, cfg config.BrowserConfig, ch config.ChannelConfig, handler channel.Handler, hc headers.Cache, m *metrics.Metrics) *Harness {
	h := &Harness{
		logger:   logger.Named("browser"),
		cfg:      cfg,
		headers:  hc,
		metrics:  m,
		ctx:      context.Background(),
		requests: make(map[network.RequestID]request),
	}
	if ch.Timeout > 0 {
		h.shimTimeout = ch.Timeout + replyGrace
	}
	h.pipe = channel.NewPipe(logger, handler, channel.PipeOptions{Timeout: ch.Timeout, QueueSize: ch.QueueSize})
	h.interceptor = interceptor.New(logger, h)
	h.sniffer = sniffer.New(logger, &sniffer.ChannelReporter{Sender: h}, m)
	h.evaluate = evaluateIn
	h.responseBody = getResponseBody
	return h
}

// Start launches or attaches to a browser and installs the shim on every
// new document
func (h *Harness) Start(ctx context.Context) error {
	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if h.cfg.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(ctx, h.cfg.RemoteURL)
	} else {
		allocCtx, allocCancel = chromedp.NewExecAllocator(ctx, h.allocatorOptions()...)
	}
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(h.logger.Sugar().Debugf))
	h.ctx = tabCtx
	h.cancel = func() {
		tabCancel()
		allocCancel()
	}

	chromedp.ListenTarget(tabCtx, h.onEvent)

	err := chromedp.Run(tabCtx,
		network.Enable(),
		runtime.Enable(),
		runtime.AddBinding(BindingName),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(shimSource(h.shimTimeout)).Do(ctx)
			return err
		}),
	)
	if err != nil {
		h.cancel()
		return fmt.Errorf("start browser: %w", err)
	}
	h.logger.Info("browser harness started",
		zap.Bool("headless", h.cfg.Headless),
		zap.String("remote_url", h.cfg.RemoteURL),
		zap.Duration("reply_timeout", h.shimTimeout))
	return nil
}

// shimSource prefixes the shim with the page-side reply timeout
func shimSource(timeout time.Duration) string {
	return fmt.Sprintf("window.__keyrelayTimeoutMs = %d;\n", timeout.Milliseconds()) + shim
}

func (h *Harness) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", h.cfg.Headless),
		chromedp.Flag("autoplay-policy", "no-user-gesture-required"),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-sync", true),
	)
	if h.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(h.cfg.ExecPath))
	}
	if h.cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(h.cfg.UserDataDir))
	}
	return opts
}

// Navigate opens url in the harness tab
func (h *Harness) Navigate(ctx context.Context, url string) error {
	if h.cancel == nil {
		return errors.New("browser harness not started")
	}
	runCtx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, chromedp.Navigate(url))
}

// Done is closed when the tab or browser goes away
func (h *Harness) Done() <-chan struct{} {
	return h.ctx.Done()
}

// Close stops the browser, waits for in-flight work and closes the channel
func (h *Harness) Close() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
	h.pipe.Close()
}

// Send posts a message on the channel on behalf of the page currently
// loaded in the tab. Every page-originated message goes through here so
// that manifests and license responses share one origin.
func (h *Harness) Send(ctx context.Context, kind cnst.Kind, body string) (string, error) {
	return h.pipe.Client.SendFrom(ctx, channel.Sender{Origin: h.currentOrigin()}, kind, body)
}

func (h *Harness) currentOrigin() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.origin
}

func (h *Harness) spawn(fn func()) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
}

// onEvent runs on the chromedp event loop and must not block
func (h *Harness) onEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		h.onRequest(e)
	case *network.EventLoadingFinished:
		h.onLoadingFinished(e)
	case *network.EventLoadingFailed:
		h.mu.Lock()
		delete(h.requests, e.RequestID)
		h.mu.Unlock()
	case *runtime.EventBindingCalled:
		if e.Name == BindingName {
			ctxID, payload := e.ExecutionContextID, e.Payload
			h.spawn(func() { h.onBinding(ctxID, payload) })
		}
	case *page.EventFrameNavigated:
		if e.Frame != nil && e.Frame.ParentID == "" {
			h.mu.Lock()
			h.mainFrame = e.Frame.ID
			h.origin = e.Frame.URL
			h.mu.Unlock()
		}
	case *page.EventNavigatedWithinDocument:
		h.mu.Lock()
		if e.FrameID == h.mainFrame {
			h.origin = e.URL
		}
		h.mu.Unlock()
	}
}

func (h *Harness) onRequest(e *network.EventRequestWillBeSent) {
	if e.Request == nil {
		return
	}
	req := request{method: e.Request.Method, url: e.Request.URL, typ: e.Type}
	h.mu.Lock()
	h.requests[e.RequestID] = req
	h.mu.Unlock()

	hdrs := headerMap(e.Request.Headers)
	h.spawn(func() {
		captured, err := h.headers.Capture(h.ctx, req.method, req.url, hdrs)
		if err != nil {
			h.logger.Warn("failed to capture request headers", zap.String("url", req.url), zap.Error(err))
			return
		}
		if captured {
			h.metrics.HeaderCaptured()
		}
	})
}

func (h *Harness) onLoadingFinished(e *network.EventLoadingFinished) {
	h.mu.Lock()
	req, ok := h.requests[e.RequestID]
	delete(h.requests, e.RequestID)
	h.mu.Unlock()
	if !ok || !sniffable(req.typ) || e.EncodedDataLength > sniffer.DefaultMaxBody {
		return
	}
	// classic request objects are only watched for GET, fetch sees every method
	if req.typ == network.ResourceTypeXHR && req.method != http.MethodGet {
		return
	}
	id := e.RequestID
	h.spawn(func() { h.fetchBody(id, req) })
}

func (h *Harness) fetchBody(id network.RequestID, req request) {
	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.BodyTimeout)
	defer cancel()

	body, err := h.responseBody(ctx, id)
	if err != nil {
		if h.ctx.Err() == nil {
			h.logger.Debug("failed to fetch response body", zap.String("url", req.url), zap.Error(err))
		}
		return
	}
	if req.typ == network.ResourceTypeXHR {
		h.sniffer.ObserveXHR(h.ctx, sniffer.Completion{
			Method:       req.method,
			URL:          req.url,
			ResponseType: xhrResponseType(body),
			Body:         body,
		})
		return
	}
	h.sniffer.Inspect(h.ctx, req.url, body)
}

// xhrResponseType guesses how the page consumed a body. Binary bodies are
// treated like an arraybuffer and only their ends are classified.
func xhrResponseType(body []byte) string {
	if utf8.Valid(body) {
		return "text"
	}
	return "arraybuffer"
}

func getResponseBody(ctx context.Context, id network.RequestID) ([]byte, error) {
	var body []byte
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		body, err = network.GetResponseBody(id).Do(ctx)
		return err
	}))
	return body, err
}

// onBinding serves one shim call and always answers it, in the execution
// context the call came from
func (h *Harness) onBinding(ctxID runtime.ExecutionContextID, payload string) {
	var reply *channel.Reply
	msg, err := parseBinding(payload)
	if err != nil {
		h.logger.Warn("malformed binding call", zap.Error(err))
		reply = &channel.Reply{ID: gjson.Get(payload, "id").String(), Error: err.Error()}
	} else {
		reply = h.serve(h.ctx, msg)
	}
	if err := h.evaluate(h.ctx, ctxID, replyScript(reply)); err != nil && h.ctx.Err() == nil {
		h.logger.Warn("failed to deliver reply to page",
			zap.String("id", reply.ID),
			zap.Int64("context", int64(ctxID)),
			zap.Error(err))
	}
}

// serve runs the page side of a shim call. Key messages and session calls go
// through the interceptor, anything else is forwarded as is.
func (h *Harness) serve(ctx context.Context, msg *channel.Message) *channel.Reply {
	reply := &channel.Reply{ID: msg.ID}
	var err error
	switch msg.Kind {
	case cnst.KindRequest:
		reply.Body, err = h.keyMessage(ctx, msg.Body)
	case cnst.KindResponse:
		var sid string
		var raw []byte
		if sid, raw, err = splitSessionBody(msg.Body); err == nil {
			err = h.interceptor.WrapSession(pageSession(sid)).Update(ctx, raw)
		}
	case cnst.KindEndSession:
		err = h.interceptor.WrapSession(pageSession(msg.Body)).Close(ctx)
	default:
		reply.Body, err = h.Send(ctx, msg.Kind, msg.Body)
	}
	if err != nil {
		reply.Body = ""
		reply.Error = err.Error()
	}
	return reply
}

// keyMessage dispatches a page key message through the interceptor and
// returns the payload the page must deliver, base64 encoded. That is the
// replacement challenge, or the original when the relay fails.
func (h *Harness) keyMessage(ctx context.Context, body string) (string, error) {
	sid, raw, err := splitSessionBody(body)
	if err != nil {
		return "", err
	}
	target := interceptor.NewEventTarget()
	d := &delivery{}
	h.interceptor.AddEventListener(target, interceptor.EventMessage, d)
	defer h.interceptor.RemoveEventListener(target, interceptor.EventMessage, d)

	target.DispatchEvent(ctx, &interceptor.Event{
		Type:       interceptor.EventMessage,
		SessionID:  sid,
		IsTrusted:  true,
		TimeStamp:  time.Now(),
		KeyMessage: &interceptor.KeyMessage{Message: raw},
	})
	return base64.StdEncoding.EncodeToString(d.message), nil
}

// delivery records the key message that reached the page's listeners
type delivery struct {
	message []byte
}

func (d *delivery) HandleEvent(_ context.Context, e *interceptor.Event) {
	if e.KeyMessage != nil {
		d.message = e.KeyMessage.Message
	}
}

// pageSession stands in for a MediaKeySession living in the page. The page
// applies updates and closes the session itself.
type pageSession string

func (s pageSession) SessionID() string                  { return string(s) }
func (pageSession) Update(context.Context, []byte) error { return nil }
func (pageSession) Close(context.Context) error          { return nil }

func splitSessionBody(body string) (string, []byte, error) {
	sid, b64, ok := strings.Cut(body, "|")
	if !ok || sid == "" {
		return "", nil, errSessionBody
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", errSessionBody, err)
	}
	return sid, raw, nil
}

func evaluateIn(ctx context.Context, ctxID runtime.ExecutionContextID, script string) error {
	return chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, exp, err := runtime.Evaluate(script).WithContextID(ctxID).Do(ctx)
		if err != nil {
			return err
		}
		if exp != nil {
			return exp
		}
		return nil
	}))
}

type bindingPayload struct {
	ID   string    `json:"id"`
	Kind cnst.Kind `json:"kind"`
	Body string    `json:"body"`
}

func parseBinding(payload string) (*channel.Message, error) {
	var p bindingPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("decode binding payload: %w", err)
	}
	if p.ID == "" || p.Kind == "" {
		return nil, errEmptyPayload
	}
	return &channel.Message{ID: p.ID, Kind: p.Kind, Body: p.Body}, nil
}

// replyScript builds the call resolving the page-side promise for reply
func replyScript(reply *channel.Reply) string {
	ok := reply.Error == ""
	body := reply.Body
	if !ok {
		body = reply.Error
	}
	id, _ := json.Marshal(reply.ID)
	b, _ := json.Marshal(body)
	return fmt.Sprintf("window.__keyrelayReply(%s,%t,%s)", id, ok, b)
}

func headerMap(h network.Headers) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		switch s := v.(type) {
		case string:
			out[k] = s
		default:
			out[k] = fmt.Sprint(s)
		}
	}
	return out
}

// sniffable reports whether a resource type can carry a manifest
func sniffable(t network.ResourceType) bool {
	switch t {
	case network.ResourceTypeXHR, network.ResourceTypeFetch, network.ResourceTypeDocument, network.ResourceTypeOther:
		return true
	}
	return false
}
