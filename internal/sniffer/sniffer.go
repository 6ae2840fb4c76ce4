package sniffer

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/amoylab/keyrelay/internal/common/cnst"
	"github.com/amoylab/keyrelay/pkg/metrics"
	"go.uber.org/zap"
)

// Sender is the page side of the correlated channel
type Sender interface {
	Send(ctx context.Context, kind cnst.Kind, body string) (string, error)
}

// Report is the MANIFEST message body
type Report struct {
	Type cnst.ManifestType `json:"type"`
	URL  string            `json:"url"`
}

// Reporter delivers classified manifests
type Reporter interface {
	ReportManifest(ctx context.Context, r Report) error
}

// ChannelReporter sends MANIFEST messages through the channel
type ChannelReporter struct {
	Sender Sender
}

func (c *ChannelReporter) ReportManifest(ctx context.Context, r Report) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = c.Sender.Send(ctx, cnst.KindManifest, string(body))
	return err
}

// Sniffer classifies response bodies observed on a page and reports the
// manifests it finds. Failures never reach the observed request.
type Sniffer struct {
	logger   *zap.Logger
	reporter Reporter
	metrics  *metrics.Metrics
}

func New(logger *zap.Logger, reporter Reporter, m *metrics.Metrics) *Sniffer {
	return &Sniffer{
		logger:   logger.Named("sniffer"),
		reporter: reporter,
		metrics:  m,
	}
}

// Inspect classifies body and reports it when it is a manifest. It reports
// whether a manifest was found.
func (s *Sniffer) Inspect(ctx context.Context, url string, body []byte) bool {
	text := string(body)
	matches := Matches(text)
	if len(matches) == 0 {
		return false
	}
	if len(matches) > 1 {
		s.logger.Debug("payload matches several manifest signatures",
			zap.String("url", url),
			zap.Any("matches", matches))
	}

	typ := matches[0]
	s.metrics.Manifest(typ.String())
	if err := s.reporter.ReportManifest(ctx, Report{Type: typ, URL: url}); err != nil {
		s.logger.Warn("failed to report manifest",
			zap.String("url", url),
			zap.String("type", typ.String()),
			zap.Error(err))
	}
	return true
}

// DefaultMaxBody is the largest response body worth classifying
const DefaultMaxBody = 4 << 20

// Completion describes a finished classic request object
type Completion struct {
	Method       string
	URL          string
	ResponseType string
	// Body holds the raw response for text, arraybuffer and blob types
	Body []byte
	// JSON holds the decoded response for the json type
	JSON any
}

const xhrSliceLen = 2000

// ObserveXHR inspects a completed request object. Only GET requests are
// considered and document responses are skipped.
func (s *Sniffer) ObserveXHR(ctx context.Context, c Completion) bool {
	if c.Method != http.MethodGet {
		return false
	}
	var body []byte
	switch c.ResponseType {
	case "", "text", "blob":
		body = c.Body
	case "json":
		data, err := json.Marshal(c.JSON)
		if err != nil {
			s.logger.Debug("failed to marshal json response", zap.String("url", c.URL), zap.Error(err))
			return false
		}
		body = data
	case "arraybuffer":
		body = headAndTail(c.Body, xhrSliceLen)
	default:
		return false
	}
	if len(body) == 0 {
		return false
	}
	return s.Inspect(ctx, c.URL, body)
}

// headAndTail keeps the first and last n bytes, enough to see a manifest's
// opening and closing tags without holding a whole segment.
func headAndTail(b []byte, n int) []byte {
	if len(b) <= 2*n {
		return b
	}
	out := make([]byte, 0, 2*n)
	out = append(out, b[:n]...)
	return append(out, b[len(b)-n:]...)
}
