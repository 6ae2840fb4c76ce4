package challenge

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	"github.com/amoylab/keyrelay/internal/common/cnst"
	"github.com/antchfx/xmlquery"
	"golang.org/x/text/encoding/unicode"
)

const bom = "\ufeff"

var (
	// The header is cut out of the raw text on purpose: a strict XML round
	// trip can drop end tags the license server needs.
	wrmHeaderRe = regexp.MustCompile(`<WRMHEADER.*?WRMHEADER>`)
	challengeRe = regexp.MustCompile(`(?s)<Challenge(?:\s[^>]*)?>(.*?)</Challenge>`)

	utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
)

// KeyMessage is a decoded PlayReady key message: a UTF-16LE XML envelope
// whose Challenge element carries the base64 license challenge.
type KeyMessage struct {
	envelope string
	hasBOM   bool
	// byte offsets of the Challenge element's text inside envelope
	start, end int

	challenge string
	doc       *xmlquery.Node
	docErr    error
}

// Decode parses a raw key message
func Decode(raw []byte) (*KeyMessage, error) {
	envelope, err := DecodeUTF16LE(raw)
	if err != nil {
		return nil, fmt.Errorf("decode key message: %w", err)
	}
	m := &KeyMessage{envelope: envelope}
	if strings.HasPrefix(envelope, bom) {
		m.hasBOM = true
		m.envelope = strings.TrimPrefix(envelope, bom)
	}

	loc := challengeRe.FindStringSubmatchIndex(m.envelope)
	if loc == nil {
		return nil, cnst.ErrNoChallenge
	}
	m.start, m.end = loc[2], loc[3]

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(m.envelope[m.start:m.end]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cnst.ErrNoChallenge, err)
	}
	m.challenge = string(decoded)
	m.doc, m.docErr = xmlquery.Parse(strings.NewReader(m.challenge))
	return m, nil
}

// Challenge returns the decoded challenge document text
func (m *KeyMessage) Challenge() string {
	return m.challenge
}

// WRMHeader returns the verbatim WRMHEADER element of the challenge
func (m *KeyMessage) WRMHeader() (string, error) {
	h := wrmHeaderRe.FindString(m.challenge)
	if h == "" {
		return "", cnst.ErrNoCorrelationKey
	}
	return h, nil
}

// RevocationLists returns the serialized RevocationLists element, or an empty
// string when the challenge has none.
func (m *KeyMessage) RevocationLists() string {
	if n := m.find("RevocationLists"); n != nil {
		return n.OutputXML(true)
	}
	return ""
}

// ClientVersion returns the CLIENTVERSION text, or an empty string
func (m *KeyMessage) ClientVersion() string {
	if n := m.find("CLIENTVERSION"); n != nil {
		return n.InnerText()
	}
	return ""
}

// ParseErr reports why the challenge could not be parsed as XML, in which
// case the secondary fields are empty.
func (m *KeyMessage) ParseErr() error {
	return m.docErr
}

func (m *KeyMessage) find(local string) *xmlquery.Node {
	if m.doc == nil {
		return nil
	}
	return xmlquery.FindOne(m.doc, "//*[local-name()='"+local+"']")
}

// Replace substitutes a new challenge into the envelope, keeping every other
// byte, and encodes the result back to UTF-16LE.
func (m *KeyMessage) Replace(challenge []byte) ([]byte, error) {
	var b strings.Builder
	if m.hasBOM {
		b.WriteString(bom)
	}
	b.WriteString(m.envelope[:m.start])
	b.WriteString(base64.StdEncoding.EncodeToString(challenge))
	b.WriteString(m.envelope[m.end:])
	return EncodeUTF16LE(b.String())
}

func DecodeUTF16LE(raw []byte) (string, error) {
	if len(raw)%2 != 0 {
		return "", fmt.Errorf("odd length %d for utf-16 data", len(raw))
	}
	out, err := utf16le.NewDecoder().Bytes(raw)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func EncodeUTF16LE(s string) ([]byte, error) {
	return utf16le.NewEncoder().Bytes([]byte(s))
}
