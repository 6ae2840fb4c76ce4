package cdm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// RemoteClient speaks the remote CDM HTTP protocol:
//
//	GET  /{device}/open
//	POST /{device}/get_license_challenge
//	POST /{device}/parse_license
//	POST /{device}/get_keys
//	GET  /{device}/close/{session_id}
//
// Every request carries the X-Secret-Key header and every response is a JSON
// document {status, message, data}.
type RemoteClient struct {
	logger *zap.Logger
	http   *http.Client
	host   string
	secret string
	device string
	// blob, when set, is uploaded on open so the service can load a device
	// it does not hold itself
	blob []byte

	mu       sync.Mutex
	sessions map[string]string
}

var (
	_ CDM           = (*RemoteClient)(nil)
	_ SessionCloser = (*RemoteClient)(nil)
)

// RemoteOption configures a RemoteClient
type RemoteOption func(*RemoteClient)

// WithHTTPClient sets the http client used for CDM calls
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *RemoteClient) { r.http = c }
}

// WithDeviceBlob uploads the device on session open
func WithDeviceBlob(blob []byte) RemoteOption {
	return func(r *RemoteClient) { r.blob = blob }
}

func NewRemoteClient(logger *zap.Logger, host, secret, device string, opts ...RemoteOption) *RemoteClient {
	c := &RemoteClient{
		logger:   logger.Named("cdm.remote"),
		http:     http.DefaultClient,
		host:     strings.TrimRight(host, "/"),
		secret:   secret,
		device:   device,
		sessions: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RemoteClient) Generate(ctx context.Context, req Request) ([]byte, error) {
	sid, err := c.open(ctx)
	if err != nil {
		return nil, wrap("open", err)
	}

	res, err := c.call(ctx, http.MethodPost, "get_license_challenge", map[string]any{
		"session_id":     sid,
		"init_data":      req.WRMHeader,
		"rev_lists":      req.RevocationLists,
		"client_version": req.ClientVersion,
	})
	if err != nil {
		c.closeRemote(ctx, sid)
		return nil, wrap("get_license_challenge", err)
	}
	challenge := res.Get("data.challenge").String()
	if challenge == "" {
		c.closeRemote(ctx, sid)
		return nil, wrap("get_license_challenge", errors.New("empty challenge"))
	}

	c.mu.Lock()
	if old, ok := c.sessions[req.SessionHint]; ok {
		defer c.closeRemote(ctx, old)
	}
	c.sessions[req.SessionHint] = sid
	c.mu.Unlock()
	return []byte(challenge), nil
}

func (c *RemoteClient) Parse(ctx context.Context, sessionHint string, license []byte) ([]Key, error) {
	c.mu.Lock()
	sid, ok := c.sessions[sessionHint]
	delete(c.sessions, sessionHint)
	c.mu.Unlock()
	if !ok {
		return nil, wrap("parse_license", fmt.Errorf("no remote session for %q", sessionHint))
	}
	defer c.closeRemote(ctx, sid)

	if _, err := c.call(ctx, http.MethodPost, "parse_license", map[string]any{
		"session_id":      sid,
		"license_message": string(license),
	}); err != nil {
		return nil, wrap("parse_license", err)
	}

	res, err := c.call(ctx, http.MethodPost, "get_keys", map[string]any{"session_id": sid})
	if err != nil {
		return nil, wrap("get_keys", err)
	}

	var keys []Key
	for _, k := range res.Get("data.keys").Array() {
		kid, err := decodeHex(k.Get("key_id").String())
		if err != nil {
			return nil, wrap("get_keys", fmt.Errorf("key_id: %w", err))
		}
		key, err := decodeHex(k.Get("key").String())
		if err != nil {
			return nil, wrap("get_keys", fmt.Errorf("key: %w", err))
		}
		keys = append(keys, Key{KeyID: kid, Key: key})
	}
	return keys, nil
}

// CloseSession drops the remote session paired with sessionHint, if any
func (c *RemoteClient) CloseSession(ctx context.Context, sessionHint string) error {
	c.mu.Lock()
	sid, ok := c.sessions[sessionHint]
	delete(c.sessions, sessionHint)
	c.mu.Unlock()
	if ok {
		c.closeRemote(ctx, sid)
	}
	return nil
}

func (c *RemoteClient) open(ctx context.Context) (string, error) {
	var (
		res gjson.Result
		err error
	)
	if len(c.blob) > 0 {
		res, err = c.call(ctx, http.MethodPost, "open", map[string]any{
			"device": base64.StdEncoding.EncodeToString(c.blob),
		})
	} else {
		res, err = c.call(ctx, http.MethodGet, "open", nil)
	}
	if err != nil {
		return "", err
	}
	sid := res.Get("data.session_id").String()
	if sid == "" {
		return "", errors.New("no session id in response")
	}
	return sid, nil
}

func (c *RemoteClient) closeRemote(ctx context.Context, sid string) {
	if _, err := c.call(ctx, http.MethodGet, "close/"+url.PathEscape(sid), nil); err != nil {
		c.logger.Warn("failed to close remote session", zap.String("session", sid), zap.Error(err))
	}
}

func (c *RemoteClient) call(ctx context.Context, method, op string, body any) (gjson.Result, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return gjson.Result{}, err
		}
		reader = bytes.NewReader(data)
	}
	endpoint := fmt.Sprintf("%s/%s/%s", c.host, url.PathEscape(c.device), op)
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return gjson.Result{}, err
	}
	req.Header.Set("X-Secret-Key", c.secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return gjson.Result{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, err
	}
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, fmt.Errorf("%s: http %d: invalid json response", op, resp.StatusCode)
	}
	res := gjson.ParseBytes(data)
	status := res.Get("status")
	if resp.StatusCode >= 300 || (status.Exists() && status.Int() != http.StatusOK) {
		return res, fmt.Errorf("%s: http %d: %s", op, resp.StatusCode, res.Get("message").String())
	}
	return res, nil
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.ReplaceAll(s, "-", ""))
}
