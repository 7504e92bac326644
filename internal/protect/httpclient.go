package protect

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/stphnsmpsn/unifi-protect-backup/internal/secrets"
)

const (
	loginPath     = "/api/auth/login"
	bootstrapPath = "/proxy/protect/api/bootstrap"
	eventsPath    = "/proxy/protect/api/events"
	exportPath    = "/proxy/protect/api/video/export"

	// stallTimeout aborts a clip download that makes no progress.
	stallTimeout = 30 * time.Second
)

// HTTPClient talks to a UniFi Protect controller over HTTPS and its
// updates WebSocket. The CSRF token is swapped atomically on refresh so
// concurrent requests never see a torn credential.
type HTTPClient struct {
	baseURL   string
	username  string
	password  secrets.Value
	verifySSL bool

	http      *http.Client
	csrfToken atomic.Value // string
}

type Options struct {
	Address   string
	Port      int
	Username  string
	Password  secrets.Value
	VerifySSL bool
}

func NewHTTPClient(opts Options) (*HTTPClient, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: !opts.VerifySSL},
	}
	c := &HTTPClient{
		baseURL:   fmt.Sprintf("https://%s:%d", opts.Address, opts.Port),
		username:  opts.Username,
		password:  opts.Password,
		verifySSL: opts.VerifySSL,
		http: &http.Client{
			Jar:       jar,
			Transport: transport,
		},
	}
	c.csrfToken.Store("")
	return c, nil
}

func (c *HTTPClient) Login(ctx context.Context) error {
	body, err := json.Marshal(map[string]any{
		"username":   c.username,
		"password":   c.password.Reveal(),
		"rememberMe": true,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+loginPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return ErrAuth
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login: unexpected status %d", resp.StatusCode)
	}
	if token := resp.Header.Get("X-CSRF-Token"); token != "" {
		c.csrfToken.Store(token)
	}
	return nil
}

func (c *HTTPClient) GetBootstrap(ctx context.Context) (*Bootstrap, error) {
	var bs Bootstrap
	if err := c.getJSON(ctx, bootstrapPath, nil, &bs); err != nil {
		return nil, err
	}
	return &bs, nil
}

func (c *HTTPClient) ListEvents(ctx context.Context, from, to time.Time) ([]Event, error) {
	q := url.Values{}
	// The controller speaks epoch milliseconds.
	q.Set("start", strconv.FormatInt(from.UnixMilli(), 10))
	q.Set("end", strconv.FormatInt(to.UnixMilli(), 10))

	var wire []wireEvent
	if err := c.getJSON(ctx, eventsPath, q, &wire); err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(wire))
	for _, w := range wire {
		out = append(out, w.toEvent())
	}
	return out, nil
}

func (c *HTTPClient) FetchClip(ctx context.Context, cameraID string, start, end int64) (io.ReadCloser, error) {
	q := url.Values{}
	q.Set("camera", cameraID)
	q.Set("start", strconv.FormatInt(start*1000, 10))
	q.Set("end", strconv.FormatInt(end*1000, 10))

	ctx, cancel := context.WithCancel(ctx)
	resp, err := c.do(ctx, http.MethodGet, exportPath, q, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusGone:
		resp.Body.Close()
		cancel()
		return nil, ErrClipUnavailable
	default:
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("fetch clip: unexpected status %d", resp.StatusCode)
	}
	return newStallReader(resp.Body, cancel, stallTimeout), nil
}

// do issues one request, refreshing the session once on a 401.
func (c *HTTPClient) do(ctx context.Context, method, path string, q url.Values, body io.Reader) (*http.Response, error) {
	resp, err := c.doOnce(ctx, method, path, q, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	resp.Body.Close()

	log.Printf("[INFO] protect: session expired, re-authenticating")
	if err := c.Login(ctx); err != nil {
		return nil, err
	}
	resp, err = c.doOnce(ctx, method, path, q, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, ErrAuth
	}
	return resp, nil
}

func (c *HTTPClient) doOnce(ctx context.Context, method, path string, q url.Values, body io.Reader) (*http.Response, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	if token, _ := c.csrfToken.Load().(string); token != "" {
		req.Header.Set("X-CSRF-Token", token)
	}
	return c.http.Do(req)
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, q url.Values, dst any) error {
	resp, err := c.do(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

// wireEvent is the history API's representation: millisecond timestamps.
type wireEvent struct {
	ID               string   `json:"id"`
	Camera           string   `json:"camera"`
	Type             string   `json:"type"`
	SmartDetectTypes []string `json:"smartDetectTypes"`
	Start            int64    `json:"start"`
	End              *int64   `json:"end"`
}

func (w wireEvent) toEvent() Event {
	e := Event{
		ID:               w.ID,
		CameraID:         w.Camera,
		Type:             w.Type,
		SmartDetectTypes: w.SmartDetectTypes,
		Start:            w.Start / 1000,
	}
	if w.End != nil {
		v := *w.End / 1000
		e.End = &v
	}
	return e
}

// stallReader cancels the underlying request when no bytes arrive for
// the timeout, so a wedged export stream cannot hang the pipeline.
type stallReader struct {
	rc     io.ReadCloser
	cancel context.CancelFunc
	timer  *time.Timer
}

func newStallReader(rc io.ReadCloser, cancel context.CancelFunc, timeout time.Duration) *stallReader {
	return &stallReader{
		rc:     rc,
		cancel: cancel,
		timer:  time.AfterFunc(timeout, cancel),
	}
}

func (s *stallReader) Read(p []byte) (int, error) {
	n, err := s.rc.Read(p)
	if n > 0 {
		s.timer.Reset(stallTimeout)
	}
	return n, err
}

func (s *stallReader) Close() error {
	s.timer.Stop()
	s.cancel()
	return s.rc.Close()
}
