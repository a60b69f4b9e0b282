// Package httpin is a capture module that pulls frames from another camera
// server, either as a multipart MJPEG stream or by polling a JPEG snapshot URL.
package httpin

import (
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tphakala/framecast/internal/errors"
	"github.com/tphakala/framecast/internal/host"
	"github.com/tphakala/framecast/internal/httpclient"
	"github.com/tphakala/framecast/internal/logger"
	"github.com/tphakala/framecast/internal/modules"
	"github.com/tphakala/framecast/internal/privacy"
	"github.com/tphakala/framecast/internal/secrets"
)

// Name is the capture module name. Names are unique per role, so this does
// not clash with the http delivery module.
const Name = "http"

const defaultMaxFrame = 8 << 20

func init() {
	host.Register(host.RoleCapture, Name, "pull an MJPEG stream or JPEG snapshots over HTTP", New)
}

// Capture reads frames from a remote HTTP source.
type Capture struct {
	url      string
	user     string
	password string
	interval time.Duration
	retry    time.Duration
	maxFrame int64

	client    *httpclient.Client
	publisher host.Publisher
	state     *host.State
	log       logger.Logger
	worker    modules.Worker

	frames   atomic.Uint64
	failures atomic.Uint64
	mode     atomic.Value // string
}

// New returns an uninitialized HTTP capture module.
func New() host.Module { return &Capture{} }

func (c *Capture) Init(p host.Params) error {
	fs := modules.NewFlagSet(Name)
	rawURL := fs.StringP("url", "u", "", "stream or snapshot URL (required)")
	interval := fs.DurationP("interval", "i", time.Second, "poll interval for snapshot URLs")
	retry := fs.Duration("retry", 2*time.Second, "wait before reconnecting after an error")
	timeout := fs.Duration("timeout", httpclient.DefaultTimeout, "response header timeout")
	maxFrame := fs.Int64("max-frame", defaultMaxFrame, "largest accepted frame in bytes")
	user := fs.String("user", "", "basic auth user")
	password := fs.String("password", "", "basic auth password, ${VAR} or file:/path")
	if err := modules.ParseFlags(fs, p); err != nil {
		return err
	}

	if *rawURL == "" {
		return modules.InvalidArgument(Name, "--url is required")
	}
	u, err := url.Parse(*rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return modules.InvalidArgument(Name, "bad url %q", *rawURL)
	}
	if *interval <= 0 || *retry <= 0 || *timeout <= 0 {
		return modules.InvalidArgument(Name, "interval, retry and timeout must be positive")
	}
	if *maxFrame <= 0 {
		return modules.InvalidArgument(Name, "max-frame must be positive")
	}

	secret, err := secrets.Resolve(*password)
	if err != nil {
		return err
	}

	c.url, c.user, c.password = u.String(), *user, secret
	c.interval, c.retry, c.maxFrame = *interval, *retry, *maxFrame
	c.publisher, c.state, c.log = p.Publisher, p.State, p.Logger
	c.mode.Store("connecting")
	if c.client == nil {
		c.client = httpclient.New(&httpclient.Config{ResponseHeaderTimeout: *timeout})
	}
	c.client.SetAfterResponseHook(func(req *http.Request, resp *http.Response, err error) {
		if err != nil {
			c.log.Debug("request failed", logger.String("url", req.URL.Redacted()), logger.Error(err))
			return
		}
		c.log.Trace("response", logger.String("url", req.URL.Redacted()), logger.Int("status", resp.StatusCode))
	})
	return nil
}

func (c *Capture) Run() error {
	c.worker.Start(c.state.Context(), c.loop)
	return nil
}

func (c *Capture) Stop() error {
	c.worker.Stop()
	c.client.Close()
	return nil
}

// Cmd accepts "status".
func (c *Capture) Cmd(payload string) (string, error) {
	if strings.TrimSpace(payload) != "status" {
		return "", modules.InvalidArgument(Name, "unknown command %q", payload)
	}
	return fmt.Sprintf("mode=%s frames=%d failures=%d", c.mode.Load(), c.frames.Load(), c.failures.Load()), nil
}

func (c *Capture) loop(ctx context.Context) {
	for ctx.Err() == nil {
		wait, err := c.fetch(ctx)
		switch {
		case errors.Is(err, host.ErrChannelClosed):
			return
		case err != nil && ctx.Err() == nil:
			c.failures.Add(1)
			c.log.Warn("http source failed", logger.String("url", privacy.RedactURL(c.url)), logger.Error(err))
			wait = c.retry
		}
		if !sleep(ctx, wait) {
			return
		}
	}
}

// fetch performs one request. For a multipart stream it returns when the
// stream ends; for a snapshot it returns the poll interval.
func (c *Capture) fetch(ctx context.Context) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, http.NoBody)
	if err != nil {
		return 0, err
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, errors.New(err).
			Component(Name).
			Category(errors.CategoryNetwork).
			Context("url", req.URL.Redacted()).
			Build()
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return 0, errors.Newf("unexpected status %s", resp.Status).
			Component(Name).
			Category(errors.CategoryHTTP).
			Context("url", req.URL.Redacted()).
			Context("status", resp.StatusCode).
			Build()
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err == nil && strings.HasPrefix(mediaType, "multipart/") {
		boundary := strings.TrimPrefix(params["boundary"], "--")
		if boundary == "" {
			return 0, errors.Newf("multipart response without boundary").
				Component(Name).
				Category(errors.CategoryHTTP).
				Build()
		}
		c.mode.Store("stream")
		return c.retry, c.readStream(resp.Body, boundary)
	}

	c.mode.Store("snapshot")
	data, err := c.readFrame(resp.Body)
	if err != nil {
		return 0, err
	}
	return c.interval, c.publish(data)
}

// readStream publishes every part of a multipart/x-mixed-replace body.
func (c *Capture) readStream(body io.Reader, boundary string) error {
	mr := multipart.NewReader(body, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.New(err).Component(Name).Category(errors.CategoryNetwork).Build()
		}
		data, err := c.readFrame(part)
		_ = part.Close()
		if err != nil {
			return err
		}
		if len(data) == 0 {
			continue
		}
		if err := c.publish(data); err != nil {
			return err
		}
	}
}

func (c *Capture) readFrame(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, c.maxFrame+1))
	if err != nil {
		return nil, errors.New(err).Component(Name).Category(errors.CategoryNetwork).Build()
	}
	if int64(len(data)) > c.maxFrame {
		return nil, errors.Newf("frame larger than %d bytes", c.maxFrame).
			Component(Name).
			Category(errors.CategoryLimit).
			Build()
	}
	return data, nil
}

func (c *Capture) publish(data []byte) error {
	if _, err := c.publisher.Publish(data); err != nil {
		return err
	}
	c.frames.Add(1)
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
