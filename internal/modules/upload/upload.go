// Package upload is a delivery module that pushes every Nth frame to one or
// more FTP or SFTP servers. Targets are uploaded to concurrently; a failing
// target is logged and retried with the next frame.
package upload

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/tphakala/framecast/internal/errors"
	"github.com/tphakala/framecast/internal/host"
	"github.com/tphakala/framecast/internal/logger"
	"github.com/tphakala/framecast/internal/modules"
	"github.com/tphakala/framecast/internal/privacy"
	"github.com/tphakala/framecast/internal/secrets"
)

// Name is the module name used on the command line.
const Name = "upload"

var (
	errScheme = errors.NewStd("scheme must be ftp or sftp")
	errNoHost = errors.NewStd("missing host")
	errPort   = errors.NewStd("bad port")
)

func init() {
	host.Register(host.RoleDelivery, Name, "upload frames to FTP or SFTP servers", New)
}

// dialers maps a target scheme to its uploader constructor.
var dialers = map[string]dialFunc{
	"ftp":  dialFTP,
	"sftp": dialSFTP,
}

// Uploader is the upload delivery module.
type Uploader struct {
	every     uint64
	name      string
	timestamp bool
	timeout   time.Duration

	// dial overrides dialers, for tests
	dial dialFunc

	targets []target
	remotes []uploader
	source  host.Source
	state   *host.State
	log     logger.Logger
	worker  modules.Worker
	metrics *uploadMetrics

	seen     atomic.Uint64
	uploaded atomic.Uint64
	failed   atomic.Uint64
	mu       sync.Mutex
	lastErr  error
}

// New returns an uninitialized upload module.
func New() host.Module { return &Uploader{} }

func (u *Uploader) Init(p host.Params) error {
	fs := modules.NewFlagSet(Name)
	targets := fs.StringArrayP("target", "t", nil, "ftp:// or sftp:// URL with user, password and folder, repeatable")
	every := fs.Uint64P("every", "n", 1, "upload every Nth frame")
	name := fs.String("name", "snapshot.jpg", "remote file name")
	timestamp := fs.Bool("timestamp", false, "prefix the remote name with the frame time")
	timeout := fs.Duration("timeout", 10*time.Second, "connect and transfer timeout per target")
	keyFile := fs.String("key", "", "SSH private key for sftp targets")
	knownHosts := fs.String("known-hosts", "", "known_hosts file used to verify sftp servers")
	if err := modules.ParseFlags(fs, p); err != nil {
		return err
	}

	if len(*targets) == 0 {
		return modules.InvalidArgument(Name, "at least one --target is required")
	}
	if *every == 0 {
		return modules.InvalidArgument(Name, "--every must be at least 1")
	}
	if *name == "" || strings.Contains(*name, "/") {
		return modules.InvalidArgument(Name, "--name must be a plain file name")
	}
	if *timeout <= 0 {
		return modules.InvalidArgument(Name, "--timeout must be positive")
	}

	opts := options{timeout: *timeout, keyFile: *keyFile, knownHosts: *knownHosts}
	for _, raw := range *targets {
		resolved, err := secrets.Resolve(raw)
		if err != nil {
			return err
		}
		t, err := parseTarget(resolved)
		if err != nil {
			return modules.InvalidArgument(Name, "target: %v", privacy.WrapError(err))
		}
		dial := u.dial
		if dial == nil {
			dial = dialers[t.scheme]
		}
		r, err := dial(t, opts)
		if err != nil {
			u.closeRemotes()
			return errors.New(err).
				Component(Name).
				Category(errors.CategoryConfiguration).
				Context("target", t.String()).
				Build()
		}
		u.targets = append(u.targets, t)
		u.remotes = append(u.remotes, r)
	}

	metrics, err := registerMetrics(p.State.Metrics().Registry())
	if err != nil {
		u.closeRemotes()
		return err
	}

	u.every, u.name, u.timestamp, u.timeout = *every, *name, *timestamp, *timeout
	u.metrics = metrics
	u.source, u.state, u.log = p.Source, p.State, p.Logger
	return nil
}

func (u *Uploader) Run() error {
	u.worker.Start(u.state.Context(), func(ctx context.Context) {
		_ = modules.Consume(ctx, u.source, func(f host.Frame) error {
			if (u.seen.Add(1)-1)%u.every != 0 {
				return nil
			}
			u.uploadAll(ctx, f)
			return nil
		})
	})
	return nil
}

func (u *Uploader) Stop() error {
	u.worker.Stop()
	u.closeRemotes()
	return nil
}

func (u *Uploader) closeRemotes() {
	for i, r := range u.remotes {
		if err := r.Close(); err != nil && u.log != nil {
			u.log.Debug("close upload target", logger.String("target", u.targets[i].String()), logger.Error(err))
		}
	}
	u.remotes, u.targets = nil, nil
}

// Cmd accepts "status".
func (u *Uploader) Cmd(payload string) (string, error) {
	if strings.TrimSpace(payload) != "status" {
		return "", modules.InvalidArgument(Name, "unknown command %q", payload)
	}
	u.mu.Lock()
	lastErr := u.lastErr
	u.mu.Unlock()
	out := fmt.Sprintf("targets=%d seen=%d uploaded=%d failed=%d",
		len(u.targets), u.seen.Load(), u.uploaded.Load(), u.failed.Load())
	if lastErr != nil {
		out += " last_error=" + privacy.ScrubMessage(lastErr.Error())
	}
	return out, nil
}

func (u *Uploader) remoteName(f host.Frame) string {
	if !u.timestamp {
		return u.name
	}
	return f.Timestamp.UTC().Format("20060102T150405.000Z") + "_" + u.name
}

// uploadAll sends one frame to every target and waits for all of them.
// Frames published meanwhile are superseded.
func (u *Uploader) uploadAll(ctx context.Context, f host.Frame) {
	name := u.remoteName(f)
	var g errgroup.Group
	for i, r := range u.remotes {
		t := u.targets[i]
		g.Go(func() error {
			tctx, cancel := context.WithTimeout(ctx, u.timeout)
			defer cancel()

			start := time.Now()
			err := r.Upload(tctx, name, f.Data)
			u.metrics.observe(t.String(), time.Since(start), err)
			if err != nil {
				u.failed.Add(1)
				u.mu.Lock()
				u.lastErr = err
				u.mu.Unlock()
				if ctx.Err() == nil {
					u.log.Warn("upload failed", logger.String("target", t.String()), logger.Error(err))
				}
				return err
			}
			u.uploaded.Add(1)
			u.log.Trace("frame uploaded", logger.String("target", t.String()), logger.String("name", name))
			return nil
		})
	}
	_ = g.Wait()
}

// uploadMetrics counts uploads per target.
type uploadMetrics struct {
	uploads  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// registerMetrics registers the upload collectors, reusing them when another
// upload instance registered them first.
func registerMetrics(reg prometheus.Registerer) (*uploadMetrics, error) {
	m := &uploadMetrics{
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "framecast_uploads_total",
			Help: "Frame uploads by target and result",
		}, []string{"target", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "framecast_upload_duration_seconds",
			Help:    "Time spent uploading one frame to one target",
			Buckets: prometheus.DefBuckets,
		}, []string{"target"}),
	}
	if reg == nil {
		return m, nil
	}
	if err := reg.Register(m.uploads); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		m.uploads = are.ExistingCollector.(*prometheus.CounterVec)
	}
	if err := reg.Register(m.duration); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		m.duration = are.ExistingCollector.(*prometheus.HistogramVec)
	}
	return m, nil
}

func (m *uploadMetrics) observe(target string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.uploads.WithLabelValues(target, result).Inc()
	m.duration.WithLabelValues(target).Observe(d.Seconds())
}
