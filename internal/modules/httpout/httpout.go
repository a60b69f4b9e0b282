// Package httpout is the default delivery module: an HTTP server that serves
// the current frame as a multipart MJPEG stream, single JPEG snapshots and
// WebSocket messages, plus status, metrics and module control endpoints.
package httpout

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/framecast/internal/errors"
	"github.com/tphakala/framecast/internal/host"
	"github.com/tphakala/framecast/internal/logger"
	"github.com/tphakala/framecast/internal/modules"
	"github.com/tphakala/framecast/internal/secrets"
)

// Name is the module name used on the command line.
const Name = "http"

const (
	defaultPort       = 8080
	shutdownTimeout   = 5 * time.Second
	defaultSessionTTL = 10 * time.Minute
)

func init() {
	host.Register(host.RoleDelivery, Name, "serve frames over HTTP", New)
}

// Server is the HTTP delivery module.
type Server struct {
	id       string
	user     string
	password string
	www      string
	started  time.Time

	echo     *echo.Echo
	listener net.Listener
	source   host.Source
	state    *host.State
	log      logger.Logger
	sessions *sessionStore

	mu      sync.Mutex
	serving bool
	served  chan struct{}
}

// New returns an uninitialized HTTP delivery module.
func New() host.Module { return &Server{} }

// Init parses the options and binds the listening socket, so a port that is
// already in use fails startup.
func (s *Server) Init(p host.Params) error {
	fs := modules.NewFlagSet(Name)
	port := fs.IntP("port", "p", defaultPort, "TCP port, 0 picks a free one")
	listen := fs.StringP("listen", "l", "", "address to listen on, empty for all")
	credentials := fs.StringP("credentials", "c", "", "require basic auth as user:password, ${VAR} or file:/path")
	www := fs.StringP("www", "w", "", "folder with static files served at /")
	ttl := fs.Duration("session-ttl", defaultSessionTTL, "how long finished sessions stay listed")
	if err := modules.ParseFlags(fs, p); err != nil {
		return err
	}

	if *port < 0 || *port > 65535 {
		return modules.InvalidArgument(Name, "port %d out of range", *port)
	}
	if *credentials != "" {
		resolved, err := secrets.Resolve(*credentials)
		if err != nil {
			return err
		}
		user, password, ok := strings.Cut(resolved, ":")
		if !ok || user == "" {
			return modules.InvalidArgument(Name, "credentials must be user:password")
		}
		s.user, s.password = user, password
	}
	if *ttl <= 0 {
		return modules.InvalidArgument(Name, "session-ttl must be positive")
	}

	addr := net.JoinHostPort(*listen, strconv.Itoa(*port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.New(err).
			Component(Name).
			Category(errors.CategoryNetwork).
			Context("address", addr).
			Build()
	}

	s.id = p.Name + "#" + strconv.Itoa(p.Index)
	s.www = *www
	s.listener = ln
	s.source, s.state, s.log = p.Source, p.State, p.Logger
	s.sessions = newSessionStore(*ttl)
	s.started = time.Now()
	s.echo = s.newEcho()

	s.log.Info("http output listening", logger.String("address", ln.Addr().String()))
	return nil
}

// Addr is the bound listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) Run() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.echo.Listener = s.listener
	s.serving = true
	s.served = make(chan struct{})
	go func() {
		defer close(s.served)
		if err := s.echo.Start(s.listener.Addr().String()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http output stopped", logger.Error(err))
			s.state.RequestShutdown("http output failed")
		}
	}()
	return nil
}

// Stop closes the listener and waits for in-flight requests. Streaming
// clients have already been released by the end of stream.
func (s *Server) Stop() error {
	s.mu.Lock()
	serving, served := s.serving, s.served
	s.serving = false
	s.mu.Unlock()

	if !serving {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := s.echo.Shutdown(ctx)
	<-served
	if err != nil {
		return errors.New(err).
			Component(Name).
			Category(errors.CategoryModuleStop).
			Build()
	}
	return nil
}

// Cmd accepts "sessions" and "status".
func (s *Server) Cmd(payload string) (string, error) {
	switch strings.TrimSpace(payload) {
	case "sessions":
		return strconv.Itoa(s.sessions.active()), nil
	case "status":
		return "address=" + s.listener.Addr().String() + " sessions=" + strconv.Itoa(s.sessions.active()), nil
	default:
		return "", modules.InvalidArgument(Name, "unknown command %q", payload)
	}
}
