package httpout

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tphakala/framecast/internal/logger"
)

const index = `framecast
  GET  /stream            multipart MJPEG stream
  GET  /snapshot          current frame as JPEG
  GET  /ws                frames as binary WebSocket messages
  GET  /status            host, module and client status
  GET  /metrics           Prometheus metrics
  POST /command/:module   send a control message to a module
`

func (s *Server) newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []logger.Field{
				logger.String("method", v.Method),
				logger.String("uri", v.URI),
				logger.Int("status", v.Status),
				logger.String("ip", v.RemoteIP),
				logger.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, logger.Error(v.Error))
			}
			s.log.Debug("request", fields...)
			return nil
		},
	}))
	if s.user != "" {
		e.Use(middleware.BasicAuth(func(user, password string, _ echo.Context) (bool, error) {
			userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.user)) == 1
			passOK := subtle.ConstantTimeCompare([]byte(password), []byte(s.password)) == 1
			return userOK && passOK, nil
		}))
	}

	e.GET("/stream", s.handleStream)
	e.GET("/snapshot", s.handleSnapshot)
	e.GET("/ws", s.handleWebSocket)
	e.GET("/status", s.handleStatus)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.state.Metrics().Registry(), promhttp.HandlerOpts{})))
	e.POST("/command/:module", s.handleCommand)

	if s.www != "" {
		e.Static("/", s.www)
	} else {
		e.GET("/", func(c echo.Context) error {
			return c.String(http.StatusOK, index)
		})
	}
	return e
}
