package httpout

import (
	"io"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/tphakala/framecast/internal/errors"
	"github.com/tphakala/framecast/internal/host"
)

const maxCommandSize = 4096

// Status is the body of GET /status.
type Status struct {
	Output     string              `json:"output"`
	Uptime     string              `json:"uptime"`
	Generation uint64              `json:"generation"`
	LastFrame  time.Time           `json:"lastFrame,omitzero"`
	FrameSize  int                 `json:"frameSize"`
	Outputs    int                 `json:"outputs"`
	Modules    []host.ModuleStatus `json:"modules"`
	Sessions   []sessionInfo       `json:"sessions"`
	Process    ProcessStatus       `json:"process"`
}

// ProcessStatus reports resource usage of this process.
type ProcessStatus struct {
	PID             int     `json:"pid"`
	Goroutines      int     `json:"goroutines"`
	CPUPercent      float64 `json:"cpuPercent"`
	RSSBytes        uint64  `json:"rssBytes"`
	Threads         int32   `json:"threads"`
	SystemMemTotal  uint64  `json:"systemMemTotal"`
	SystemMemUsedPc float64 `json:"systemMemUsedPercent"`
}

func (s *Server) handleStatus(c echo.Context) error {
	st := Status{
		Output:   s.id,
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Outputs:  s.state.OutputCount(),
		Modules:  s.state.Modules(),
		Sessions: s.sessions.list(),
		Process:  processStatus(),
	}
	if f, err := s.source.Latest(nil); err == nil {
		st.Generation, st.LastFrame, st.FrameSize = f.Generation, f.Timestamp, len(f.Data)
	}
	return c.JSON(http.StatusOK, st)
}

// processStatus collects what it can; unavailable figures stay zero.
func processStatus() ProcessStatus {
	ps := ProcessStatus{PID: os.Getpid(), Goroutines: runtime.NumGoroutine()}
	if proc, err := process.NewProcess(int32(ps.PID)); err == nil { //nolint:gosec // pids fit in int32
		if pct, err := proc.CPUPercent(); err == nil {
			ps.CPUPercent = pct
		}
		if mi, err := proc.MemoryInfo(); err == nil && mi != nil {
			ps.RSSBytes = mi.RSS
		}
		if n, err := proc.NumThreads(); err == nil {
			ps.Threads = n
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		ps.SystemMemTotal, ps.SystemMemUsedPc = vm.Total, vm.UsedPercent
	}
	return ps
}

// handleCommand forwards the request body to the named module's Cmd.
func (s *Server) handleCommand(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxCommandSize+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "cannot read command")
	}
	if len(body) > maxCommandSize {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "command too long")
	}

	out, err := s.state.Command(c.Param("module"), strings.TrimSpace(string(body)))
	switch {
	case err == nil:
		return c.String(http.StatusOK, out)
	case errors.Is(err, host.ErrModuleNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, host.ErrNotCommandable),
		errors.IsCategory(err, errors.CategoryValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
