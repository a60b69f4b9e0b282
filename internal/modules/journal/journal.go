// Package journal is a delivery module that keeps a SQLite journal of the
// frames it saw: generation, size and capture time per row.
package journal

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tphakala/framecast/internal/host"
	"github.com/tphakala/framecast/internal/logger"
	"github.com/tphakala/framecast/internal/modules"
)

// Name is the module name used on the command line.
const Name = "journal"

const (
	pruneEvery = 100
	cmdTimeout = 5 * time.Second
)

func init() {
	host.Register(host.RoleDelivery, Name, "record frame metadata in SQLite", New)
}

// Journal is the journal delivery module.
type Journal struct {
	id     string
	keep   int
	every  uint64
	store  *Store
	source host.Source
	state  *host.State
	log    logger.Logger
	worker modules.Worker

	seen     atomic.Uint64
	inserted atomic.Uint64
}

// New returns an uninitialized journal module.
func New() host.Module { return &Journal{} }

func (j *Journal) Init(p host.Params) error {
	fs := modules.NewFlagSet(Name)
	path := fs.StringP("db", "d", "framecast.db", "SQLite database file")
	keep := fs.IntP("keep", "k", 0, "keep at most this many rows, 0 keeps all")
	every := fs.Uint64P("every", "n", 1, "record every Nth frame")
	if err := modules.ParseFlags(fs, p); err != nil {
		return err
	}
	if *path == "" {
		return modules.InvalidArgument(Name, "--db is required")
	}
	if *keep < 0 {
		return modules.InvalidArgument(Name, "negative keep %d", *keep)
	}
	if *every == 0 {
		return modules.InvalidArgument(Name, "--every must be at least 1")
	}

	store, err := OpenStore(*path, p.Logger.Module("db"))
	if err != nil {
		return err
	}

	j.id = p.Name + "#" + strconv.Itoa(p.Index)
	j.keep, j.every, j.store = *keep, *every, store
	j.source, j.state, j.log = p.Source, p.State, p.Logger
	j.log.Info("journal opened", logger.String("db", *path))
	return nil
}

func (j *Journal) Run() error {
	j.worker.Start(j.state.Context(), func(ctx context.Context) {
		err := modules.Consume(ctx, j.source, func(f host.Frame) error {
			if (j.seen.Add(1)-1)%j.every != 0 {
				return nil
			}
			return j.record(f)
		})
		if err != nil {
			j.log.Error("journal write failed", logger.Error(err))
			j.state.RequestShutdown("journal cannot write")
		}
	})
	return nil
}

// record inserts the frame. Cancellation of the host context must not lose
// the row being written, so inserts use their own context.
func (j *Journal) record(f host.Frame) error {
	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()

	if err := j.store.Record(ctx, &FrameRecord{
		Output:     j.id,
		Generation: f.Generation,
		Size:       len(f.Data),
		CapturedAt: f.Timestamp,
		StoredAt:   time.Now(),
	}); err != nil {
		return err
	}
	n := j.inserted.Add(1)
	if j.keep > 0 && n%pruneEvery == 0 {
		removed, err := j.store.Prune(ctx, j.keep)
		if err != nil {
			return err
		}
		j.log.Debug("journal pruned", logger.Int64("rows", removed))
	}
	return nil
}

func (j *Journal) Stop() error {
	j.worker.Stop()
	if j.keep > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
		if _, err := j.store.Prune(ctx, j.keep); err != nil {
			j.log.Warn("final prune failed", logger.Error(err))
		}
		cancel()
	}
	return j.store.Close()
}

// Cmd accepts "count" and "latest".
func (j *Journal) Cmd(payload string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()

	switch strings.TrimSpace(payload) {
	case "count":
		n, err := j.store.Count(ctx)
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(n, 10), nil
	case "latest":
		r, err := j.store.Latest(ctx)
		if err != nil {
			return "", err
		}
		out, err := json.Marshal(r)
		if err != nil {
			return "", err
		}
		return string(out), nil
	default:
		return "", modules.InvalidArgument(Name, "unknown command %q", payload)
	}
}
