package ratmand

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/irdest/ratman/db/ratmandb"
	"github.com/irdest/ratman/pkg/clientapi"
	"github.com/irdest/ratman/pkg/collector"
	"github.com/irdest/ratman/pkg/dispatch"
	"github.com/irdest/ratman/pkg/journal"
	"github.com/irdest/ratman/pkg/links"
	"github.com/irdest/ratman/pkg/protocol"
	"github.com/irdest/ratman/pkg/routes"
	"github.com/irdest/ratman/pkg/types"
)

// Server is the runtime context: it owns every subsystem and supervises
// their tasks.
type Server struct {
	Logger zerolog.Logger

	StateDir string
	APIAddr  string

	Registry  *ratmandb.DB
	Journal   *journal.Journal
	Links     *links.Map
	Routes    *routes.Table
	Collector *collector.Collector
	Assembler *collector.Assembler
	Switch    *dispatch.Switch
	Subs      *clientapi.Subs
	API       *clientapi.Server
	Metrics   *metrics.Set

	announceDelay time.Duration
	spoolDir      string
	lock          *os.File
	reload        []func()

	mu         sync.Mutex
	runCtx     context.Context
	announcers map[types.Address]context.CancelFunc
	tasks      sync.WaitGroup
}

// NewServer configures a new runtime from c, which is assumed to be
// initialized to default or configured values (as done by UnmarshalEnv).
func NewServer(c *Config) (*Server, error) {
	s := &Server{
		APIAddr:       c.APIAddr,
		Links:         links.NewMap(),
		Metrics:       metrics.NewSet(),
		announceDelay: c.AnnounceDelay,
		announcers:    make(map[types.Address]context.CancelFunc),
	}
	var success bool
	defer func() {
		if !success {
			s.Close()
		}
	}()

	if l, fn, err := configureLogging(c); err == nil {
		s.Logger = l
		if fn != nil {
			s.reload = append(s.reload, fn)
		}
	} else {
		return nil, fmt.Errorf("initialize logging: %w", err)
	}

	if c.AnnounceDelay <= 0 {
		return nil, fmt.Errorf("%w: announce delay %v", types.ErrBadConfig, c.AnnounceDelay)
	}

	dir := c.StateDir
	if dir == "" {
		var err error
		if dir, err = defaultStateDir(); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrBadConfig, err)
		}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	s.StateDir = dir

	if lock, err := lockStateDir(dir); err == nil {
		s.lock = lock
	} else {
		return nil, err
	}

	s.spoolDir = filepath.Join(dir, "spool")
	if err := os.MkdirAll(s.spoolDir, 0o700); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}

	if j, err := journal.Open(filepath.Join(dir, "journal")); err == nil {
		s.Journal = j
	} else {
		return nil, err
	}

	// clients and addrs share one registry database so their upserts
	// commit atomically before a client API call is acknowledged
	regDir := filepath.Join(dir, "journal", "clients")
	if err := os.MkdirAll(regDir, 0o700); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	if reg, err := ratmandb.Open(filepath.Join(regDir, "registry.db")); err == nil {
		s.Registry = reg
	} else {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	if cur, req, err := s.Registry.Version(); err != nil {
		return nil, fmt.Errorf("registry version: %w", err)
	} else if cur != req {
		if err := s.Registry.MigrateUp(context.Background(), req); err != nil {
			return nil, fmt.Errorf("migrate registry: %w", err)
		}
	}

	s.Routes = routes.NewTable(s.Logger, s.Journal.Routes)
	if err := s.Routes.Load(context.Background()); err != nil {
		return nil, fmt.Errorf("load routes: %w", err)
	}

	s.Subs = clientapi.NewSubs(s.Logger)
	s.Collector = collector.New(s.Logger, s.Journal.BlockStore())
	s.Assembler = collector.NewAssembler(s.Logger, s.Journal, s.Subs.Deliver, s.Subs.HasSubscriber)

	s.Switch = dispatch.New(dispatch.Config{
		Log:       s.Logger,
		Links:     s.Links,
		Routes:    s.Routes,
		Journal:   s.Journal,
		Collector: s.Collector,
		Assembler: s.Assembler,
		Metrics:   s.Metrics,
		IsLocal:   s.isLocal,
		IsMember:  func(ns types.Address) bool { return s.API.IsMember(ns) },
	})

	s.API = clientapi.NewServer(clientapi.Config{
		Log:              s.Logger,
		Registry:         s.Registry,
		Journal:          s.Journal,
		Switch:           s.Switch,
		Routes:           s.Routes,
		Subs:             s.Subs,
		Ctl:              s,
		SpoolDir:         s.spoolDir,
		MinClientVersion: c.MinClientVersion,
		TryPending:       s.Assembler.TryPending,
	})

	success = true
	return s, nil
}

func (s *Server) isLocal(addr types.Address) bool {
	_, ok, err := s.Registry.GetAddr(context.Background(), addr)
	return err == nil && ok
}

// Run starts every long-running task and blocks until ctx fires and the
// tasks have drained.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	apiListener, err := net.Listen("tcp", s.APIAddr)
	if err != nil {
		return fmt.Errorf("bind client api: %w", err)
	}
	s.Logger.Info().
		Str("api", apiListener.Addr().String()).
		Str("state", s.StateDir).
		Int("links", s.Links.Len()).
		Msg("ratmand running")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Switch.Run(ctx) })
	g.Go(func() error { return s.API.Serve(ctx, apiListener) })
	g.Go(func() error { return s.sweep(ctx) })

	err = g.Wait()

	// drain: stop announcers, wait for assemblers, flush storage
	s.mu.Lock()
	for addr, cancel := range s.announcers {
		cancel()
		delete(s.announcers, addr)
	}
	s.mu.Unlock()
	s.tasks.Wait()
	s.Assembler.Wait()

	if cerr := s.Close(); cerr != nil {
		s.Logger.Warn().Err(cerr).Msg("shutdown flush failed")
	}
	s.Logger.Info().Msg("ratmand stopped")
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// sweep periodically demotes quiet routes.
func (s *Server) sweep(ctx context.Context) error {
	t := time.NewTicker(s.announceDelay)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.Routes.Sweep(ctx, s.announceDelay)
		case <-ctx.Done():
			return nil
		}
	}
}

// HandleSIGHUP reopens the log file.
func (s *Server) HandleSIGHUP() {
	for _, fn := range s.reload {
		fn()
	}
}

// AddressUp starts the announcer task for addr.
func (s *Server) AddressUp(addr types.Address, priv ed25519.PrivateKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx == nil {
		return fmt.Errorf("router is not running")
	}
	if _, up := s.announcers[addr]; up {
		return nil
	}
	actx, cancel := context.WithCancel(s.runCtx)
	s.announcers[addr] = cancel

	a := protocol.NewAnnouncer(s.Logger, s.Switch, addr, priv, s.announceDelay)
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		if err := a.Run(actx); err != nil {
			s.Logger.Warn().Stringer("addr", addr).Err(err).Msg("announcer failed")
		}
	}()
	return nil
}

// AddressDown stops the announcer task for addr.
func (s *Server) AddressDown(addr types.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, up := s.announcers[addr]; up {
		cancel()
		delete(s.announcers, addr)
	}
	return nil
}

// Close releases storage and the state lock. Safe to call more than
// once.
func (s *Server) Close() error {
	var err error
	if s.Journal != nil {
		err = s.Journal.Close()
		s.Journal = nil
	}
	if s.Registry != nil {
		if cerr := s.Registry.Close(); cerr != nil && err == nil {
			err = cerr
		}
		s.Registry = nil
	}
	if s.lock != nil {
		s.lock.Close()
		s.lock = nil
	}
	return err
}
