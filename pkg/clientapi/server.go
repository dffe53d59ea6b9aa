// Package clientapi serves the local stream-socket protocol that hands
// application data into and out of the router.
package clientapi

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/mod/semver"
	"golang.org/x/net/netutil"

	"github.com/irdest/ratman/db/ratmandb"
	"github.com/irdest/ratman/pkg/dispatch"
	"github.com/irdest/ratman/pkg/journal"
	"github.com/irdest/ratman/pkg/micro"
	"github.com/irdest/ratman/pkg/routes"
	"github.com/irdest/ratman/pkg/types"
)

// ProtoVersion is the microframe protocol generation spoken here.
const ProtoVersion uint8 = 1

// RouterName and RouterVersion identify the daemon in handshakes.
const (
	RouterName    = "ratmand"
	RouterVersion = "0.1.0"
)

// maxClients bounds concurrent API connections.
const maxClients = 128

// AddressCtl is how the API layer starts and stops announcers; the
// runtime context implements it.
type AddressCtl interface {
	AddressUp(addr types.Address, priv ed25519.PrivateKey) error
	AddressDown(addr types.Address) error
}

// Config wires the API server.
type Config struct {
	Log      zerolog.Logger
	Registry *ratmandb.DB
	Journal  *journal.Journal
	Switch   *dispatch.Switch
	Routes   *routes.Table
	Subs     *Subs
	Ctl      AddressCtl
	SpoolDir string

	// MinClientVersion rejects clients below this semver, if set.
	MinClientVersion string

	// TryPending is kicked when a subscription opens, so streams that
	// assembled while nobody was listening get delivered.
	TryPending func(ctx context.Context)
}

// Server accepts client connections and runs one handler task per
// connection.
type Server struct {
	log      zerolog.Logger
	registry *ratmandb.DB
	journal  *journal.Journal
	sw       *dispatch.Switch
	routes   *routes.Table
	subs     *Subs
	ctl      AddressCtl
	spoolDir string
	minVer   string

	tryPending func(ctx context.Context)

	mu         sync.Mutex
	namespaces map[nsKey]bool // joined namespaces, value = delivery up
}

type nsKey struct {
	addr types.Address
	ns   types.Address
}

func NewServer(c Config) *Server {
	tp := c.TryPending
	if tp == nil {
		tp = func(context.Context) {}
	}
	return &Server{
		log:        c.Log.With().Str("component", "clientapi").Logger(),
		registry:   c.Registry,
		journal:    c.Journal,
		sw:         c.Switch,
		routes:     c.Routes,
		subs:       c.Subs,
		ctl:        c.Ctl,
		spoolDir:   c.SpoolDir,
		minVer:     c.MinClientVersion,
		tryPending: tp,
		namespaces: make(map[nsKey]bool),
	}
}

// IsMember reports whether any local client joined ns with delivery up.
// The switch uses this to decide local namespace delivery.
func (s *Server) IsMember(ns types.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, up := range s.namespaces {
		if k.ns == ns && up {
			return true
		}
	}
	return false
}

// Serve accepts connections on l until ctx fires.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	l = netutil.LimitListener(l, maxClients)
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn().Err(err).Msg("accept failed")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn drives one client session. Protocol errors drop the
// connection; the router stays up.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	log := s.log.With().Str("remote", conn.RemoteAddr().String()).Logger()
	defer conn.Close()

	c := &session{srv: s, conn: conn, log: log}
	defer s.subs.Detach(lockedWriter{c})
	if err := c.handshake(ctx); err != nil {
		log.Debug().Err(err).Msg("handshake failed")
		return
	}
	log.Debug().Stringer("client", c.clientID).Msg("client connected")

	for {
		h, payload, err := micro.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Debug().Err(err).Msg("client read failed")
			}
			return
		}
		if err := c.dispatch(ctx, h, payload); err != nil {
			var e *types.Error
			if errors.As(err, &e) && e.Kind != types.KindConnectionLocal {
				c.writeError(h.Modes, e.Tag, e.Msg)
				continue
			}
			log.Debug().Err(err).Msg("dropping client connection")
			return
		}
	}
}

// session is the per-connection state.
type session struct {
	srv  *Server
	conn net.Conn
	log  zerolog.Logger

	wmu      sync.Mutex
	clientID types.Ident32
}

// handshake expects the intrinsic frame, enforces the client version
// floor, registers the client, and replies with its id.
func (c *session) handshake(ctx context.Context) error {
	if err := c.conn.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	h, payload, err := micro.ReadFrame(c.conn)
	if err != nil {
		return err
	}
	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		return err
	}
	if ns, op := micro.Split(h.Modes); ns != micro.NsIntrinsic || op != micro.OpIntrinsic {
		return fmt.Errorf("%w: expected handshake, got %#04x", types.ErrBadProtocol, h.Modes)
	}
	hs, err := micro.ParseHandshake(payload)
	if err != nil {
		return err
	}
	if hs.ProtoVersion != ProtoVersion {
		c.writeError(h.Modes, "bad-protocol", "unsupported protocol version")
		return fmt.Errorf("client protocol version %d", hs.ProtoVersion)
	}
	if c.srv.minVer != "" && !isDevVersion(hs.ClientVersion) {
		v := "v" + strings.TrimPrefix(hs.ClientVersion, "v")
		if !semver.IsValid(v) || semver.Compare(v, "v"+strings.TrimPrefix(c.srv.minVer, "v")) < 0 {
			c.writeError(h.Modes, "client-too-old", "client version below router minimum "+c.srv.minVer)
			return fmt.Errorf("client version %q below minimum", hs.ClientVersion)
		}
	}

	c.clientID = types.RandomIdent()
	if err := c.srv.registry.UpsertClient(ctx, ratmandb.Client{ID: c.clientID, LastConnection: time.Now()}); err != nil {
		return err
	}

	reply := micro.Handshake{ProtoVersion: ProtoVersion, ClientName: RouterName, ClientVersion: RouterVersion}
	buf := reply.Append(nil)
	buf = append(buf, c.clientID[:]...)
	return c.write(h.Modes, buf)
}

func isDevVersion(v string) bool {
	return v == "" || strings.HasSuffix(v, "-dev") || strings.HasPrefix(v, "dev")
}

// write sends one reply microframe. The write lock keeps replies and
// subscription pushes from interleaving.
func (c *session) write(modes uint16, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return micro.WriteFrame(c.conn, modes, nil, payload)
}

// lockedWriter serialises subscription pushes with replies on the same
// connection.
type lockedWriter struct {
	c *session
}

func (lw lockedWriter) Write(p []byte) (int, error) {
	lw.c.wmu.Lock()
	defer lw.c.wmu.Unlock()
	return lw.c.conn.Write(p)
}

func (c *session) writeError(reqModes uint16, tag, msg string) {
	ns, _ := micro.Split(reqModes)
	p := micro.ErrorReply{Tag: tag, Msg: msg}
	if err := c.write(micro.Make(ns, micro.OpError), p.Append(nil)); err != nil {
		c.log.Debug().Err(err).Msg("error reply write failed")
	}
}
