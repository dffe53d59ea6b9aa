// Package dispatch implements the switch: the per-frame decision loop
// between links, routing table, journal, collector, and client API, plus
// the outbound stream pipeline.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/irdest/ratman/pkg/collector"
	"github.com/irdest/ratman/pkg/frame"
	"github.com/irdest/ratman/pkg/journal"
	"github.com/irdest/ratman/pkg/keys"
	"github.com/irdest/ratman/pkg/links"
	"github.com/irdest/ratman/pkg/metricsx"
	"github.com/irdest/ratman/pkg/routes"
	"github.com/irdest/ratman/pkg/types"
)

// Config wires the switch to its collaborators. Everything is owned by
// the runtime context; the switch only borrows.
type Config struct {
	Log       zerolog.Logger
	Links     *links.Map
	Routes    *routes.Table
	Journal   *journal.Journal
	Collector *collector.Collector
	Assembler *collector.Assembler
	Metrics   *metrics.Set

	// IsLocal reports whether addr is registered on this router.
	IsLocal func(addr types.Address) bool
	// IsMember reports whether this router has joined namespace ns.
	IsMember func(ns types.Address) bool
}

// Switch decides, per inbound frame, whether to drop, forward, flood,
// collect, or journal.
type Switch struct {
	log       zerolog.Logger
	links     *links.Map
	routes    *routes.Table
	journal   *journal.Journal
	collector *collector.Collector
	assembler *collector.Assembler
	isLocal   func(types.Address) bool
	isMember  func(ns types.Address) bool

	sigFailures *metrics.Counter
	drops       *metricsx.LabelCounter
	rx          *metricsx.LabelCounter
	tx          *metricsx.LabelCounter
}

func New(c Config) *Switch {
	set := c.Metrics
	if set == nil {
		set = metrics.NewSet()
	}
	isLocal := c.IsLocal
	if isLocal == nil {
		isLocal = func(types.Address) bool { return false }
	}
	isMember := c.IsMember
	if isMember == nil {
		isMember = func(types.Address) bool { return false }
	}
	return &Switch{
		log:       c.Log.With().Str("component", "switch").Logger(),
		links:     c.Links,
		routes:    c.Routes,
		journal:   c.Journal,
		collector: c.Collector,
		assembler: c.Assembler,
		isLocal:   isLocal,
		isMember:  isMember,

		sigFailures: set.GetOrCreateCounter("ratmand_announce_sig_failures_total"),
		drops:       metricsx.NewLabelCounter(set, "ratmand_frames_dropped_total", "reason"),
		rx:          metricsx.NewLabelCounter(set, "ratmand_frames_rx_total", "mode"),
		tx:          metricsx.NewLabelCounter(set, "ratmand_frames_tx_total", "mode"),
	}
}

// Run pumps every registered link until ctx fires. Each link gets its
// own task so a stalled driver cannot head-of-line block the others.
func (s *Switch) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range s.links.GetWithIDs() {
		r := r
		g.Go(func() error { return s.pump(ctx, r) })
	}
	return g.Wait()
}

func (s *Switch) pump(ctx context.Context, r links.Registered) error {
	for {
		env, neigh, err := r.Link.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			s.log.Warn().Str("link", r.Name).Err(err).Msg("link receive failed, pump exiting")
			return nil
		}
		s.Ingress(ctx, env, r, neigh)
	}
}

// Ingress handles one inbound envelope from a link.
func (s *Switch) Ingress(ctx context.Context, env frame.Envelope, from links.Registered, neigh types.Neighbour) {
	if env.Header.Version != frame.VersionV1 {
		s.drops.Inc("invalid-version")
		return
	}
	s.rx.Inc(env.Header.Modes.String())

	switch env.Header.Modes {
	case frame.ModeAnnounce:
		s.handleAnnounce(ctx, env, from, neigh)
	case frame.ModeData:
		s.handleData(ctx, env, &from, neigh)
	case frame.ModeManifest:
		s.handleManifest(ctx, env, &from, neigh)
	case frame.ModeNetmodAnnounce, frame.ModeNetmodReply:
		// link-local peering traffic is the driver's business
		s.drops.Inc("netmod-proto")
	default:
		s.drops.Inc("unknown-mode")
	}
}

func (s *Switch) handleAnnounce(ctx context.Context, env frame.Envelope, from links.Registered, neigh types.Neighbour) {
	sender := env.Header.Sender
	if s.isLocal(sender) {
		return // own announcement echoed back through the mesh
	}

	ann, err := frame.ParseAnnounce(env.Payload())
	if err != nil {
		s.drops.Inc("malformed-announce")
		return
	}
	if !keys.Verify(sender, ann.SignableBytes(), ann.OriginSignature) {
		s.sigFailures.Inc()
		s.drops.Inc("bad-signature")
		return
	}

	// the route section mutates per hop, so the suppression key covers
	// only the signed origin section
	seenKey := "a:" + sender.String() + ":" + ann.Origin.Timestamp.UTC().Format(time.RFC3339)
	seen, err := s.journal.Seen.CheckAndInsert(seenKey)
	if err != nil {
		s.log.Warn().Err(err).Msg("seen-frames insert failed")
	}
	if seen {
		s.drops.Inc("announce-loop")
		return
	}

	linkMTU := from.Link.MTU()
	effMTU := ann.Route.MTU
	if effMTU == 0 || effMTU > linkMTU {
		effMTU = linkMTU
	}
	var measured types.NeighbourMetrics
	if m, err := from.Link.MetricsForNeighbour(neigh); err == nil {
		measured = m
	}
	bwHint := bandwidthHint(ann.Route.SizeHint, measured.ReadBandwidth)

	nowReachable, err := s.routes.Update(ctx, routes.Entry{
		Addr:           sender,
		Link:           from.ID,
		Neighbour:      neigh,
		OriginStamp:    ann.Origin.Timestamp,
		MTU:            effMTU,
		SizeHint:       bwHint,
		WriteBandwidth: measured.WriteBandwidth,
		ReadBandwidth:  measured.ReadBandwidth,
	})
	if err != nil {
		s.log.Warn().Stringer("addr", sender).Err(err).Msg("route update failed")
		return
	}
	if nowReachable {
		s.log.Debug().Stringer("addr", sender).Uint16("link", uint16(from.ID)).Msg("address became reachable")
		go s.drainJournalled(ctx, sender)
	}

	// reflood with the mutated route section
	ann.Route.MTU = effMTU
	ann.Route.SizeHint = bwHint
	reflood, err := frame.NewEnvelope(env.Header, ann.Append(nil))
	if err != nil {
		s.drops.Inc("malformed-announce")
		return
	}
	s.flood(ctx, reflood, &from.ID, &neigh)
}

// bandwidthHint lowers the announced hint to the measured read bandwidth
// of the receiving channel, in KiB/s.
func bandwidthHint(prev uint16, readBps uint64) uint16 {
	kib := readBps / 1024
	if kib > 0xFFFF {
		kib = 0xFFFF
	}
	h := uint16(kib)
	if h == 0 {
		return prev
	}
	if prev == 0 || h < prev {
		return h
	}
	return prev
}
