package dispatch

import (
	"context"

	"github.com/irdest/ratman/pkg/frame"
	"github.com/irdest/ratman/pkg/journal"
	"github.com/irdest/ratman/pkg/links"
	"github.com/irdest/ratman/pkg/routes"
	"github.com/irdest/ratman/pkg/types"
)

func (s *Switch) handleData(ctx context.Context, env frame.Envelope, from *links.Registered, neigh types.Neighbour) {
	h := env.Header
	if h.SeqID == nil || h.Recipient == nil {
		s.drops.Inc("malformed-data")
		return
	}
	seen, err := s.journal.Seen.CheckAndInsert(journal.SeenKey(h.Sender, *h.SeqID))
	if err != nil {
		s.log.Warn().Err(err).Msg("seen-frames insert failed")
	}
	if seen {
		s.drops.Inc("duplicate")
		return
	}

	switch h.Recipient.Kind {
	case types.RecipientTarget:
		if s.isLocal(h.Recipient.Addr) {
			s.collect(ctx, env)
			return
		}
		s.forward(ctx, env, from, neigh)
	case types.RecipientNamespace:
		if s.isMember(h.Recipient.Addr) {
			s.collect(ctx, env)
		}
		var fromID *links.LinkID
		if from != nil {
			fromID = &from.ID
		}
		s.flood(ctx, env, fromID, &neigh)
	default:
		s.drops.Inc("malformed-data")
	}
}

func (s *Switch) handleManifest(ctx context.Context, env frame.Envelope, from *links.Registered, neigh types.Neighbour) {
	h := env.Header
	if h.Recipient == nil {
		s.drops.Inc("malformed-manifest")
		return
	}
	if h.SeqID != nil {
		seen, err := s.journal.Seen.CheckAndInsert(journal.SeenKey(h.Sender, *h.SeqID))
		if err != nil {
			s.log.Warn().Err(err).Msg("seen-frames insert failed")
		}
		if seen {
			s.drops.Inc("duplicate")
			return
		}
	}

	local := false
	switch h.Recipient.Kind {
	case types.RecipientTarget:
		local = s.isLocal(h.Recipient.Addr)
	case types.RecipientNamespace:
		local = s.isMember(h.Recipient.Addr)
	}

	if local {
		m, err := frame.ParseManifest(env.Payload())
		if err != nil {
			s.drops.Inc("malformed-manifest")
			return
		}
		if err := s.journal.StoreManifest(ctx, m); err != nil {
			s.log.Warn().Err(err).Msg("journal manifest")
			return
		}
		s.assembler.Notify(ctx, m)
		if h.Recipient.Kind == types.RecipientTarget {
			return
		}
	}

	switch h.Recipient.Kind {
	case types.RecipientTarget:
		s.forward(ctx, env, from, neigh)
	case types.RecipientNamespace:
		var fromID *links.LinkID
		if from != nil {
			fromID = &from.ID
		}
		s.flood(ctx, env, fromID, &neigh)
	}
}

// collect feeds one fragment to the collector; a completed block kicks
// the assembler.
func (s *Switch) collect(ctx context.Context, env frame.Envelope) {
	ref, err := s.collector.Offer(ctx, env)
	if err != nil {
		s.drops.Inc("reassembly")
		return
	}
	if ref != nil {
		go s.assembler.TryPending(ctx)
	}
}

// forward sends env towards its unicast recipient over the best route,
// or journals it when none exists.
func (s *Switch) forward(ctx context.Context, env frame.Envelope, from *links.Registered, neigh types.Neighbour) {
	to := env.Header.Recipient.Addr
	best, ok := s.routes.Best(to)
	if !ok || best.State != routes.StateActive {
		s.journalFrame(ctx, env)
		return
	}
	r, err := s.links.Get(best.Link)
	if err != nil {
		s.journalFrame(ctx, env)
		return
	}
	var exclude *uint32
	if from != nil && r.ID == from.ID {
		id := neigh.ID
		exclude = &id
	}
	if err := r.Link.Send(ctx, env, best.Neighbour, exclude); err != nil {
		s.log.Warn().Str("link", r.Name).Err(err).Msg("forward failed")
		s.journalFrame(ctx, env)
		return
	}
	s.tx.Inc(env.Header.Modes.String())
}

// journalFrame persists an undeliverable fragment for later delivery.
func (s *Switch) journalFrame(ctx context.Context, env frame.Envelope) {
	if err := s.journal.StoreFrame(ctx, env); err != nil {
		// cannot route and cannot persist either: the frame dies here
		s.drops.Inc("no-route")
		s.log.Warn().Err(err).Msg("journal frame failed")
	}
}

// flood emits env on every link except the arrival one. On the arrival
// link itself the driver is asked to exclude the arrival neighbour, so
// multi-peer drivers can still reach their other peers.
func (s *Switch) flood(ctx context.Context, env frame.Envelope, fromLink *links.LinkID, fromNeighbour *types.Neighbour) {
	for _, r := range s.links.GetWithIDs() {
		var exclude *uint32
		if fromLink != nil && r.ID == *fromLink {
			if fromNeighbour == nil {
				continue
			}
			id := fromNeighbour.ID
			exclude = &id
		}
		if err := r.Link.Send(ctx, env, types.NeighbourFlood, exclude); err != nil {
			s.log.Debug().Str("link", r.Name).Err(err).Msg("flood send failed")
			continue
		}
		s.tx.Inc(env.Header.Modes.String())
	}
}

// drainJournalled re-dispatches frames that were parked while addr was
// unreachable.
func (s *Switch) drainJournalled(ctx context.Context, addr types.Address) {
	envs, err := s.journal.DrainFrames(ctx, addr)
	if err != nil {
		s.log.Warn().Stringer("addr", addr).Err(err).Msg("drain journalled frames")
		return
	}
	if len(envs) == 0 {
		return
	}
	s.log.Info().Stringer("addr", addr).Int("frames", len(envs)).Msg("draining journalled frames")
	for _, env := range envs {
		s.forward(ctx, env, nil, types.Neighbour{})
	}
}
