// Package protocol implements the router-to-router protocol tasks;
// currently the per-address announcer.
package protocol

import (
	"context"
	"crypto/ed25519"
	"time"

	"github.com/rs/zerolog"

	"github.com/irdest/ratman/pkg/dispatch"
	"github.com/irdest/ratman/pkg/frame"
	"github.com/irdest/ratman/pkg/keys"
	"github.com/irdest/ratman/pkg/types"
)

// Announcer periodically floods a signed announcement for one local
// address that is up. One announcer task runs per up-address and exits
// when its context is cancelled (the address went down or the router is
// shutting down).
type Announcer struct {
	log   zerolog.Logger
	sw    *dispatch.Switch
	addr  types.Address
	priv  ed25519.PrivateKey
	delay time.Duration
}

func NewAnnouncer(log zerolog.Logger, sw *dispatch.Switch, addr types.Address, priv ed25519.PrivateKey, delay time.Duration) *Announcer {
	return &Announcer{
		log:   log.With().Str("component", "announcer").Stringer("addr", addr).Logger(),
		sw:    sw,
		addr:  addr,
		priv:  priv,
		delay: delay,
	}
}

// Run floods announcements every delay until ctx fires. The first
// announcement goes out immediately.
func (a *Announcer) Run(ctx context.Context) error {
	a.log.Debug().Dur("delay", a.delay).Msg("announcer starting")
	t := time.NewTicker(a.delay)
	defer t.Stop()

	for {
		a.announceOnce(ctx)
		select {
		case <-t.C:
		case <-ctx.Done():
			a.log.Debug().Msg("announcer stopping")
			return nil
		}
	}
}

func (a *Announcer) announceOnce(ctx context.Context) {
	ann := frame.Announce{Origin: frame.NewOriginData()}
	ann.OriginSignature = keys.Sign(a.priv, ann.SignableBytes())
	// route data starts zeroed; each hop lowers it to what it measured

	payload := ann.Append(nil)
	env, err := frame.NewEnvelope(frame.NewAnnounceHeader(a.addr, uint16(len(payload))), payload)
	if err != nil {
		a.log.Error().Err(err).Msg("build announcement")
		return
	}
	a.sw.Dispatch(ctx, env)
}
