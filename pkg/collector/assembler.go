package collector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/irdest/ratman/pkg/eris"
	"github.com/irdest/ratman/pkg/frame"
	"github.com/irdest/ratman/pkg/journal"
	"github.com/irdest/ratman/pkg/types"
)

const (
	assembleBaseDelay = 100 * time.Millisecond
	assembleStepDelay = 20 * time.Millisecond
	assembleMaxDelay  = 5 * time.Second
	assembleGiveUp    = 10 * time.Minute
)

// DeliverFunc hands a fully decoded stream to the client API dispatcher.
// A non-nil error means nobody received it; the manifest stays journalled
// for redelivery.
type DeliverFunc func(m frame.Manifest, payload []byte) error

// Assembler turns journalled manifests into decoded streams once every
// referenced block is local. A manifest that arrives before its blocks
// is retried with increasing backoff.
type Assembler struct {
	log     zerolog.Logger
	journal *journal.Journal
	deliver DeliverFunc
	// hasSub reports whether anyone is listening for a recipient; nil
	// means always deliver.
	hasSub func(types.Recipient) bool

	mu       sync.Mutex
	inflight map[types.Ident32]struct{}

	wg sync.WaitGroup
}

func NewAssembler(log zerolog.Logger, j *journal.Journal, deliver DeliverFunc, hasSub func(types.Recipient) bool) *Assembler {
	return &Assembler{
		log:      log.With().Str("component", "assembler").Logger(),
		journal:  j,
		deliver:  deliver,
		hasSub:   hasSub,
		inflight: make(map[types.Ident32]struct{}),
	}
}

// Notify spawns a decode task for one manifest, unless one is already
// running for its stream.
func (a *Assembler) Notify(ctx context.Context, m frame.Manifest) {
	a.mu.Lock()
	if _, busy := a.inflight[m.Letterhead.StreamID]; busy {
		a.mu.Unlock()
		return
	}
	a.inflight[m.Letterhead.StreamID] = struct{}{}
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			a.mu.Lock()
			delete(a.inflight, m.Letterhead.StreamID)
			a.mu.Unlock()
		}()
		a.run(ctx, m)
	}()
}

// TryPending attempts a single decode pass over every journalled
// manifest. Called after blocks complete and when a subscription opens.
func (a *Assembler) TryPending(ctx context.Context) {
	var pending []frame.Manifest
	if err := a.journal.EachManifest(ctx, func(m frame.Manifest) bool {
		pending = append(pending, m)
		return true
	}); err != nil {
		a.log.Warn().Err(err).Msg("walk pending manifests")
		return
	}
	for _, m := range pending {
		if err := a.attempt(ctx, m); err != nil && !errors.Is(err, eris.ErrNoSuchBlock) {
			a.log.Warn().Stringer("stream", m.Letterhead.StreamID).Err(err).Msg("assemble stream")
		}
	}
}

// Wait blocks until every decode task has exited.
func (a *Assembler) Wait() {
	a.wg.Wait()
}

func (a *Assembler) run(ctx context.Context, m frame.Manifest) {
	deadline := time.Now().Add(assembleGiveUp)
	for attempt := 0; ; attempt++ {
		err := a.attempt(ctx, m)
		switch {
		case err == nil:
			return
		case !errors.Is(err, eris.ErrNoSuchBlock):
			a.log.Warn().Stringer("stream", m.Letterhead.StreamID).Err(err).Msg("assemble stream")
			return
		}

		if time.Now().After(deadline) {
			// blocks may still arrive; the manifest stays journalled for
			// the next subscription or block completion
			a.log.Debug().Stringer("stream", m.Letterhead.StreamID).Msg("assembly parked, blocks missing")
			return
		}
		delay := assembleBaseDelay + time.Duration(attempt)*assembleStepDelay
		if delay > assembleMaxDelay {
			delay = assembleMaxDelay
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// attempt decodes the stream once. ErrNoSuchBlock means some referenced
// block is not local yet. The manifest is only consumed after a
// subscriber took the stream.
func (a *Assembler) attempt(ctx context.Context, m frame.Manifest) error {
	if a.hasSub != nil && !a.hasSub(m.Letterhead.To) {
		// fully assembled but nobody listening: parked until the next
		// subscription kicks TryPending
		return nil
	}
	rc := eris.ReadCapability{
		RootRef:   m.RootRef,
		RootKey:   m.RootKey,
		Level:     m.BlockLevel,
		BlockSize: m.BlockSizeBytes(),
	}
	payload, err := eris.Decode(ctx, rc, a.journal.BlockStore())
	if err != nil {
		return err
	}
	if got := uint64(len(payload)); got != m.Letterhead.PayloadLength {
		return types.E(types.KindFrameLocal, "length-mismatch",
			"stream %s decoded to %d bytes, letterhead says %d",
			m.Letterhead.StreamID.Short(), got, m.Letterhead.PayloadLength)
	}
	a.log.Debug().
		Stringer("stream", m.Letterhead.StreamID).
		Int("bytes", len(payload)).
		Msg("stream assembled")
	if err := a.deliver(m, payload); err != nil {
		a.log.Debug().Stringer("stream", m.Letterhead.StreamID).Err(err).Msg("stream parked, delivery failed")
		return nil
	}
	if err := a.journal.DeleteManifest(ctx, m); err != nil {
		a.log.Warn().Err(err).Msg("delete delivered manifest")
	}
	return nil
}
