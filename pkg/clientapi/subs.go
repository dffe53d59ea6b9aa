package clientapi

import (
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/irdest/ratman/pkg/frame"
	"github.com/irdest/ratman/pkg/micro"
	"github.com/irdest/ratman/pkg/types"
)

// subscription is one long-lived delivery binding: every matching
// inbound stream is written to the attached connection as a letterhead
// microframe followed by the raw payload.
type subscription struct {
	id        types.Ident32
	addr      types.Address
	recipient types.Recipient

	mu sync.Mutex
	w  io.Writer // nil while detached
}

// Subs is the subscription dispatcher.
type Subs struct {
	log zerolog.Logger

	mu   sync.RWMutex
	byID map[types.Ident32]*subscription
}

func NewSubs(log zerolog.Logger) *Subs {
	return &Subs{
		log:  log.With().Str("component", "subs").Logger(),
		byID: make(map[types.Ident32]*subscription),
	}
}

// Open registers a fresh subscription attached to w.
func (s *Subs) Open(addr types.Address, recipient types.Recipient, w io.Writer) types.Ident32 {
	sub := &subscription{
		id:        types.RandomIdent(),
		addr:      addr,
		recipient: recipient,
		w:         w,
	}
	s.mu.Lock()
	s.byID[sub.id] = sub
	s.mu.Unlock()
	return sub.id
}

// Resub reattaches an existing subscription to a new connection.
func (s *Subs) Resub(id types.Ident32, addr types.Address, w io.Writer) bool {
	s.mu.RLock()
	sub, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok || sub.addr != addr {
		return false
	}
	sub.mu.Lock()
	sub.w = w
	sub.mu.Unlock()
	return true
}

// Close removes a subscription.
func (s *Subs) Close(id types.Ident32, addr types.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.byID[id]
	if !ok || sub.addr != addr {
		return false
	}
	delete(s.byID, id)
	return true
}

// Detach unbinds every subscription attached to w, keeping them for
// later resubscription.
func (s *Subs) Detach(w io.Writer) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.byID {
		sub.mu.Lock()
		if sub.w == w {
			sub.w = nil
		}
		sub.mu.Unlock()
	}
}

// Deliver pushes one assembled stream to every matching attached
// subscription. A write failure detaches the subscription. The error is
// nil once at least one subscriber received the stream; otherwise the
// caller keeps the stream journalled for redelivery.
func (s *Subs) Deliver(m frame.Manifest, payload []byte) error {
	s.mu.RLock()
	var matched []*subscription
	for _, sub := range s.byID {
		if sub.recipient == m.Letterhead.To {
			matched = append(matched, sub)
		}
	}
	s.mu.RUnlock()

	delivered := 0
	for _, sub := range matched {
		sub.mu.Lock()
		w := sub.w
		if w == nil {
			sub.mu.Unlock()
			continue
		}
		err := writeStream(w, m.Letterhead, payload)
		if err != nil {
			sub.w = nil
		}
		sub.mu.Unlock()
		if err != nil {
			s.log.Debug().Stringer("sub", sub.id).Err(err).Msg("subscriber write failed, detached")
			continue
		}
		delivered++
		s.log.Debug().
			Stringer("sub", sub.id).
			Stringer("stream", m.Letterhead.StreamID).
			Int("bytes", len(payload)).
			Msg("stream delivered")
	}
	if delivered == 0 {
		return types.ErrSubEnded
	}
	return nil
}

// HasSubscriber reports whether any subscription matches recipient.
func (s *Subs) HasSubscriber(recipient types.Recipient) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.byID {
		if sub.recipient == recipient {
			return true
		}
	}
	return false
}

// writeStream pushes one stream as a single write so concurrent replies
// on the same connection cannot interleave mid-stream.
func writeStream(w io.Writer, lh types.Letterhead, payload []byte) error {
	lhbuf, err := lh.Append(nil)
	if err != nil {
		return err
	}
	h := micro.Header{Modes: micro.Make(micro.NsStream, micro.OpOne), PayloadSize: uint32(len(lhbuf))}
	buf := h.Append(nil)
	buf = append(buf, lhbuf...)
	buf = append(buf, payload...)
	_, err = w.Write(buf)
	return err
}
