package clientapi

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"

	"github.com/irdest/ratman/db/ratmandb"
	"github.com/irdest/ratman/pkg/keys"
	"github.com/irdest/ratman/pkg/micro"
	"github.com/irdest/ratman/pkg/types"
	"github.com/irdest/ratman/pkg/wire"
)

// dispatch routes one client request to its handler. Returned *types.Error
// values that are not connection-local become error replies; anything
// else drops the connection.
func (c *session) dispatch(ctx context.Context, h micro.Header, payload []byte) error {
	ns, op := micro.Split(h.Modes)
	switch ns {
	case micro.NsIntrinsic:
		// a second handshake is a no-op ping
		return c.write(h.Modes, nil)
	case micro.NsAddr:
		switch op {
		case micro.OpCreate:
			return c.addrCreate(ctx, h, payload)
		case micro.OpDestroy:
			return c.addrDestroy(ctx, h, payload)
		case micro.OpUp:
			return c.addrUp(ctx, h, payload, true)
		case micro.OpDown:
			return c.addrUp(ctx, h, payload, false)
		case micro.OpList:
			return c.addrList(ctx, h)
		}
	case micro.NsSend:
		switch op {
		case micro.OpOne, micro.OpMany:
			return c.send(ctx, h, payload, op == micro.OpMany)
		}
	case micro.NsRecv:
		switch op {
		case micro.OpSub:
			return c.subscribe(ctx, h, payload)
		case micro.OpUnsub:
			return c.unsubscribe(ctx, h, payload)
		case micro.OpResub:
			return c.resubscribe(ctx, h, payload)
		}
	case micro.NsSpace:
		switch op {
		case micro.OpAdd:
			return c.spaceRegister(ctx, h, payload)
		case micro.OpUp, micro.OpDown:
			return c.spaceToggle(ctx, h, payload, op == micro.OpUp)
		case micro.OpAnycast:
			return c.spaceAnycast(ctx, h, payload)
		}
	}
	return types.E(types.KindNonfatal, "bad-request", "unsupported operation %#04x", h.Modes)
}

// authAddr loads the registry row for addr and checks the presented
// bearer token. A mismatch is connection-local by design: the caller
// does not learn whether the address exists.
func (c *session) authAddr(ctx context.Context, h micro.Header, addr types.Address) (ratmandb.Addr, error) {
	row, ok, err := c.srv.registry.GetAddr(ctx, addr)
	if err != nil {
		return ratmandb.Addr{}, err
	}
	if !ok || h.Auth == nil || !row.Auth.Equal(*h.Auth) {
		return ratmandb.Addr{}, types.ErrAuthFailed
	}
	return row, nil
}

func (c *session) privFor(row ratmandb.Addr, auth types.AddrAuth) (ed25519.PrivateKey, error) {
	return keys.OpenPrivateKey(auth, row.KeyMaterial)
}

func (c *session) addrCreate(ctx context.Context, h micro.Header, payload []byte) error {
	req, err := micro.ParseAddrCreate(payload)
	if err != nil {
		return err
	}
	addr, priv, err := keys.CreateAddress()
	if err != nil {
		return err
	}
	auth := types.RandomAuth()
	sealed, err := keys.SealPrivateKey(auth, priv)
	if err != nil {
		return err
	}
	row := ratmandb.Addr{
		Addr:        addr,
		ClientID:    c.clientID,
		Name:        req.Name,
		Auth:        auth,
		KeyMaterial: sealed,
	}
	if req.NamespaceData != nil {
		row.NamespaceData = req.NamespaceData.Bytes()
	}
	if err := c.srv.registry.CreateAddr(ctx, row); err != nil {
		return err
	}
	c.log.Info().Stringer("addr", addr).Msg("address created")
	reply := micro.AddrCreateReply{Addr: addr, Auth: auth}
	return c.write(h.Modes, reply.Append(nil))
}

func (c *session) addrDestroy(ctx context.Context, h micro.Header, payload []byte) error {
	req, err := micro.ParseAddrDestroy(payload)
	if err != nil {
		return err
	}
	if _, err := c.authAddr(ctx, h, req.Addr); err != nil {
		return err
	}
	if err := c.srv.ctl.AddressDown(req.Addr); err != nil && !req.Force {
		return err
	}
	if err := c.srv.registry.DeleteAddr(ctx, req.Addr); err != nil {
		return err
	}
	if err := c.srv.journal.PurgeAddress(ctx, req.Addr); err != nil {
		if !req.Force {
			return err
		}
		c.log.Warn().Err(err).Msg("purge after destroy failed")
	}
	c.log.Info().Stringer("addr", req.Addr).Msg("address destroyed")
	return c.write(h.Modes, nil)
}

func (c *session) addrUp(ctx context.Context, h micro.Header, payload []byte, up bool) error {
	req, err := micro.ParseAddrState(payload)
	if err != nil {
		return err
	}
	row, err := c.authAddr(ctx, h, req.Addr)
	if err != nil {
		return err
	}
	// durable first: the announcement state must survive a restart
	// before the client hears an ack
	if err := c.srv.registry.SetAddrUp(ctx, req.Addr, up); err != nil {
		return err
	}
	if up {
		priv, err := c.privFor(row, *h.Auth)
		if err != nil {
			return err
		}
		if err := c.srv.ctl.AddressUp(req.Addr, priv); err != nil {
			return err
		}
	} else {
		if err := c.srv.ctl.AddressDown(req.Addr); err != nil {
			return err
		}
	}
	return c.write(h.Modes, nil)
}

func (c *session) addrList(ctx context.Context, h micro.Header) error {
	rows, err := c.srv.registry.ListAddrs(ctx, c.clientID)
	if err != nil {
		return err
	}
	var reply micro.AddrListReply
	for _, r := range rows {
		reply.Addrs = append(reply.Addrs, micro.AddrInfo{Addr: r.Addr, Name: r.Name, Up: r.Up})
	}
	buf, err := reply.Append(nil)
	if err != nil {
		return err
	}
	return c.write(h.Modes, buf)
}

// send handles SEND ONE and SEND MANY: a letterhead (plus an explicit
// recipient list for MANY), followed by exactly payload_length raw
// stream bytes on the connection.
func (c *session) send(ctx context.Context, h micro.Header, payload []byte, many bool) error {
	rd := wire.NewReader(payload)
	lh, err := types.ParseLetterhead(rd)
	if err != nil {
		return err
	}

	recipients := []types.Recipient{lh.To}
	if many {
		count, err := rd.U16()
		if err != nil {
			return err
		}
		recipients = recipients[:0]
		for i := 0; i < int(count); i++ {
			r, err := types.ParseOptionRecipient(rd)
			if err != nil {
				return err
			}
			if r == nil {
				return fmt.Errorf("%w: absent recipient in fan-out list", types.ErrBadProtocol)
			}
			recipients = append(recipients, *r)
		}
		if len(recipients) == 0 {
			return types.E(types.KindNonfatal, "bad-request", "empty fan-out list")
		}
	}

	row, err := c.authAddr(ctx, h, lh.From)
	if err != nil {
		return err
	}
	priv, err := c.privFor(row, *h.Auth)
	if err != nil {
		return err
	}
	if lh.StreamID.IsZero() {
		lh.StreamID = types.RandomIdent()
	}

	err = c.srv.sw.SendStream(ctx, lh, recipients, priv, io.LimitReader(c.conn, int64(lh.PayloadLength)), c.srv.spoolDir)
	if err != nil {
		// mid-stream failure desynchronises the framing; sever
		return fmt.Errorf("send stream: %w", err)
	}
	c.log.Debug().
		Stringer("from", lh.From).
		Stringer("stream", lh.StreamID).
		Uint64("bytes", lh.PayloadLength).
		Msg("stream accepted")
	return c.write(h.Modes, nil)
}

func (c *session) subscribe(ctx context.Context, h micro.Header, payload []byte) error {
	req, err := micro.ParseSubscribe(payload)
	if err != nil {
		return err
	}
	if _, err := c.authAddr(ctx, h, req.Addr); err != nil {
		return err
	}
	id := c.srv.subs.Open(req.Addr, req.Recipient, lockedWriter{c})
	reply := micro.SubReply{SubID: id}
	if err := c.write(h.Modes, reply.Append(nil)); err != nil {
		return err
	}
	// deliver anything that assembled while nobody was listening
	go c.srv.tryPending(ctx)
	return nil
}

func (c *session) unsubscribe(ctx context.Context, h micro.Header, payload []byte) error {
	req, err := micro.ParseSubHandle(payload)
	if err != nil {
		return err
	}
	if _, err := c.authAddr(ctx, h, req.Addr); err != nil {
		return err
	}
	if !c.srv.subs.Close(req.SubID, req.Addr) {
		return types.E(types.KindNonfatal, "no-such-sub", "unknown subscription %s", req.SubID.Short())
	}
	return c.write(h.Modes, nil)
}

func (c *session) resubscribe(ctx context.Context, h micro.Header, payload []byte) error {
	req, err := micro.ParseSubHandle(payload)
	if err != nil {
		return err
	}
	if _, err := c.authAddr(ctx, h, req.Addr); err != nil {
		return err
	}
	if !c.srv.subs.Resub(req.SubID, req.Addr, lockedWriter{c}) {
		return types.E(types.KindNonfatal, "no-such-sub", "unknown subscription %s", req.SubID.Short())
	}
	if err := c.write(h.Modes, nil); err != nil {
		return err
	}
	go c.srv.tryPending(ctx)
	return nil
}

func (c *session) spaceRegister(ctx context.Context, h micro.Header, payload []byte) error {
	req, err := micro.ParseSpaceKey(payload)
	if err != nil {
		return err
	}
	if _, err := c.authAddr(ctx, h, req.Addr); err != nil {
		return err
	}
	c.srv.mu.Lock()
	if _, ok := c.srv.namespaces[nsKey{req.Addr, req.Namespace}]; !ok {
		c.srv.namespaces[nsKey{req.Addr, req.Namespace}] = false
	}
	c.srv.mu.Unlock()
	return c.write(h.Modes, nil)
}

func (c *session) spaceToggle(ctx context.Context, h micro.Header, payload []byte, up bool) error {
	req, err := micro.ParseSpaceKey(payload)
	if err != nil {
		return err
	}
	if _, err := c.authAddr(ctx, h, req.Addr); err != nil {
		return err
	}
	key := nsKey{req.Addr, req.Namespace}
	c.srv.mu.Lock()
	_, registered := c.srv.namespaces[key]
	if registered {
		c.srv.namespaces[key] = up
	}
	c.srv.mu.Unlock()
	if !registered {
		return types.E(types.KindNonfatal, "no-such-namespace", "namespace %s is not registered", req.Namespace.Short())
	}
	if up {
		go c.srv.tryPending(ctx)
	}
	return c.write(h.Modes, nil)
}

// spaceAnycast resolves the closest reachable peer announcing the
// namespace address, scored by the routing table.
func (c *session) spaceAnycast(ctx context.Context, h micro.Header, payload []byte) error {
	req, err := micro.ParseSpaceKey(payload)
	if err != nil {
		return err
	}
	if _, err := c.authAddr(ctx, h, req.Addr); err != nil {
		return err
	}
	best, ok := c.srv.routes.Best(req.Namespace)
	if !ok {
		return types.ErrNoSuchAddress
	}
	reply := micro.AnycastReply{Addr: best.Addr}
	return c.write(h.Modes, reply.Append(nil))
}
