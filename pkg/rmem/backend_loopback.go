package rmem

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/pojntfx/go-nbd/pkg/server"

	"github.com/e2b-dev/infra/packages/rmem/pkg/cache"
)

// Wire framing for the loopback backend's channel-multiplexed post/poll
// protocol. Shaped after a fixed magic/op/handle/offset/length block
// request header — the same shape network block protocols use — standing
// in for the RDMA verbs wire format a real deployment's backend transport
// would use; only this Backend contract, not the wire format itself, is
// what this repository fixes (see Backend).
//
// This stays a hand-rolled frame rather than github.com/pojntfx/go-nbd's
// own wire protocol (wired in below, as ServeNBDExport, for a backend
// that genuinely fits its shape) because PostRead/PostWrite/
// PollCompletions need a request tagged with a caller-chosen channel id
// that can complete out of request order and be drained by a poll call
// from any goroutine — including, under completion stealing (stealing.go,
// spec.md §4.9), a goroutine that never posted the request. NBD's wire
// protocol has no channel concept: one export is served strictly
// request-then-reply (or, with NBD_FLAG_SEND_STRUCTURED_REPLY, reordered
// replies) against a single connection, and its client half
// (github.com/pojntfx/go-nbd/pkg/client) is hard-wired to attach the
// connection to a live Linux /dev/nbdX block device via
// NBD_SET_SOCK/NBD_DO_IT, blocking the calling goroutine inside the
// kernel's I/O loop for the session's lifetime — exactly the synchronous,
// single-owner-per-connection shape this module's channel pool and
// completion-stealing protocol are built to avoid. See DESIGN.md.
const (
	wireRequestMagic = 0x25609513
	wireReplyMagic   = 0x67446698
)

type wireOp uint32

const (
	wireOpRead wireOp = iota
	wireOpWrite
)

type wireRequest struct {
	Magic   uint32
	Op      uint32
	Channel uint32
	PageIdx uint64
	Length  uint32
}

type wireReply struct {
	Magic   uint32
	Channel uint32
	PageIdx uint64
	Op      uint32
	ErrCode uint32
}

const wireRequestSize = 4 + 4 + 4 + 8 + 4
const wireReplySize = 4 + 4 + 8 + 4 + 4

func writeRequest(w io.Writer, req wireRequest) error {
	buf := make([]byte, wireRequestSize)
	binary.BigEndian.PutUint32(buf[0:], req.Magic)
	binary.BigEndian.PutUint32(buf[4:], req.Op)
	binary.BigEndian.PutUint32(buf[8:], req.Channel)
	binary.BigEndian.PutUint64(buf[12:], req.PageIdx)
	binary.BigEndian.PutUint32(buf[20:], req.Length)

	_, err := w.Write(buf)

	return err
}

func readRequest(r io.Reader) (wireRequest, error) {
	buf := make([]byte, wireRequestSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return wireRequest{}, err
	}

	req := wireRequest{
		Magic:   binary.BigEndian.Uint32(buf[0:]),
		Op:      binary.BigEndian.Uint32(buf[4:]),
		Channel: binary.BigEndian.Uint32(buf[8:]),
		PageIdx: binary.BigEndian.Uint64(buf[12:]),
		Length:  binary.BigEndian.Uint32(buf[20:]),
	}

	if req.Magic != wireRequestMagic {
		return wireRequest{}, fmt.Errorf("loopback backend: bad request magic %x", req.Magic)
	}

	return req, nil
}

func writeReply(w io.Writer, rep wireReply) error {
	buf := make([]byte, wireReplySize)
	binary.BigEndian.PutUint32(buf[0:], rep.Magic)
	binary.BigEndian.PutUint32(buf[4:], rep.Channel)
	binary.BigEndian.PutUint64(buf[8:], rep.PageIdx)
	binary.BigEndian.PutUint32(buf[16:], rep.Op)
	binary.BigEndian.PutUint32(buf[20:], rep.ErrCode)

	_, err := w.Write(buf)

	return err
}

func readReply(r io.Reader) (wireReply, error) {
	buf := make([]byte, wireReplySize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return wireReply{}, err
	}

	rep := wireReply{
		Magic:   binary.BigEndian.Uint32(buf[0:]),
		Channel: binary.BigEndian.Uint32(buf[4:]),
		PageIdx: binary.BigEndian.Uint64(buf[8:]),
		Op:      binary.BigEndian.Uint32(buf[16:]),
		ErrCode: binary.BigEndian.Uint32(buf[20:]),
	}

	if rep.Magic != wireReplyMagic {
		return wireReply{}, fmt.Errorf("loopback backend: bad reply magic %x", rep.Magic)
	}

	return rep, nil
}

type pendingKey struct {
	channel int
	pageIdx int64
}

type pendingOp struct {
	region *Region
	op     Op
	dst    []byte
}

// LoopbackBackend posts read/write requests over a net.Conn using the wire
// framing above and completes them once a matching reply comes back from
// ServeLoopback on the other end — a local stand-in for the RDMA verbs
// transport a production deployment's Backend would actually use.
type LoopbackBackend struct {
	conn     net.Conn
	pageSize int64

	channels *channelPool

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[pendingKey]*pendingOp

	compMu      sync.Mutex
	completions map[int][]Completion

	done chan struct{}
}

// NewLoopbackBackend wraps conn as a backend client and starts its reply
// reader goroutine.
func NewLoopbackBackend(conn net.Conn, pageSize int64) *LoopbackBackend {
	b := &LoopbackBackend{
		conn:        conn,
		pageSize:    pageSize,
		channels:    newChannelPool(MaxChannels),
		pending:     make(map[pendingKey]*pendingOp),
		completions: make(map[int][]Completion),
		done:        make(chan struct{}),
	}

	go b.readLoop()

	return b
}

func (b *LoopbackBackend) AcquireChannel() (int, error) { return b.channels.Acquire() }
func (b *LoopbackBackend) ReleaseChannel(channel int)   { b.channels.Release(channel) }

func (b *LoopbackBackend) readLoop() {
	for {
		rep, err := readReply(b.conn)
		if err != nil {
			return
		}

		key := pendingKey{channel: int(rep.Channel), pageIdx: int64(rep.PageIdx)}

		b.mu.Lock()
		p := b.pending[key]
		delete(b.pending, key)
		b.mu.Unlock()

		if p == nil {
			continue
		}

		var repErr error
		if rep.ErrCode != 0 {
			repErr = fmt.Errorf("loopback backend: remote error code %d", rep.ErrCode)
		} else if p.op == OpRead {
			if _, err := io.ReadFull(b.conn, p.dst[:b.pageSize]); err != nil {
				repErr = err
			}
		}

		b.queueCompletion(key.channel, Completion{
			Channel: key.channel,
			Region:  p.region,
			PageIdx: key.pageIdx,
			Op:      p.op,
			Err:     repErr,
		})
	}
}

func (b *LoopbackBackend) PostRead(_ context.Context, channel int, region *Region, pageIdx int64, dst []byte) error {
	key := pendingKey{channel: channel, pageIdx: pageIdx}

	b.mu.Lock()
	b.pending[key] = &pendingOp{region: region, op: OpRead, dst: dst}
	b.mu.Unlock()

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	err := writeRequest(b.conn, wireRequest{
		Magic:   wireRequestMagic,
		Op:      uint32(wireOpRead),
		Channel: uint32(channel),
		PageIdx: uint64(pageIdx),
		Length:  uint32(b.pageSize),
	})
	if err != nil {
		return wrapErr(KindTransientBackend, "loopback post read", err)
	}

	return nil
}

func (b *LoopbackBackend) PostWrite(_ context.Context, channel int, region *Region, pageIdx int64, src []byte) error {
	key := pendingKey{channel: channel, pageIdx: pageIdx}

	b.mu.Lock()
	b.pending[key] = &pendingOp{region: region, op: OpWrite}
	b.mu.Unlock()

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	err := writeRequest(b.conn, wireRequest{
		Magic:   wireRequestMagic,
		Op:      uint32(wireOpWrite),
		Channel: uint32(channel),
		PageIdx: uint64(pageIdx),
		Length:  uint32(b.pageSize),
	})
	if err != nil {
		return wrapErr(KindTransientBackend, "loopback post write", err)
	}

	if _, err := b.conn.Write(src[:b.pageSize]); err != nil {
		return wrapErr(KindTransientBackend, "loopback post write payload", err)
	}

	return nil
}

func (b *LoopbackBackend) PollCompletions(channel int, max int) ([]Completion, error) {
	b.compMu.Lock()
	defer b.compMu.Unlock()

	q := b.completions[channel]
	if len(q) == 0 {
		return nil, nil
	}

	if max <= 0 || max > len(q) {
		max = len(q)
	}

	out := q[:max]
	b.completions[channel] = q[max:]

	return out, nil
}

// AllocateRemote reports offset 0: ServeLoopback addresses every page by
// its index from the start of its arena, so a region's remote range always
// starts there. size is not checked against the server's capacity.
func (b *LoopbackBackend) AllocateRemote(region *Region, size int64) (uint64, error) {
	return 0, nil
}

func (b *LoopbackBackend) RemoveRegion(region *Region) error {
	return nil
}

// Close shuts down the reply reader and underlying connection.
func (b *LoopbackBackend) Close() error {
	close(b.done)
	return b.conn.Close()
}

func (b *LoopbackBackend) queueCompletion(channel int, c Completion) {
	b.compMu.Lock()
	defer b.compMu.Unlock()

	b.completions[channel] = append(b.completions[channel], c)
}

// ServeLoopback is the serving end of the wire protocol above: it reads
// requests off conn and performs the I/O against an arena, standing in for
// whatever a real remote-memory server does on the other side of the
// fabric. ServeLoopback blocks until conn is closed or ctx is done.
func ServeLoopback(ctx context.Context, conn net.Conn, arena *cache.FrameArena, pageSize int64) error {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		req, err := readRequest(conn)
		if err != nil {
			if err == io.EOF {
				return nil
			}

			return fmt.Errorf("loopback server: read request: %w", err)
		}

		off := int64(req.PageIdx) * pageSize

		switch wireOp(req.Op) {
		case wireOpRead:
			buf := make([]byte, pageSize)

			_, rerr := arena.ReadAt(buf, off)

			rep := wireReply{Magic: wireReplyMagic, Channel: req.Channel, PageIdx: req.PageIdx, Op: req.Op}
			if rerr != nil {
				rep.ErrCode = 1
			}

			if err := writeReply(conn, rep); err != nil {
				return fmt.Errorf("loopback server: write reply: %w", err)
			}

			if rerr == nil {
				if _, err := conn.Write(buf); err != nil {
					return fmt.Errorf("loopback server: write payload: %w", err)
				}
			}
		case wireOpWrite:
			buf := make([]byte, pageSize)
			if _, err := io.ReadFull(conn, buf); err != nil {
				return fmt.Errorf("loopback server: read payload: %w", err)
			}

			_, werr := arena.WriteAt(buf, off)

			rep := wireReply{Magic: wireReplyMagic, Channel: req.Channel, PageIdx: req.PageIdx, Op: req.Op}
			if werr != nil {
				rep.ErrCode = 1
			}

			if err := writeReply(conn, rep); err != nil {
				return fmt.Errorf("loopback server: write reply: %w", err)
			}
		default:
			return fmt.Errorf("loopback server: unknown op %d", req.Op)
		}
	}
}

// nbdArenaBackend adapts a *cache.FrameArena to the ReadAt/WriteAt/Size/
// Sync shape github.com/pojntfx/go-nbd/pkg/server.Export.Backend expects —
// the same block.Device shape the teacher's own pkg/nbd/server.go hands to
// server.Handle, narrowed to the four methods the library's Backend
// interface needs.
type nbdArenaBackend struct {
	arena *cache.FrameArena
}

func (b nbdArenaBackend) ReadAt(p []byte, off int64) (int, error) { return b.arena.ReadAt(p, off) }

func (b nbdArenaBackend) WriteAt(p []byte, off int64) (int, error) { return b.arena.WriteAt(p, off) }

func (b nbdArenaBackend) Size() (int64, error) { return b.arena.Size() }

func (b nbdArenaBackend) Sync() error { return b.arena.Sync() }

// ServeNBDExport exposes arena as a real NBD export on every connection
// accepted from ln, using github.com/pojntfx/go-nbd/pkg/server's actual
// wire protocol — the same library, Export and Options shape the
// teacher's pkg/nbd/server.go (Server.Run) drives, one export named
// "rmem" backed by the arena instead of a block.Device disk image. An
// operator can mount the served remote-memory slab with any standard NBD
// client for inspection.
//
// This is a second, real transport alongside ServeLoopback above, not a
// replacement for it: ServeLoopback speaks the channel-tagged post/poll
// protocol the fault state machine and eviction engine's Backend
// contract need (see the framing comment above this file's wire
// constants), which the NBD wire protocol has no way to express. Run
// both listeners side by side if a deployment wants the export mountable
// as well as servicing the engine.
func ServeNBDExport(ctx context.Context, ln net.Listener, arena *cache.FrameArena) error {
	backend := nbdArenaBackend{arena: arena}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				continue
			}
		}

		go func() {
			defer conn.Close()

			_ = server.Handle(
				conn,
				[]*server.Export{
					{
						Name:        "rmem",
						Description: "remote-memory paging arena",
						Backend:     backend,
					},
				},
				&server.Options{
					ReadOnly:           false,
					MinimumBlockSize:   uint32(1),
					PreferredBlockSize: uint32(PageSize),
					MaximumBlockSize:   uint32(0xffffffff),
					SupportsMultiConn:  true,
				})
		}()
	}
}
