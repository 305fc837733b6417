// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package propagation

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/haven-foundation/haven/bundle"
)

// Link is a reliable, ordered, bidirectional frame channel to one
// neighbor. Implementations carry whole frames: a Receive returns
// exactly the bytes of one Send. A link that reports an error is dead
// and must be replaced by a fresh connection.
type Link interface {
	// NeighborID names the neighbor this link reaches. Inbound links
	// report an empty string until the handshake reveals the peer.
	NeighborID() string

	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Compile-time interface checks.
var (
	_ Link = (*TCPLink)(nil)
	_ Link = (*PipeLink)(nil)
)

// lengthPrefixSize is the size of the frame length header: a big-endian
// uint32 byte count.
const lengthPrefixSize = 4

// TCPLink frames messages over a TCP connection with a 4-byte length
// prefix. Frames larger than maxFrame are refused in both directions;
// an oversized inbound length is treated as a protocol violation and
// kills the link rather than allocating unbounded memory.
type TCPLink struct {
	conn       net.Conn
	neighborID string
	maxFrame   int
}

// DialTCP connects to a neighbor's listen address.
func DialTCP(ctx context.Context, neighborID, address string, maxFrame int) (*TCPLink, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", bundle.ErrNeighborDisconnected, neighborID, err)
	}
	return &TCPLink{conn: conn, neighborID: neighborID, maxFrame: maxFrame}, nil
}

func (l *TCPLink) NeighborID() string { return l.neighborID }

func (l *TCPLink) Send(ctx context.Context, frame []byte) error {
	if len(frame) > l.maxFrame {
		return fmt.Errorf("propagation: frame of %d bytes exceeds limit %d", len(frame), l.maxFrame)
	}
	stop, err := l.armDeadline(ctx)
	if err != nil {
		return err
	}
	defer stop()
	header := make([]byte, lengthPrefixSize)
	binary.BigEndian.PutUint32(header, uint32(len(frame)))
	if _, err := l.conn.Write(header); err != nil {
		return l.disconnected(ctx, err)
	}
	if _, err := l.conn.Write(frame); err != nil {
		return l.disconnected(ctx, err)
	}
	return nil
}

func (l *TCPLink) Receive(ctx context.Context) ([]byte, error) {
	stop, err := l.armDeadline(ctx)
	if err != nil {
		return nil, err
	}
	defer stop()
	header := make([]byte, lengthPrefixSize)
	if _, err := io.ReadFull(l.conn, header); err != nil {
		return nil, l.disconnected(ctx, err)
	}
	size := binary.BigEndian.Uint32(header)
	if int(size) > l.maxFrame {
		return nil, fmt.Errorf("propagation: neighbor %s announced %d byte frame, limit %d",
			l.neighborID, size, l.maxFrame)
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(l.conn, frame); err != nil {
		return nil, l.disconnected(ctx, err)
	}
	return frame, nil
}

func (l *TCPLink) Close() error { return l.conn.Close() }

// armDeadline applies the context's deadline to the connection and
// arranges for cancellation to interrupt I/O already blocked in a
// read or write, by forcing an expired deadline. The returned stop
// function must be called once the I/O completes.
func (l *TCPLink) armDeadline(ctx context.Context) (stop func() bool, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := l.conn.SetDeadline(deadline); err != nil {
		return nil, l.disconnected(ctx, err)
	}
	return context.AfterFunc(ctx, func() {
		l.conn.SetDeadline(time.Unix(0, 0))
	}), nil
}

// disconnected wraps an I/O error. Cancellation surfaces as the
// context's own error so callers can tell shutdown apart from a
// neighbor dropping the link.
func (l *TCPLink) disconnected(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %s: %w", bundle.ErrNeighborDisconnected, l.neighborID, err)
}

// PipeLink is an in-memory link for tests and same-process nodes.
// Each end owns a receive queue; Pipe wires two ends together. The
// queues are buffered so strictly alternating protocols do not
// deadlock on a synchronous rendezvous.
type PipeLink struct {
	neighborID string
	in         chan []byte
	out        chan []byte
	done       chan struct{}
	peerDone   chan struct{}
}

// Pipe returns a connected pair of links. The first end names the
// second's neighbor ID and vice versa.
func Pipe(firstNeighbor, secondNeighbor string) (*PipeLink, *PipeLink) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	aDone := make(chan struct{})
	bDone := make(chan struct{})
	a := &PipeLink{neighborID: firstNeighbor, in: ba, out: ab, done: aDone, peerDone: bDone}
	b := &PipeLink{neighborID: secondNeighbor, in: ab, out: ba, done: bDone, peerDone: aDone}
	return a, b
}

func (l *PipeLink) NeighborID() string { return l.neighborID }

func (l *PipeLink) Send(ctx context.Context, frame []byte) error {
	buf := make([]byte, len(frame))
	copy(buf, frame)
	select {
	case l.out <- buf:
		return nil
	case <-l.done:
		return fmt.Errorf("%w: %s: link closed", bundle.ErrNeighborDisconnected, l.neighborID)
	case <-l.peerDone:
		return fmt.Errorf("%w: %s: peer closed", bundle.ErrNeighborDisconnected, l.neighborID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *PipeLink) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-l.in:
		return frame, nil
	default:
	}
	select {
	case frame := <-l.in:
		return frame, nil
	case <-l.done:
		return nil, fmt.Errorf("%w: %s: link closed", bundle.ErrNeighborDisconnected, l.neighborID)
	case <-l.peerDone:
		return nil, fmt.Errorf("%w: %s: peer closed", bundle.ErrNeighborDisconnected, l.neighborID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *PipeLink) Close() error {
	select {
	case <-l.done:
		return errors.New("propagation: link already closed")
	default:
		close(l.done)
		return nil
	}
}
