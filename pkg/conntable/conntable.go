// Package conntable implements the relay's shared connection table: the
// five-slot mapping from peer slot to its currently accepted connection,
// read by every receiver loop to stamp forwarded frames and answer status
// polls, and mutated under a per-slot write lock.
package conntable

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/spacehaus/gss/pkg/frame"
)

// bit assignment for the netstat bitmask: bit7=CLIENT, bit6=ROOFUHF,
// bit5=ROOFXBAND, bit4=HAYSTACK, bit3=TRACK, bits 0-2 reserved zero.
var readyBit = [frame.NumSlots]byte{
	frame.CLIENT:    0x80,
	frame.ROOFUHF:   0x40,
	frame.ROOFXBAND: 0x20,
	frame.HAYSTACK:  0x10,
	frame.TRACK:     0x08,
}

// record holds one slot's currently-accepted socket, its readiness, and the
// write mutex that serializes every send/replace against that socket.
type record struct {
	mu    sync.Mutex // guards conn; held across accept/close and every Send
	conn  net.Conn
	ready atomic.Bool
	addr  net.Addr
}

// Table is the fixed five-slot connection table shared by every receiver
// loop. The zero value is not usable; use New.
type Table struct {
	slots [frame.NumSlots]*record
}

// New creates an empty connection table with all slots unready.
func New() *Table {
	t := &Table{}
	for i := range t.slots {
		t.slots[i] = &record{}
	}
	return t
}

func (t *Table) rec(slot frame.Slot) *record {
	return t.slots[slot]
}

// SetReady sets slot's readiness. Only the slot's own receiver loop should
// call this; it is a plain atomic store, observed without a lock by every
// other loop's SnapshotReady/IsReady call.
func (t *Table) SetReady(slot frame.Slot, ready bool) {
	t.rec(slot).ready.Store(ready)
}

// IsReady reports whether slot currently has an accepted, ready connection.
func (t *Table) IsReady(slot frame.Slot) bool {
	return t.rec(slot).ready.Load()
}

// SnapshotReady packs the current readiness of all five slots into the
// netstat bitmask.
func (t *Table) SnapshotReady() byte {
	var b byte
	for s := frame.Slot(0); s < frame.NumSlots; s++ {
		if t.rec(s).ready.Load() {
			b |= readyBit[s]
		}
	}
	return b
}

// ReplaceConn closes slot's prior connection, if any, and installs conn as
// the new current connection. Only the slot's own receiver loop should call
// this; it takes the slot's write mutex, the same lock taken by Send, so a
// replace can never race a send.
func (t *Table) ReplaceConn(slot frame.Slot, conn net.Conn) {
	r := t.rec(slot)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		r.conn.Close()
	}
	r.conn = conn
	if conn != nil {
		r.addr = conn.RemoteAddr()
	} else {
		r.addr = nil
	}
}

// PeerAddr returns the remote address of slot's current connection, or nil
// if there isn't one. Used only for logging.
func (t *Table) PeerAddr(slot frame.Slot) net.Addr {
	r := t.rec(slot)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

// ErrNotReady is returned by Send when the destination slot has no ready
// connection.
var ErrNotReady = notReadyError{}

type notReadyError struct{}

func (notReadyError) Error() string { return "conntable: destination slot not ready" }

// Send writes f's wire encoding to slot's current connection under the
// slot's write mutex, serializing it against concurrent sends and against
// the slot's own receiver loop replacing the connection. Any caller (the
// slot's own receiver loop answering a poll, or another loop's router
// forwarding a frame) goes through here.
//
// A send failure does not itself clear readiness: that is the owning
// receiver loop's job, observed on its next recv.
func (t *Table) Send(slot frame.Slot, f *frame.Frame, writeTimeout func(net.Conn)) error {
	r := t.rec(slot)
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.ready.Load() || r.conn == nil {
		return ErrNotReady
	}

	if writeTimeout != nil {
		writeTimeout(r.conn)
	}

	buf := f.Encode()
	n, err := r.conn.Write(buf[:])
	if err != nil {
		return err
	}
	if n != len(buf) {
		return &ShortWriteError{Wrote: n, Want: len(buf)}
	}
	return nil
}

// ShortWriteError reports that a send wrote fewer bytes than the frame
// requires. net.Conn.Write on a stream socket either writes everything
// requested or returns an error, so this should never be observed in
// practice; it exists as a defensive check rather than a trusted invariant.
type ShortWriteError struct {
	Wrote, Want int
}

func (e *ShortWriteError) Error() string {
	return "conntable: short write"
}
