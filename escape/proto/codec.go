/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license.
 **************************************************************************/

package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// Errors returned by the wire codec. A short read anywhere in a message
// is reported as ErrTruncated; any unrecognized tag byte is ErrMalformed.
var (
	ErrMalformed = errors.New("escapepod/proto: malformed message")
	ErrTruncated = errors.New("escapepod/proto: truncated message")
)

const (
	maxStringLen = 1 << 20 // 1MiB, a path/exec string has no business being bigger
	maxSeqLen    = 1 << 24 // a process tree this deep would indicate corruption
	maxBufferLen = 1 << 34 // generous cap for one mmap's worth of bytes
)

// enc wraps an io.Writer with the fixed-width primitives the codec needs.
// Every EscapeeMessage is written as a concatenation of these primitives;
// there is no outer framing length, the decoder is schema-driven.
type enc struct {
	w   io.Writer
	err error
}

func (e *enc) write(b []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(b)
}

func (e *enc) u8(v uint8)   { e.write([]byte{v}) }
func (e *enc) u16(v uint16) { var b [2]byte; binary.LittleEndian.PutUint16(b[:], v); e.write(b[:]) }
func (e *enc) u32(v uint32) { var b [4]byte; binary.LittleEndian.PutUint32(b[:], v); e.write(b[:]) }
func (e *enc) u64(v uint64) { var b [8]byte; binary.LittleEndian.PutUint64(b[:], v); e.write(b[:]) }
func (e *enc) i32(v int32)  { e.u32(uint32(v)) }

func (e *enc) bytes(b []byte) {
	e.u32(uint32(len(b)))
	e.write(b)
}

func (e *enc) str(s string) {
	e.bytes([]byte(s))
}

func (e *enc) ip(ip net.IP) {
	e.bytes([]byte(ip))
}

// dec wraps an io.Reader with the matching decode primitives. Callers
// should wrap the underlying connection in a *bufio.Reader (the
// transport does this) so message boundaries don't force extra syscalls.
type dec struct {
	r   io.Reader
	err error
}

func (d *dec) read(n int) []byte {
	if d.err != nil {
		return nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			d.err = fmt.Errorf("%w: %v", ErrTruncated, err)
		} else {
			d.err = err
		}
		return nil
	}
	return b
}

func (d *dec) u8() uint8 {
	b := d.read(1)
	if d.err != nil {
		return 0
	}
	return b[0]
}

func (d *dec) u16() uint16 {
	b := d.read(2)
	if d.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (d *dec) u32() uint32 {
	b := d.read(4)
	if d.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *dec) u64() uint64 {
	b := d.read(8)
	if d.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *dec) i32() int32 {
	return int32(d.u32())
}

func (d *dec) bytesMax(max int) []byte {
	n := d.u32()
	if d.err != nil {
		return nil
	}
	if int(n) > max {
		d.err = fmt.Errorf("%w: sequence length %d exceeds limit", ErrMalformed, n)
		return nil
	}
	return d.read(int(n))
}

func (d *dec) str() string {
	b := d.bytesMax(maxStringLen)
	if d.err != nil {
		return ""
	}
	return string(b)
}

func (d *dec) ip() net.IP {
	b := d.bytesMax(64)
	if d.err != nil {
		return nil
	}
	if len(b) == 0 {
		return nil
	}
	return net.IP(b)
}

// --- EscapeeMessage ---------------------------------------------------

// EncodeMessage writes the canonical encoding of msg to w.
func EncodeMessage(w io.Writer, msg EscapeeMessage) error {
	e := &enc{w: w}
	e.u8(uint8(msg.Kind))
	switch msg.Kind {
	case MsgProcessTrees:
		encodeProcessSeq(e, msg.ProcessTrees)
	case MsgBuffer:
		encodeBuffer(e, msg.Buffer)
	case MsgFile:
		encodeFile(e, msg.File)
	case MsgFileData:
		encodeFileData(e, msg.FileData)
	case MsgDone:
		// no payload
	default:
		return fmt.Errorf("%w: unknown message kind %d", ErrMalformed, msg.Kind)
	}
	return e.err
}

// DecodeMessage reads one canonical EscapeeMessage from r. r should be
// buffered by the caller (the transport layer does this) so that a
// decode doesn't straddle read syscalls unnecessarily.
func DecodeMessage(r io.Reader) (EscapeeMessage, error) {
	d := &dec{r: r}
	kind := MessageKind(d.u8())
	var msg EscapeeMessage
	msg.Kind = kind
	switch kind {
	case MsgProcessTrees:
		msg.ProcessTrees = decodeProcessSeq(d)
	case MsgBuffer:
		msg.Buffer = decodeBuffer(d)
	case MsgFile:
		msg.File = decodeFile(d)
	case MsgFileData:
		msg.FileData = decodeFileData(d)
	case MsgDone:
		// no payload
	default:
		if d.err == nil {
			d.err = fmt.Errorf("%w: unknown message tag %d", ErrMalformed, kind)
		}
	}
	if d.err != nil {
		return EscapeeMessage{}, d.err
	}
	return msg, nil
}

// --- Process / Thread / MemoryMapping / Fd -----------------------------

func encodeProcessSeq(e *enc, procs []Process) {
	e.u32(uint32(len(procs)))
	for i := range procs {
		encodeProcess(e, procs[i])
	}
}

func decodeProcessSeq(d *dec) []Process {
	n := d.u32()
	if d.err != nil {
		return nil
	}
	if int(n) > maxSeqLen {
		d.err = fmt.Errorf("%w: process sequence too long", ErrMalformed)
		return nil
	}
	out := make([]Process, n)
	for i := range out {
		out[i] = decodeProcess(d)
		if d.err != nil {
			return nil
		}
	}
	return out
}

func encodeProcess(e *enc, p Process) {
	e.i32(p.Pid)
	e.u32(uint32(len(p.Mmaps)))
	for _, m := range p.Mmaps {
		encodeMapping(e, m)
	}
	e.u32(uint32(len(p.Fds)))
	for _, f := range p.Fds {
		encodeFd(e, f)
	}
	e.u32(uint32(len(p.Threads)))
	for _, t := range p.Threads {
		encodeThread(e, t)
	}
}

func decodeProcess(d *dec) (p Process) {
	p.Pid = d.i32()
	if n := d.u32(); d.err == nil {
		if int(n) > maxSeqLen {
			d.err = fmt.Errorf("%w: mapping sequence too long", ErrMalformed)
			return
		}
		p.Mmaps = make([]MemoryMapping, n)
		for i := range p.Mmaps {
			p.Mmaps[i] = decodeMapping(d)
		}
	}
	if n := d.u32(); d.err == nil {
		if int(n) > maxSeqLen {
			d.err = fmt.Errorf("%w: fd sequence too long", ErrMalformed)
			return
		}
		p.Fds = make([]Fd, n)
		for i := range p.Fds {
			p.Fds[i] = decodeFd(d)
		}
	}
	if n := d.u32(); d.err == nil {
		if int(n) > maxSeqLen {
			d.err = fmt.Errorf("%w: thread sequence too long", ErrMalformed)
			return
		}
		p.Threads = make([]Thread, n)
		for i := range p.Threads {
			p.Threads[i] = decodeThread(d)
		}
	}
	return
}

func encodeThread(e *enc, t Thread) {
	e.i32(t.Tid)
	e.u32(t.Uid)
	e.u32(t.Gid)
	e.bytes(t.Reg)
	encodeProcessSeq(e, t.Children)
}

func decodeThread(d *dec) (t Thread) {
	t.Tid = d.i32()
	t.Uid = d.u32()
	t.Gid = d.u32()
	t.Reg = d.bytesMax(maxBufferLen)
	t.Children = decodeProcessSeq(d)
	return
}

func encodeMapping(e *enc, m MemoryMapping) {
	e.u64(m.Address)
	e.u64(m.Len)
	e.u8(uint8(m.Perm))
	e.u8(uint8(m.Flags))
	e.u8(uint8(m.Data.Kind))
	switch m.Data.Kind {
	case MappingBuffer:
		e.u32(uint32(m.Data.Buffer))
	case MappingFile:
		e.u32(m.Data.FileFd)
		e.u64(m.Data.FileOffset)
	case MappingKernelVvar:
		// no payload
	}
}

func decodeMapping(d *dec) (m MemoryMapping) {
	m.Address = d.u64()
	m.Len = d.u64()
	m.Perm = MapPerm(d.u8())
	m.Flags = MapFlags(d.u8())
	kind := MappingKind(d.u8())
	m.Data.Kind = kind
	switch kind {
	case MappingBuffer:
		m.Data.Buffer = BufferId(d.u32())
	case MappingFile:
		m.Data.FileFd = d.u32()
		m.Data.FileOffset = d.u64()
	case MappingKernelVvar:
		// no payload
	default:
		if d.err == nil {
			d.err = fmt.Errorf("%w: unknown mapping tag %d", ErrMalformed, kind)
		}
	}
	return
}

func encodeFd(e *enc, f Fd) {
	e.u32(f.Fd)
	e.u32(f.Mode)
	e.u8(uint8(f.Kind))
	switch f.Kind {
	case FdFile:
		e.str(f.Path)
		e.u64(f.Position)
	case FdPipe:
		e.u64(f.PipeId)
	case FdSocketUnix:
		e.str(f.UnixPath)
		e.u8(uint8(f.UnixKind))
	case FdSocketIp:
		e.ip(f.IpAddr)
		e.u16(f.IpPort)
		e.u8(uint8(f.IpKind))
	}
}

func decodeFd(d *dec) (f Fd) {
	f.Fd = d.u32()
	f.Mode = d.u32()
	kind := FdKind(d.u8())
	f.Kind = kind
	switch kind {
	case FdFile:
		f.Path = d.str()
		f.Position = d.u64()
	case FdPipe:
		f.PipeId = d.u64()
	case FdSocketUnix:
		f.UnixPath = d.str()
		f.UnixKind = SocketEndpointKind(d.u8())
	case FdSocketIp:
		f.IpAddr = d.ip()
		f.IpPort = d.u16()
		f.IpKind = SocketEndpointKind(d.u8())
	default:
		if d.err == nil {
			d.err = fmt.Errorf("%w: unknown fd tag %d", ErrMalformed, kind)
		}
	}
	return
}

// --- Buffer / File / FileData ------------------------------------------

func encodeBuffer(e *enc, b Buffer) {
	e.u32(uint32(b.Id))
	e.bytes(b.Buf)
}

func decodeBuffer(d *dec) (b Buffer) {
	b.Id = BufferId(d.u32())
	b.Buf = d.bytesMax(maxBufferLen)
	return
}

func encodeFile(e *enc, f File) {
	e.u32(uint32(f.Id))
	e.u32(f.Uid)
	e.u32(f.Gid)
	e.u32(f.Mode)
	e.str(f.Path)
}

func decodeFile(d *dec) (f File) {
	f.Id = FileId(d.u32())
	f.Uid = d.u32()
	f.Gid = d.u32()
	f.Mode = d.u32()
	f.Path = d.str()
	return
}

func encodeFileData(e *enc, f FileData) {
	e.u32(uint32(f.Id))
	e.bytes(f.Data)
}

func decodeFileData(d *dec) (f FileData) {
	f.Id = FileId(d.u32())
	f.Data = d.bytesMax(maxBufferLen)
	return
}
