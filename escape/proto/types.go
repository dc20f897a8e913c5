/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license.
 **************************************************************************/

// Package proto defines the escapepod snapshot data model and its canonical
// binary wire encoding. A snapshot is a tree of Process records produced
// once by the freeze controller, streamed across the wire as an
// EscapeeMessage sequence, and consumed once by the destination driver and
// restorer.
package proto

import "net"

// BufferId names one anonymous memory region for out-of-band transfer.
// Ids are allocated from a single monotonic counter shared across an
// entire snapshot so that no two mappings, anywhere in the tree, collide.
type BufferId uint32

// FileId names one synced filesystem path (captured, not yet streamed).
type FileId uint32

// Process is a captured process node. Mappings are disjoint and
// page-aligned in both address and length; fds are keyed uniquely by fd
// number within the process.
type Process struct {
	Pid     int32
	Mmaps   []MemoryMapping
	Fds     []Fd
	Threads []Thread
}

// Thread is one task within a Process. The first entry in a Process's
// Threads slice is the primary thread. Children is the recursive fan-out
// of the process tree: a thread "has children" when it forked new
// processes.
type Thread struct {
	Tid      int32
	Uid      uint32
	Gid      uint32
	Reg      []byte // opaque, architecture-specific register file
	Children []Process
}

// MemoryMapping is one page-aligned region of a process's address space.
type MemoryMapping struct {
	Address uint64
	Len     uint64
	Perm    MapPerm
	Flags   MapFlags
	Data    MappingData
}

func (m MemoryMapping) AddressEnd() uint64 {
	return m.Address + m.Len
}

// MapPerm mirrors the PROT_* bitmask used by mmap(2).
type MapPerm uint8

const (
	PermRead MapPerm = 1 << iota
	PermWrite
	PermExec
)

// MapFlags records the private/shared classification of a mapping,
// recovered from /proc/pid/smaps' VmFlags line where available (see
// SPEC_FULL.md §13 for why this differs from the original source, which
// hardcodes zero here).
type MapFlags uint8

const (
	MapPrivate MapFlags = 1 << iota
	MapShared
)

// MappingKind tags which variant of MappingData is populated.
type MappingKind uint8

const (
	MappingBuffer MappingKind = iota
	MappingFile
	MappingKernelVvar
)

// MappingData is the tagged union over a mapping's backing store.
type MappingData struct {
	Kind MappingKind

	// populated when Kind == MappingBuffer
	Buffer BufferId

	// populated when Kind == MappingFile
	FileFd     uint32
	FileOffset uint64
}

// FdKind tags which variant of Fd's descriptor-specific fields apply.
type FdKind uint8

const (
	FdFile FdKind = iota
	FdPipe
	FdSocketUnix
	FdSocketIp
)

// SocketEndpointKind distinguishes a socket fd that was bound versus one
// that was connected.
type SocketEndpointKind uint8

const (
	SocketBind SocketEndpointKind = iota
	SocketConnect
)

// Fd is one captured file descriptor table entry.
type Fd struct {
	Fd   uint32
	Mode uint32
	Kind FdKind

	// FdFile
	Path     string
	Position uint64

	// FdPipe
	PipeId uint64

	// FdSocketUnix
	UnixPath string
	UnixKind SocketEndpointKind

	// FdSocketIp
	IpAddr net.IP
	IpPort uint16
	IpKind SocketEndpointKind
}

// Buffer carries the contents of one anonymous memory mapping.
type Buffer struct {
	Id  BufferId
	Buf []byte
}

// File carries the metadata of one synced filesystem path.
type File struct {
	Id   FileId
	Uid  uint32
	Gid  uint32
	Mode uint32
	Path string
}

// FileData carries the content of one synced filesystem path.
type FileData struct {
	Id   FileId
	Data []byte
}

// MessageKind tags which variant of EscapeeMessage is populated.
type MessageKind uint8

const (
	MsgProcessTrees MessageKind = iota
	MsgBuffer
	MsgFile
	MsgFileData
	MsgDone
)

// EscapeeMessage is the tagged union carried over the transport. Exactly
// one MsgProcessTrees is sent first; then any interleaving of MsgBuffer /
// MsgFile / MsgFileData; terminated by exactly one MsgDone.
type EscapeeMessage struct {
	Kind MessageKind

	ProcessTrees []Process
	Buffer       Buffer
	File         File
	FileData     FileData
}
