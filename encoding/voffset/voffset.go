// Package voffset centralizes the BGZF virtual-offset convention used when
// splitting block-compressed files.  A virtual offset addresses one
// decompressed byte in a BGZF stream: the high 48 bits are the byte address
// of the start of the compressed block that holds it, and the low 16 bits
// are the byte's offset within the decompressed block.  The packed form
// orders the same way as the byte positions it addresses, so virtual
// offsets can be compared directly.
package voffset

import "github.com/grailbio/hts/bgzf"

// VOffset is a packed BGZF virtual offset.
type VOffset uint64

// Make packs a compressed-block start address and a within-block offset
// into a VOffset.
func Make(file int64, block uint16) VOffset {
	return VOffset(uint64(file)<<16 | uint64(block))
}

// File returns the compressed byte address of the block start.
func (v VOffset) File() int64 {
	return int64(v >> 16)
}

// Block returns the offset within the decompressed block.
func (v VOffset) Block() uint16 {
	return uint16(v & 0xffff)
}

// FromBGZF converts a bgzf.Offset into its packed form.
func FromBGZF(off bgzf.Offset) VOffset {
	return Make(off.File, off.Block)
}

// BGZF returns the offset in the unpacked form used by bgzf readers.
func (v VOffset) BGZF() bgzf.Offset {
	return bgzf.Offset{File: v.File(), Block: v.Block()}
}
