package pipeline

// The pinned github.com/grailbio/hts/sam free pool pulls sync.fastrand via
// go:linkname, but that runtime symbol was removed in Go 1.20. Re-export the
// runtime's fastrand under the old name so binaries that reach the pool link.

import _ "unsafe" // for go:linkname

//go:linkname runtimeFastrand runtime.fastrand
func runtimeFastrand() uint32

//go:linkname syncFastrand sync.fastrand
func syncFastrand() uint32 { return runtimeFastrand() }
