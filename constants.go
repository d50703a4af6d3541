package bfenv

import "github.com/openbfdev/bfenv/internal/constants"

// Interest and observed flags for Event, re-exported from internal/constants
// so callers never need to import that package directly.
const (
	Read     = constants.FlagRead
	Write    = constants.FlagWrite
	Edge     = constants.FlagEdge
	Blocking = constants.FlagBlocking
	EOF      = constants.FlagEOF
	ErrFlag  = constants.FlagError
)

// TimeoutInfinite means "block with no deadline" when passed to Run or to a
// backend's FetchEvents.
const TimeoutInfinite = constants.TimeoutInfinite

// Worker completion-tag flags.
const (
	SigRead  = constants.SigRead
	SigWrite = constants.SigWrite
	SigSync  = constants.SigSync
)

const (
	DefaultWorkerDepth = constants.DefaultWorkerDepth
	MinWorkerDepth     = constants.MinWorkerDepth
)
