package pipeline

import (
	"fmt"
	"time"
)

// State is a stage of an ingestion run
type State int32

const (
	StateIdle State = iota
	StateParsing
	StateBuilding
	StateSchemaReady
	StateLoading
	StateDone
	StateFailed
)

var stateNames = [...]string{"Idle", "Parsing", "Building", "SchemaReady", "Loading", "Done", "Failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int32(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transition can happen
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Summary is the outcome of a run. A run that fails still returns one; it
// carries the counts reached so far and the fatal reason.
type Summary struct {
	State       State
	Path        []State // every state entered, in order
	FailedIn    State   // state in which a fatal error occurred
	FatalReason string
	Partial     bool // the run stopped before all items were attempted

	// Parsing
	NodesParsed     int64
	WaysParsed      int64
	RelationsParsed int64
	ParseErrors     int64
	BytesRead       int64

	// Filtering (bbox and tag processing)
	NodesFiltered     int64
	WaysFiltered      int64
	RelationsFiltered int64

	// Graph building
	Nodes              int64
	Ways               int64
	Relations          int64
	EdgesBuilt         int64
	SelfLoopsSkipped   int64
	UnresolvedRefs     int64
	DistinctUnresolved int64
	Warnings           int64

	// Schema
	TableCreated bool

	// Loading
	ItemsTotal   int64
	ItemsWritten int64
	ItemsFailed  int64
	ItemsSkipped int64
	Retries      int64
	Batches      int64
	FailedIDs    []string

	Duration time.Duration
}

// Succeeded reports whether the run reached Done
func (s *Summary) Succeeded() bool {
	return s.State == StateDone
}
