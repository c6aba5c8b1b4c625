// Package types defines the domain model shared by the cytoreport packages:
// report operations, frame filters and the per-frame records decoded from
// the simulation report stream.
package types

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Operation is one report kind understood by the external report binary.
type Operation string

// The closed set of report operations.
const (
	OpFiberCluster  Operation = "clus"         // fiber:cluster
	OpFiberPosition Operation = "pos"          // fiber:position
	OpFiberEnd      Operation = "end"          // fiber:end
	OpFiberLength   Operation = "length"       // fiber:length
	OpSingleForce   Operation = "single-force" // single:force
)

var (
	// ErrUnknownOperation is returned when an operation name matches no known report kind.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrInvalidFrame is returned for frame indexes that are not non-negative integers.
	ErrInvalidFrame = errors.New("invalid frame index")
)

// operations is ordered for prefix matching and listing.
var operations = []Operation{
	OpFiberCluster,
	OpFiberPosition,
	OpFiberEnd,
	OpFiberLength,
	OpSingleForce,
}

var subcommands = map[Operation]string{
	OpFiberCluster:  "fiber:cluster",
	OpFiberPosition: "fiber:position",
	OpFiberEnd:      "fiber:end",
	OpFiberLength:   "fiber:length",
	OpSingleForce:   "single:force",
}

// Operations returns every known operation in a stable order.
func Operations() []Operation {
	out := make([]Operation, len(operations))
	copy(out, operations)
	return out
}

// ParseOperation resolves a user supplied name. Any string that starts with
// an operation key is accepted, so "clusters" and "length-all" both resolve.
func ParseOperation(name string) (Operation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrUnknownOperation)
	}
	for _, op := range operations {
		if strings.HasPrefix(name, string(op)) {
			return op, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownOperation, name)
}

// Valid reports whether o is a member of the closed operation set.
func (o Operation) Valid() bool {
	_, ok := subcommands[o]
	return ok
}

// Subcommand returns the report binary sub-command, e.g. "fiber:cluster".
func (o Operation) Subcommand() string {
	return subcommands[o]
}

// BaseName is the sub-command with ':' replaced by '_', used in artifact names.
func (o Operation) BaseName() string {
	return strings.ReplaceAll(o.Subcommand(), ":", "_")
}

func (o Operation) String() string {
	return string(o)
}

// FrameFilter is an ordered set of frame indexes. A nil filter selects all frames.
type FrameFilter []int

// ParseFrameFilter parses "all" or a comma-separated list of frame indexes.
// The result is sorted and de-duplicated.
func ParseFrameFilter(s string) (FrameFilter, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "all" {
		return nil, nil
	}
	seen := make(map[int]struct{})
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidFrame, part)
		}
		seen[n] = struct{}{}
	}
	frames := make([]int, 0, len(seen))
	for n := range seen {
		frames = append(frames, n)
	}
	return NewFrameFilter(frames...), nil
}

// NewFrameFilter builds a filter from explicit indexes. A single index is a
// one-element filter; no index at all means "all".
func NewFrameFilter(frames ...int) FrameFilter {
	if len(frames) == 0 {
		return nil
	}
	out := make(FrameFilter, len(frames))
	copy(out, frames)
	sort.Ints(out)
	return out
}

// All reports whether the filter selects every frame.
func (f FrameFilter) All() bool {
	return len(f) == 0
}

// Arg renders the filter as the report binary argument "frame=0,1,2".
// It returns "" for the "all" filter.
func (f FrameFilter) Arg() string {
	if f.All() {
		return ""
	}
	parts := make([]string, len(f))
	for i, n := range f {
		parts[i] = strconv.Itoa(n)
	}
	return "frame=" + strings.Join(parts, ",")
}

// Min returns the lowest selected frame.
func (f FrameFilter) Min() int {
	m := f[0]
	for _, n := range f[1:] {
		if n < m {
			m = n
		}
	}
	return m
}

// Max returns the highest selected frame.
func (f FrameFilter) Max() int {
	m := f[0]
	for _, n := range f[1:] {
		if n > m {
			m = n
		}
	}
	return m
}

// Count describes the filter size for summaries: "all" or the number of frames.
func (f FrameFilter) Count() string {
	if f.All() {
		return "all"
	}
	return strconv.Itoa(len(f))
}

// LengthRecord holds one value per fiber class line of a frame.
type LengthRecord struct {
	Count []float64
	Avg   []float64
	Dev   []float64
	Min   []float64
	Max   []float64
	Total []float64
}

// EndRecord holds the minus-end and plus-end positions of one fiber.
type EndRecord struct {
	Minus [2]float64
	Plus  [2]float64
}

// PositionRecord holds the center, direction and alignment cosine of one fiber.
type PositionRecord struct {
	Center    [2]float64
	Direction [2]float64
	Cosine    float64
}

// Frame is the per-frame record. Exactly one container is allocated by the
// operation that opened the frame; single-force frames carry none.
type Frame struct {
	Length    *LengthRecord
	Ends      map[int]EndRecord
	Positions map[int]PositionRecord
	Clusters  map[int][]int
}

// Entries returns the number of records held by the frame.
func (f *Frame) Entries() int {
	switch {
	case f == nil:
		return 0
	case f.Length != nil:
		return len(f.Length.Count)
	case f.Ends != nil:
		return len(f.Ends)
	case f.Positions != nil:
		return len(f.Positions)
	case f.Clusters != nil:
		return len(f.Clusters)
	}
	return 0
}

// Dataset maps a frame index to its record.
type Dataset map[int]*Frame

// Indexes returns the frame indexes in ascending order.
func (d Dataset) Indexes() []int {
	out := make([]int, 0, len(d))
	for n := range d {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}
