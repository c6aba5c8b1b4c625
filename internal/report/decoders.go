package report

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/ChuLiYu/cytoreport/pkg/types"
)

var (
	// ErrTooFewColumns is wrapped by DecodeError when a data line is shorter than its layout.
	ErrTooFewColumns = errors.New("too few columns")
	// ErrMissingSeparator is wrapped by DecodeError when a cluster line has no ':'.
	ErrMissingSeparator = errors.New("missing ':' separator")
	// ErrNotIntegral is wrapped by DecodeError when an identity column is not an integer.
	ErrNotIntegral = errors.New("identity is not an integer")
)

// DecodeError describes one data line that could not be decoded. The line
// is skipped and the stream keeps going.
type DecodeError struct {
	Op    types.Operation
	Frame int
	Line  string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s frame %d: %v: %q", e.Op, e.Frame, e.Err, e.Line)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// decoder is the per-operation pair of hooks: init allocates the container
// of a freshly opened frame, decode applies one data line to it. logger is
// the parser's logger, for operations whose lines are only reported.
type decoder struct {
	init   func(f *types.Frame)
	decode func(f *types.Frame, line string, logger *slog.Logger) error
}

// decoderFor is the closed dispatch table. ok is false for unknown operations.
func decoderFor(op types.Operation) (decoder, bool) {
	switch op {
	case types.OpFiberLength:
		return decoder{init: initLength, decode: decodeLength}, true
	case types.OpFiberEnd:
		return decoder{init: initEnds, decode: decodeEnd}, true
	case types.OpFiberPosition:
		return decoder{init: initPositions, decode: decodePosition}, true
	case types.OpFiberCluster:
		return decoder{init: initClusters, decode: decodeCluster}, true
	case types.OpSingleForce:
		return decoder{init: func(*types.Frame) {}, decode: decodeSingleForce}, true
	}
	return decoder{}, false
}

func initLength(f *types.Frame)    { f.Length = &types.LengthRecord{} }
func initEnds(f *types.Frame)      { f.Ends = make(map[int]types.EndRecord) }
func initPositions(f *types.Frame) { f.Positions = make(map[int]types.PositionRecord) }
func initClusters(f *types.Frame)  { f.Clusters = make(map[int][]int) }

// decodeLength: class count avg dev min max total
func decodeLength(f *types.Frame, line string, _ *slog.Logger) error {
	cols := strings.Fields(line)
	if len(cols) < 7 {
		return fmt.Errorf("%w: want 7, got %d", ErrTooFewColumns, len(cols))
	}
	vals, err := parseFloats(cols[1:7])
	if err != nil {
		return err
	}
	rec := f.Length
	rec.Count = append(rec.Count, vals[0])
	rec.Avg = append(rec.Avg, vals[1])
	rec.Dev = append(rec.Dev, vals[2])
	rec.Min = append(rec.Min, vals[3])
	rec.Max = append(rec.Max, vals[4])
	rec.Total = append(rec.Total, vals[5])
	return nil
}

// decodeEnd: class identity length stateM posM(2) dirM(2) stateP posP(2) dirP(2)
func decodeEnd(f *types.Frame, line string, _ *slog.Logger) error {
	vals, err := parseFloats(strings.Fields(line))
	if err != nil {
		return err
	}
	if len(vals) < 11 {
		return fmt.Errorf("%w: want 11, got %d", ErrTooFewColumns, len(vals))
	}
	id, err := identity(vals[1])
	if err != nil {
		return err
	}
	f.Ends[id] = types.EndRecord{
		Minus: [2]float64{vals[4], vals[5]},
		Plus:  [2]float64{vals[9], vals[10]},
	}
	return nil
}

// decodePosition: class identity length posC(2) dirC(2) end2end cosine ...
func decodePosition(f *types.Frame, line string, _ *slog.Logger) error {
	vals, err := parseFloats(strings.Fields(line))
	if err != nil {
		return err
	}
	if len(vals) < 9 {
		return fmt.Errorf("%w: want 9, got %d", ErrTooFewColumns, len(vals))
	}
	id, err := identity(vals[1])
	if err != nil {
		return err
	}
	f.Positions[id] = types.PositionRecord{
		Center:    [2]float64{vals[3], vals[4]},
		Direction: [2]float64{vals[5], vals[6]},
		Cosine:    vals[8],
	}
	return nil
}

// decodeCluster: identity stats... : member member ...
func decodeCluster(f *types.Frame, line string, _ *slog.Logger) error {
	stats, members, ok := strings.Cut(line, ":")
	if !ok {
		return ErrMissingSeparator
	}
	// only the segment between the first and second ':' lists members
	members, _, _ = strings.Cut(members, ":")

	head := strings.Fields(stats)
	if len(head) == 0 {
		return fmt.Errorf("%w: want 1, got 0", ErrTooFewColumns)
	}
	id, err := strconv.Atoi(head[0])
	if err != nil {
		return err
	}

	ids := strings.Fields(members)
	fibers := make([]int, 0, len(ids))
	for _, s := range ids {
		n, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		fibers = append(fibers, n)
	}
	f.Clusters[id] = fibers
	return nil
}

func decodeSingleForce(_ *types.Frame, line string, logger *slog.Logger) error {
	logger.Debug("single force", "line", line)
	return nil
}

func parseFloats(cols []string) ([]float64, error) {
	out := make([]float64, len(cols))
	for i, c := range cols {
		v, err := strconv.ParseFloat(c, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func identity(v float64) (int, error) {
	if v != math.Trunc(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %v", ErrNotIntegral, v)
	}
	return int(v), nil
}
