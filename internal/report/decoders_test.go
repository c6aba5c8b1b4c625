package report

import (
	"errors"
	"log/slog"
	"strconv"
	"testing"

	"github.com/ChuLiYu/cytoreport/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frameFor(t *testing.T, op types.Operation) (*types.Frame, decoder) {
	t.Helper()
	dec, ok := decoderFor(op)
	require.True(t, ok)
	f := &types.Frame{}
	dec.init(f)
	return f, dec
}

func TestDecoderFor_Closed(t *testing.T) {
	for _, op := range types.Operations() {
		_, ok := decoderFor(op)
		assert.True(t, ok, "operation %s", op)
	}
	_, ok := decoderFor(types.Operation("nope"))
	assert.False(t, ok)
}

// Decoding the same line twice appends two equal entries.
func TestDecodeLength_Idempotent(t *testing.T) {
	f, dec := frameFor(t, types.OpFiberLength)
	line := "classA 5 1.2 0.3 0.5 2.0 6.0"
	require.NoError(t, dec.decode(f, line, slog.Default()))
	require.NoError(t, dec.decode(f, line, slog.Default()))

	assert.Equal(t, []float64{5, 5}, f.Length.Count)
	assert.Equal(t, []float64{6.0, 6.0}, f.Length.Total)
}

func TestDecodeCluster_Idempotent(t *testing.T) {
	f, dec := frameFor(t, types.OpFiberCluster)
	require.NoError(t, dec.decode(f, "3 12 : 1 4 9", slog.Default()))
	first := append([]int(nil), f.Clusters[3]...)
	require.NoError(t, dec.decode(f, "3 12 : 1 4 9", slog.Default()))
	assert.Equal(t, first, f.Clusters[3])
}

func TestDecodeLength_Errors(t *testing.T) {
	f, dec := frameFor(t, types.OpFiberLength)

	err := dec.decode(f, "classA 1 2", slog.Default())
	assert.True(t, errors.Is(err, ErrTooFewColumns))

	err = dec.decode(f, "classA 1 2 3 four 5 6", slog.Default())
	var numErr *strconv.NumError
	assert.True(t, errors.As(err, &numErr))

	assert.Empty(t, f.Length.Count, "failed lines leave no partial values")
}

func TestDecodeEnd_Errors(t *testing.T) {
	f, dec := frameFor(t, types.OpFiberEnd)

	assert.True(t, errors.Is(dec.decode(f, "1 2 3 4 5", slog.Default()), ErrTooFewColumns))
	assert.True(t, errors.Is(dec.decode(f, "1 2.5 3 4 5 6 7 8 9 10 11", slog.Default()), ErrNotIntegral))
	assert.Error(t, dec.decode(f, "fiber 2 3 4 5 6 7 8 9 10 11", slog.Default()))
	assert.Empty(t, f.Ends)
}

func TestDecodePosition_Errors(t *testing.T) {
	f, dec := frameFor(t, types.OpFiberPosition)

	assert.True(t, errors.Is(dec.decode(f, "1 2 3 4 5 6 7 8", slog.Default()), ErrTooFewColumns))
	assert.Empty(t, f.Positions)
}

func TestDecodeCluster_Errors(t *testing.T) {
	f, dec := frameFor(t, types.OpFiberCluster)

	assert.True(t, errors.Is(dec.decode(f, "3 12 1 4 9", slog.Default()), ErrMissingSeparator))
	assert.True(t, errors.Is(dec.decode(f, "   : 1 2", slog.Default()), ErrTooFewColumns))
	assert.Error(t, dec.decode(f, "x 1 : 1 2", slog.Default()))
	assert.Error(t, dec.decode(f, "3 1 : 1 two", slog.Default()))
	assert.Empty(t, f.Clusters)
}

func TestDecodeCluster_ExtraColons(t *testing.T) {
	f, dec := frameFor(t, types.OpFiberCluster)
	require.NoError(t, dec.decode(f, "2 5 : 8 9 : trailing", slog.Default()))
	assert.Equal(t, []int{8, 9}, f.Clusters[2])
}

func TestDecodeError_Message(t *testing.T) {
	err := &DecodeError{Op: types.OpFiberLength, Frame: 3, Line: "bad", Err: ErrTooFewColumns}
	assert.Contains(t, err.Error(), "length")
	assert.Contains(t, err.Error(), "frame 3")
	assert.True(t, errors.Is(err, ErrTooFewColumns))
}
