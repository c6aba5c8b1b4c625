package artifact

// ============================================================================
// Artifact wire codec
// ============================================================================
//
// The artifact body is a protobuf wire message built with protowire, so it
// can be read by any protobuf decoder given the schema below:
//
//   message Artifact {
//     uint32 schema_ver = 1;
//     string sim_dir    = 2;
//     string operation  = 3;
//     repeated Frame frames = 4;      // ascending index
//   }
//   message Frame {
//     uint64 index      = 1;
//     uint64 containers = 2;          // bitmask, see container* below
//     Length length     = 3;
//     repeated End ends = 4;          // ascending id
//     repeated Position positions = 5;
//     repeated Cluster clusters   = 6;
//   }
//   message Length   { repeated double count = 1; avg = 2; dev = 3; min = 4; max = 5; total = 6; }
//   message End      { sint64 id = 1; repeated double minus_plus = 2; }       // 4 values
//   message Position { sint64 id = 1; repeated double values = 2; }           // cx cy dx dy cos
//   message Cluster  { sint64 id = 1; repeated sint64 members = 2; }
//
// Repeated scalars are packed. Doubles keep their exact bit pattern.
// ============================================================================

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/ChuLiYu/cytoreport/pkg/types"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	containerLength uint64 = 1 << iota
	containerEnds
	containerPositions
	containerClusters
)

var errShortField = errors.New("malformed field")

func marshalArtifact(a Artifact) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, SchemaVersion)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, a.SimDir)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, string(a.Operation))

	for _, idx := range a.Dataset.Indexes() {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalFrame(idx, a.Dataset[idx]))
	}
	return b
}

func marshalFrame(idx int, f *types.Frame) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(idx))
	if f == nil {
		return b
	}

	var mask uint64
	if f.Length != nil {
		mask |= containerLength
	}
	if f.Ends != nil {
		mask |= containerEnds
	}
	if f.Positions != nil {
		mask |= containerPositions
	}
	if f.Clusters != nil {
		mask |= containerClusters
	}
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, mask)

	if f.Length != nil {
		var lb []byte
		for i, seq := range [][]float64{f.Length.Count, f.Length.Avg, f.Length.Dev, f.Length.Min, f.Length.Max, f.Length.Total} {
			lb = appendPackedDoubles(lb, protowire.Number(i+1), seq)
		}
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, lb)
	}

	for _, id := range sortedKeys(f.Ends) {
		e := f.Ends[id]
		b = appendEntry(b, 4, id, e.Minus[0], e.Minus[1], e.Plus[0], e.Plus[1])
	}
	for _, id := range sortedKeys(f.Positions) {
		p := f.Positions[id]
		b = appendEntry(b, 5, id, p.Center[0], p.Center[1], p.Direction[0], p.Direction[1], p.Cosine)
	}
	for _, id := range sortedKeys(f.Clusters) {
		var cb []byte
		cb = protowire.AppendTag(cb, 1, protowire.VarintType)
		cb = protowire.AppendVarint(cb, protowire.EncodeZigZag(int64(id)))
		var packed []byte
		for _, m := range f.Clusters[id] {
			packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(int64(m)))
		}
		if len(packed) > 0 {
			cb = protowire.AppendTag(cb, 2, protowire.BytesType)
			cb = protowire.AppendBytes(cb, packed)
		}
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, cb)
	}
	return b
}

func appendEntry(b []byte, num protowire.Number, id int, vals ...float64) []byte {
	var eb []byte
	eb = protowire.AppendTag(eb, 1, protowire.VarintType)
	eb = protowire.AppendVarint(eb, protowire.EncodeZigZag(int64(id)))
	eb = appendPackedDoubles(eb, 2, vals)
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, eb)
}

func appendPackedDoubles(b []byte, num protowire.Number, vals []float64) []byte {
	if len(vals) == 0 {
		return b
	}
	packed := make([]byte, 0, 8*len(vals))
	for _, v := range vals {
		packed = protowire.AppendFixed64(packed, math.Float64bits(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// fieldFunc handles one field of a message; it returns the bytes consumed
// from b (the value only, the tag is already gone) or a negative protowire code.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) int

func walkMessage(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m := fn(num, typ, b)
		if m == 0 {
			// field not handled by fn
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func unmarshalArtifact(b []byte) (Artifact, uint64, error) {
	a := Artifact{Dataset: make(types.Dataset)}
	var ver uint64
	var ferr error

	err := walkMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			ver = v
			return n
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			a.SimDir = v
			return n
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			a.Operation = types.Operation(v)
			return n
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			idx, f, err := unmarshalFrame(v)
			if err != nil && ferr == nil {
				ferr = err
			}
			a.Dataset[idx] = f
			return n
		}
		return 0
	})
	if err == nil {
		err = ferr
	}
	return a, ver, err
}

func unmarshalFrame(b []byte) (int, *types.Frame, error) {
	var idx int
	f := &types.Frame{}
	var ferr error
	setErr := func(err error) {
		if ferr == nil {
			ferr = err
		}
	}

	err := walkMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num == 1 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			idx = int(v)
			return n
		}
		if num == 2 && typ == protowire.VarintType {
			mask, n := protowire.ConsumeVarint(b)
			if mask&containerLength != 0 && f.Length == nil {
				f.Length = &types.LengthRecord{}
			}
			if mask&containerEnds != 0 && f.Ends == nil {
				f.Ends = make(map[int]types.EndRecord)
			}
			if mask&containerPositions != 0 && f.Positions == nil {
				f.Positions = make(map[int]types.PositionRecord)
			}
			if mask&containerClusters != 0 && f.Clusters == nil {
				f.Clusters = make(map[int][]int)
			}
			return n
		}
		if typ != protowire.BytesType {
			return 0
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		switch num {
		case 3:
			if f.Length == nil {
				f.Length = &types.LengthRecord{}
			}
			setErr(unmarshalLength(v, f.Length))
		case 4:
			id, vals, err := unmarshalEntry(v)
			if err == nil && len(vals) != 4 {
				err = fmt.Errorf("%w: end entry has %d values", errShortField, len(vals))
			}
			if err != nil {
				setErr(err)
				return n
			}
			if f.Ends == nil {
				f.Ends = make(map[int]types.EndRecord)
			}
			f.Ends[id] = types.EndRecord{Minus: [2]float64{vals[0], vals[1]}, Plus: [2]float64{vals[2], vals[3]}}
		case 5:
			id, vals, err := unmarshalEntry(v)
			if err == nil && len(vals) != 5 {
				err = fmt.Errorf("%w: position entry has %d values", errShortField, len(vals))
			}
			if err != nil {
				setErr(err)
				return n
			}
			if f.Positions == nil {
				f.Positions = make(map[int]types.PositionRecord)
			}
			f.Positions[id] = types.PositionRecord{
				Center:    [2]float64{vals[0], vals[1]},
				Direction: [2]float64{vals[2], vals[3]},
				Cosine:    vals[4],
			}
		case 6:
			id, members, err := unmarshalCluster(v)
			if err != nil {
				setErr(err)
				return n
			}
			if f.Clusters == nil {
				f.Clusters = make(map[int][]int)
			}
			f.Clusters[id] = members
		}
		return n
	})
	if err == nil {
		err = ferr
	}
	return idx, f, err
}

func unmarshalLength(b []byte, rec *types.LengthRecord) error {
	seqs := []*[]float64{&rec.Count, &rec.Avg, &rec.Dev, &rec.Min, &rec.Max, &rec.Total}
	var ferr error
	err := walkMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num < 1 || int(num) > len(seqs) || typ != protowire.BytesType {
			return 0
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		vals, err := unpackDoubles(v)
		if err != nil && ferr == nil {
			ferr = err
		}
		*seqs[num-1] = append(*seqs[num-1], vals...)
		return n
	})
	if err == nil {
		err = ferr
	}
	return err
}

func unmarshalEntry(b []byte) (int, []float64, error) {
	var id int
	var vals []float64
	var ferr error
	err := walkMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			id = int(protowire.DecodeZigZag(v))
			return n
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			got, err := unpackDoubles(v)
			if err != nil && ferr == nil {
				ferr = err
			}
			vals = append(vals, got...)
			return n
		}
		return 0
	})
	if err == nil {
		err = ferr
	}
	return id, vals, err
}

func unmarshalCluster(b []byte) (int, []int, error) {
	var id int
	members := []int{}
	err := walkMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			id = int(protowire.DecodeZigZag(v))
			return n
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			for len(v) > 0 {
				m, k := protowire.ConsumeVarint(v)
				if k < 0 {
					return k
				}
				members = append(members, int(protowire.DecodeZigZag(m)))
				v = v[k:]
			}
			return n
		}
		return 0
	})
	return id, members, err
}

func unpackDoubles(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("%w: packed doubles length %d", errShortField, len(b))
	}
	out := make([]float64, 0, len(b)/8)
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, math.Float64frombits(v))
		b = b[n:]
	}
	return out, nil
}
