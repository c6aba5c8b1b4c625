package artifact

// ============================================================================
// Artifact 測試檔案
// 職責：驗證檔名規則、原子性寫入、round-trip 與損壞偵測
// ============================================================================

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/ChuLiYu/cytoreport/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func sampleArtifact() Artifact {
	return Artifact{
		SimDir:    "/data/sim/run-01",
		Operation: types.OpFiberEnd,
		Dataset: types.Dataset{
			0: {Ends: map[int]types.EndRecord{
				1:  {Minus: [2]float64{0.1, -0.2}, Plus: [2]float64{1.5, 2.25}},
				42: {Minus: [2]float64{math.SmallestNonzeroFloat64, 0}, Plus: [2]float64{-3, 1e300}},
			}},
			5: {Ends: map[int]types.EndRecord{}},
		},
	}
}

func mixedDataset() types.Dataset {
	return types.Dataset{
		0: {Length: &types.LengthRecord{
			Count: []float64{5, 2},
			Avg:   []float64{1.2, 0.7},
			Dev:   []float64{0.3, 0.1},
			Min:   []float64{0.5, 0.6},
			Max:   []float64{2.0, 0.8},
			Total: []float64{6.0, 1.4},
		}},
		1:  {Length: &types.LengthRecord{}},
		2:  {Positions: map[int]types.PositionRecord{17: {Center: [2]float64{0.5, -0.5}, Direction: [2]float64{0.6, 0.8}, Cosine: 0.97}}},
		3:  {Clusters: map[int][]int{3: {1, 4, 9}, 8: {}, -1: {-5}}},
		4:  {},
		10: {Clusters: map[int][]int{}},
	}
}

// ============================================================================
// 檔名規則
// ============================================================================

func TestFileName(t *testing.T) {
	testCases := []struct {
		name   string
		op     types.Operation
		frames types.FrameFilter
		tag    string
		want   string
	}{
		{"all frames", types.OpFiberLength, nil, "", "fiber_length.report"},
		{"single frame", types.OpFiberCluster, types.NewFrameFilter(7), "", "fiber_cluster-7.report"},
		{"frame range", types.OpFiberEnd, types.NewFrameFilter(40, 0, 12), "", "fiber_end-0-40.report"},
		{"tagged", types.OpSingleForce, types.NewFrameFilter(3), "run1", "run1_single_force-3.report"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FileName(tc.op, tc.frames, tc.tag))
		})
	}

	assert.Equal(t, filepath.Join("/sim", "fiber_position.report"), Path("/sim", types.OpFiberPosition, nil, ""))
}

// ============================================================================
// 基礎功能測試
// ============================================================================

func TestNewManager(t *testing.T) {
	manager := NewManager("test.report")
	assert.NotNil(t, manager)
	assert.Equal(t, "test.report", manager.GetPath())
}

func TestWriteAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fiber_end.report")
	manager := NewManager(path)
	assert.False(t, manager.Exists())

	original := sampleArtifact()
	require.NoError(t, manager.Write(original))
	assert.True(t, manager.Exists())

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, original, loaded)
}

func TestRoundTrip_AllContainers(t *testing.T) {
	original := Artifact{SimDir: "sim", Operation: types.OpFiberLength, Dataset: mixedDataset()}

	data := Encode(original)
	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)

	// 重新編碼必須逐位元組相同
	assert.Equal(t, data, Encode(decoded))
}

func TestRoundTrip_EmptyDataset(t *testing.T) {
	original := Artifact{SimDir: "", Operation: types.OpSingleForce, Dataset: types.Dataset{}}
	decoded, err := Decode(Encode(original))
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
}

func TestEncode_Deterministic(t *testing.T) {
	a := Artifact{SimDir: "sim", Operation: types.OpFiberCluster, Dataset: mixedDataset()}
	first := Encode(a)
	for i := 0; i < 20; i++ {
		require.Equal(t, first, Encode(a), "map iteration order must not leak into the bytes")
	}
}

// TestAtomicWrite 寫入後不應殘留臨時檔案
func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.report")
	manager := NewManager(path)

	require.NoError(t, manager.Write(sampleArtifact()))
	require.NoError(t, manager.Write(sampleArtifact()))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

func TestLoad_NotFound(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.report"))
	_, err := manager.Load()
	assert.True(t, errors.Is(err, ErrArtifactNotFound))
}

func TestLoad_Corrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.report")
	data := Encode(sampleArtifact())
	data[len(data)/2] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err := NewManager(path).Load()
	assert.True(t, errors.Is(err, ErrCorruptedArtifact))
}

func TestDecode_BadMagic(t *testing.T) {
	_, err := Decode([]byte("PKL\x00\x00\x00\x00\x00"))
	assert.True(t, errors.Is(err, ErrCorruptedArtifact))

	_, err = Decode(nil)
	assert.True(t, errors.Is(err, ErrCorruptedArtifact))
}

func TestDecode_Truncated(t *testing.T) {
	data := Encode(sampleArtifact())
	_, err := Decode(data[:len(data)-6])
	assert.True(t, errors.Is(err, ErrCorruptedArtifact))
}

func TestDecode_IncompatibleVersion(t *testing.T) {
	var body []byte
	body = protowire.AppendTag(body, 1, protowire.VarintType)
	body = protowire.AppendVarint(body, 99)
	body = protowire.AppendTag(body, 2, protowire.BytesType)
	body = protowire.AppendString(body, "sim")

	data := append([]byte("CYRA"), body...)
	data = appendChecksum(data, body)

	_, err := Decode(data)
	assert.True(t, errors.Is(err, ErrIncompatibleVersion))
}

func TestVerifyChecksum(t *testing.T) {
	body := []byte("payload")
	data := appendChecksum(append([]byte(nil), body...), body)

	got, ok := VerifyChecksum(data)
	assert.True(t, ok)
	assert.Equal(t, body, got)

	_, ok = VerifyChecksum([]byte{1, 2})
	assert.False(t, ok)
}
