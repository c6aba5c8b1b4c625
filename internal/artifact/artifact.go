package artifact

// ============================================================================
// 職責說明：
// 1. 將單一 report job 的 Dataset 與來源目錄序列化為二進位 artifact
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 magic、校驗和與 schema 版本
// 4. 依 operation 與 frame 範圍產生固定的檔名
// ============================================================================

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/ChuLiYu/cytoreport/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedArtifact   = errors.New("artifact file is corrupted")
	ErrIncompatibleVersion = errors.New("artifact schema version is incompatible")
	ErrArtifactNotFound    = errors.New("artifact file not found")
)

// SchemaVersion 目前的 artifact 格式版本
const SchemaVersion = 1

// Extension 是 artifact 檔案的副檔名
const Extension = ".report"

var magic = []byte("CYRA")

// Artifact 一次 report job 的持久化結果：來源目錄 + 完整 Dataset
type Artifact struct {
	SimDir    string
	Operation types.Operation
	Dataset   types.Dataset
}

// FileName 產生 artifact 檔名
//
//	fiber_length.report            全部 frame
//	fiber_length-7.report          單一 frame
//	fiber_length-0-40.report       多個 frame（min-max）
//	run1_fiber_length-7.report     帶使用者 tag
func FileName(op types.Operation, frames types.FrameFilter, tag string) string {
	name := op.BaseName()
	switch len(frames) {
	case 0:
	case 1:
		name += "-" + strconv.Itoa(frames[0])
	default:
		name += fmt.Sprintf("-%d-%d", frames.Min(), frames.Max())
	}
	if tag != "" {
		name = tag + "_" + name
	}
	return name + Extension
}

// Path 回傳 dir 底下的 artifact 完整路徑
func Path(dir string, op types.Operation, frames types.FrameFilter, tag string) string {
	return filepath.Join(dir, FileName(op, frames, tag))
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Manager artifact 檔案管理器
type Manager struct {
	path string     // artifact 檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// NewManager 建立 artifact 管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// Encode 將 artifact 編碼為 magic + 訊息本體 + CRC32
func Encode(a Artifact) []byte {
	body := marshalArtifact(a)
	out := make([]byte, 0, len(magic)+len(body)+checksumSize)
	out = append(out, magic...)
	out = append(out, body...)
	return appendChecksum(out, body)
}

// Decode 解析 Encode 產生的位元組
func Decode(data []byte) (Artifact, error) {
	if !bytes.HasPrefix(data, magic) {
		return Artifact{}, fmt.Errorf("%w: bad magic", ErrCorruptedArtifact)
	}
	body, ok := VerifyChecksum(data[len(magic):])
	if !ok {
		return Artifact{}, fmt.Errorf("%w: checksum mismatch", ErrCorruptedArtifact)
	}

	a, ver, err := unmarshalArtifact(body)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: %v", ErrCorruptedArtifact, err)
	}
	if ver != SchemaVersion {
		return Artifact{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, ver, SchemaVersion)
	}
	return a, nil
}

// Write 原子性寫入 artifact
//
// 流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Write(a Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data := Encode(a)
	tmpPath := m.path + ".tmp"

	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp artifact: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		// 重新命名失敗，清理臨時檔案
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename artifact: %w", err)
	}
	return nil
}

// Load 載入 artifact
//
// 行為：
//   - 檔案不存在時回傳 ErrArtifactNotFound
//   - 驗證 magic、校驗和與 schema 版本
func (m *Manager) Load() (Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Artifact{}, fmt.Errorf("%w: %s", ErrArtifactNotFound, m.path)
		}
		return Artifact{}, fmt.Errorf("failed to read artifact: %w", err)
	}
	return Decode(data)
}

// Exists 檢查 artifact 檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得 artifact 檔案路徑
func (m *Manager) GetPath() string {
	return m.path
}
