package artifact

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 artifact 內容的 CRC32 校驗和
// ============================================================================

import (
	"encoding/binary"
	"hash/crc32"
)

const checksumSize = 4

// CalculateChecksum 計算 artifact 訊息本體的 CRC32-IEEE 校驗和
func CalculateChecksum(body []byte) uint32 {
	return crc32.ChecksumIEEE(body)
}

// appendChecksum 將校驗和以 little-endian 附加在訊息之後
func appendChecksum(b []byte, body []byte) []byte {
	return binary.LittleEndian.AppendUint32(b, CalculateChecksum(body))
}

// VerifyChecksum 驗證尾端校驗和是否與訊息本體相符
//
// 回傳：
//
//	body - 去除校驗和後的訊息本體
//	ok   - true 表示校驗和正確
func VerifyChecksum(data []byte) (body []byte, ok bool) {
	if len(data) < checksumSize {
		return nil, false
	}
	body = data[:len(data)-checksumSize]
	stored := binary.LittleEndian.Uint32(data[len(data)-checksumSize:])
	return body, stored == CalculateChecksum(body)
}
