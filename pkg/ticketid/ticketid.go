// Package ticketid 生成不可预测的票据标识
package ticketid

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// EntropyBytes 随机部分的字节数（256 位）
const EntropyBytes = 32

// Generate 生成形如 "ST-<随机串>" 的票据标识
// 前缀只用于排查问题，不参与随机部分
func Generate(prefix string) (string, error) {
	bytes := make([]byte, EntropyBytes)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("生成随机数失败: %w", err)
	}
	return prefix + "-" + base64.RawURLEncoding.EncodeToString(bytes), nil
}
