// Package validation содержит функции валидации входных данных.
package validation

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// IsValidAddress проверяет, что строка является hex-адресом кошелька или пула.
func IsValidAddress(addr string) bool {
	return common.IsHexAddress(strings.TrimSpace(addr))
}

// NormalizeAddress приводит адрес к форме с контрольной суммой EIP-55.
// Два написания одного адреса после нормализации совпадают.
func NormalizeAddress(addr string) (string, bool) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return "", false
	}
	return common.HexToAddress(addr).Hex(), true
}

// SameAddress сообщает, указывают ли две строки на один адрес.
func SameAddress(a, b string) bool {
	na, okA := NormalizeAddress(a)
	nb, okB := NormalizeAddress(b)
	return okA && okB && na == nb
}
