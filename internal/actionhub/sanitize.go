package actionhub

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/microcosm-cc/bluemonday"
)

var textPolicy = bluemonday.StrictPolicy()

// cleanText strips all markup from user-supplied text.
func cleanText(s string) string {
	return strings.TrimSpace(textPolicy.Sanitize(strings.TrimSpace(s)))
}

// CanonicalAccount normalizes an account identity. Ethereum addresses are
// rewritten in EIP-55 checksum form; anything else is an opaque key and is
// only trimmed.
func CanonicalAccount(s string) string {
	s = strings.TrimSpace(s)
	if common.IsHexAddress(s) {
		return common.HexToAddress(s).Hex()
	}
	return s
}
