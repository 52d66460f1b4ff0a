package engine

import (
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/predictlens/predictlens/internal/domain"
)

// IntentKey derives the custody idempotency key: keccak256 over
// "market|account|kind", with "|seq" appended for stake intents since one
// account may stake many times.
func IntentKey(marketID, account string, kind domain.IntentKind, seq int64) string {
	var b strings.Builder
	b.WriteString(marketID)
	b.WriteByte('|')
	b.WriteString(account)
	b.WriteByte('|')
	b.WriteString(string(kind))
	if kind == domain.IntentStake {
		b.WriteByte('|')
		b.WriteString(strconv.FormatInt(seq, 10))
	}
	return hexutil.Encode(ethcrypto.Keccak256([]byte(b.String())))
}
