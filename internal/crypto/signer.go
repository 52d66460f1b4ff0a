package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/predictlens/predictlens/internal/domain"
)

var (
	// EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)

	// CustodyIntent(bytes32 key,string kind,string marketId,string account,uint256 amount,uint256 seq)
	custodyIntentTypeHash = ethcrypto.Keccak256(
		[]byte("CustodyIntent(bytes32 key,string kind,string marketId,string account,uint256 amount,uint256 seq)"),
	)
)

const (
	domainName    = "PredictLensCustody"
	domainVersion = "1"
)

// Signer signs custody intents so the custody contract can check they came
// from this engine.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	domainSep  []byte
}

// NewSigner creates a Signer from a hex secp256k1 key for the given chain
// and custody contract address.
func NewSigner(privateKeyHex string, chainID int64, custodyContract string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	if custodyContract != "" && !common.IsHexAddress(custodyContract) {
		return nil, fmt.Errorf("crypto/signer: invalid custody contract address %q", custodyContract)
	}
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		domainSep:  domainSeparator(chainID, common.HexToAddress(custodyContract)),
	}, nil
}

// Address returns the signer's Ethereum address.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignIntent returns the 65-byte EIP-712 signature of in, hex encoded.
func (s *Signer) SignIntent(in domain.CustodyIntent) (string, error) {
	digest, err := s.IntentDigest(in)
	if err != nil {
		return "", err
	}
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", domain.ErrSigningFailed)
	}
	// go-ethereum returns v in {0,1}; EIP-712 verifiers expect {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}
	return hexutil.Encode(sig), nil
}

// IntentDigest is keccak256("\x19\x01" || domainSeparator || structHash(in)).
func (s *Signer) IntentDigest(in domain.CustodyIntent) ([]byte, error) {
	structHash, err := intentStructHash(in)
	if err != nil {
		return nil, err
	}
	return ethcrypto.Keccak256(concatBytes([]byte{0x19, 0x01}, s.domainSep, structHash)), nil
}

// RecoverIntentSigner returns the address that produced sig over in.
func (s *Signer) RecoverIntentSigner(in domain.CustodyIntent, sig string) (common.Address, error) {
	raw, err := hexutil.Decode(sig)
	if err != nil || len(raw) != 65 {
		return common.Address{}, fmt.Errorf("crypto/signer: malformed signature")
	}
	if raw[64] >= 27 {
		raw[64] -= 27
	}
	digest, err := s.IntentDigest(in)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := ethcrypto.SigToPub(digest, raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

func domainSeparator(chainID int64, verifyingContract common.Address) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(domainName)),
			ethcrypto.Keccak256([]byte(domainVersion)),
			bigIntTo32Bytes(big.NewInt(chainID)),
			common.LeftPadBytes(verifyingContract.Bytes(), 32),
		),
	)
}

func intentStructHash(in domain.CustodyIntent) ([]byte, error) {
	key, err := hexutil.Decode(in.Key)
	if err != nil || len(key) != 32 {
		return nil, fmt.Errorf("crypto/signer: intent key %q is not 32 bytes of hex", in.Key)
	}
	if in.Amount <= 0 {
		return nil, fmt.Errorf("crypto/signer: intent %s has non-positive amount", in.Key)
	}
	return ethcrypto.Keccak256(
		concatBytes(
			custodyIntentTypeHash,
			key,
			ethcrypto.Keccak256([]byte(in.Kind)),
			ethcrypto.Keccak256([]byte(in.MarketID)),
			ethcrypto.Keccak256([]byte(in.Account)),
			bigIntTo32Bytes(big.NewInt(in.Amount)),
			bigIntTo32Bytes(big.NewInt(in.Seq)),
		),
	), nil
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	return common.LeftPadBytes(n.Bytes(), 32)
}

func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
