package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ClobAuthMessage is the fixed attestation signed when deriving API keys.
const ClobAuthMessage = "This message attests that I control the given wallet"

var (
	authDomainTypeHash = ethcrypto.Keccak256([]byte(
		"EIP712Domain(string name,string version,uint256 chainId)"))
	exchangeDomainTypeHash = ethcrypto.Keccak256([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	clobAuthTypeHash = ethcrypto.Keccak256([]byte(
		"ClobAuth(address address,string timestamp,uint256 nonce,string message)"))
	orderTypeHash = ethcrypto.Keccak256([]byte(
		"Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side,uint8 signatureType)"))
)

// Order sides and signature types as encoded in the exchange contract.
const (
	SideBuy  uint8 = 0
	SideSell uint8 = 1

	SignatureEOA        uint8 = 0
	SignaturePolyProxy  uint8 = 1
	SignatureGnosisSafe uint8 = 2
)

// Order is the struct signed for the CTF exchange.
type Order struct {
	Salt          *big.Int
	Maker         common.Address
	Signer        common.Address
	Taker         common.Address
	TokenID       *big.Int
	MakerAmount   *big.Int
	TakerAmount   *big.Int
	Expiration    *big.Int
	Nonce         *big.Int
	FeeRateBps    *big.Int
	Side          uint8
	SignatureType uint8
}

// Signer signs ClobAuth and Order messages with one secp256k1 key.
type Signer struct {
	key         *ecdsa.PrivateKey
	address     common.Address
	authSep     []byte
	exchangeSep []byte
}

// NewSigner creates a Signer for chainID (137 Polygon, 80002 Amoy) against
// the given exchange contract.
func NewSigner(privateKeyHex string, chainID int64, exchange common.Address) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	cid := big.NewInt(chainID)
	return &Signer{
		key:     pk,
		address: ethcrypto.PubkeyToAddress(pk.PublicKey),
		authSep: ethcrypto.Keccak256(
			authDomainTypeHash,
			ethcrypto.Keccak256([]byte("ClobAuthDomain")),
			ethcrypto.Keccak256([]byte("1")),
			word(cid),
		),
		exchangeSep: ethcrypto.Keccak256(
			exchangeDomainTypeHash,
			ethcrypto.Keccak256([]byte("Polymarket CTF Exchange")),
			ethcrypto.Keccak256([]byte("1")),
			word(cid),
			common.LeftPadBytes(exchange.Bytes(), 32),
		),
	}, nil
}

// Address returns the signing address.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignAuth signs the ClobAuth attestation for the L1 key derivation headers.
func (s *Signer) SignAuth(timestamp, nonce int64) (string, error) {
	structHash := ethcrypto.Keccak256(
		clobAuthTypeHash,
		common.LeftPadBytes(s.address.Bytes(), 32),
		ethcrypto.Keccak256([]byte(strconv.FormatInt(timestamp, 10))),
		word(big.NewInt(nonce)),
		ethcrypto.Keccak256([]byte(ClobAuthMessage)),
	)
	return s.signTyped(s.authSep, structHash)
}

// SignOrder signs o and returns the 0x-prefixed 65-byte signature.
func (s *Signer) SignOrder(o Order) (string, error) {
	structHash, err := orderStructHash(o)
	if err != nil {
		return "", err
	}
	return s.signTyped(s.exchangeSep, structHash)
}

// OrderHash returns the 0x-prefixed EIP-712 digest of o, which the CLOB uses
// as the order id.
func (s *Signer) OrderHash(o Order) (string, error) {
	structHash, err := orderStructHash(o)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(TypedDigest(s.exchangeSep, structHash)), nil
}

func orderStructHash(o Order) ([]byte, error) {
	for name, v := range map[string]*big.Int{
		"salt": o.Salt, "tokenId": o.TokenID, "makerAmount": o.MakerAmount, "takerAmount": o.TakerAmount,
		"expiration": o.Expiration, "nonce": o.Nonce, "feeRateBps": o.FeeRateBps,
	} {
		if v == nil || v.Sign() < 0 {
			return nil, fmt.Errorf("crypto/signer: order %s must be a non-negative integer", name)
		}
	}
	return ethcrypto.Keccak256(
		orderTypeHash,
		word(o.Salt),
		common.LeftPadBytes(o.Maker.Bytes(), 32),
		common.LeftPadBytes(o.Signer.Bytes(), 32),
		common.LeftPadBytes(o.Taker.Bytes(), 32),
		word(o.TokenID),
		word(o.MakerAmount),
		word(o.TakerAmount),
		word(o.Expiration),
		word(o.Nonce),
		word(o.FeeRateBps),
		word(big.NewInt(int64(o.Side))),
		word(big.NewInt(int64(o.SignatureType))),
	), nil
}

// TypedDigest returns keccak256("\x19\x01" || domainSeparator || structHash).
func TypedDigest(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256([]byte{0x19, 0x01}, domainSep, structHash)
}

func (s *Signer) signTyped(domainSep, structHash []byte) (string, error) {
	sig, err := ethcrypto.Sign(TypedDigest(domainSep, structHash), s.key)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	// go-ethereum yields v in {0,1}; the exchange expects {27,28}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// word left-pads n to a 32-byte ABI word.
func word(n *big.Int) []byte {
	return common.LeftPadBytes(n.Bytes(), 32)
}
