package crypto

import (
	"encoding/hex"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestSealerRoundTrip(t *testing.T) {
	s, err := NewSealer("hunter2", 1000)
	require.NoError(t, err)

	blob, err := s.Seal([]byte(`{"apiKey":"k"}`))
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "apiKey")

	// a second sealer with the same password opens it despite its own salt
	other, err := NewSealer("hunter2", 1000)
	require.NoError(t, err)
	plain, err := other.Open(blob)
	require.NoError(t, err)
	assert.Equal(t, `{"apiKey":"k"}`, string(plain))

	wrong, err := NewSealer("nope", 1000)
	require.NoError(t, err)
	_, err = wrong.Open(blob)
	assert.Error(t, err)

	_, err = NewSealer("", 0)
	assert.Error(t, err)
}

func TestLoadKey(t *testing.T) {
	k, err := LoadKey(KeyConfig{RawPrivateKey: "0x" + testKey})
	require.NoError(t, err)
	assert.Equal(t, testKey, k)

	_, err = LoadKey(KeyConfig{RawPrivateKey: "0xzz"})
	assert.Error(t, err)
	_, err = LoadKey(KeyConfig{})
	assert.Error(t, err)
}

func TestLoadKeyFromSealedFile(t *testing.T) {
	if testing.Short() {
		t.Skip("full-strength key derivation")
	}
	s, err := NewSealer("pw", 0)
	require.NoError(t, err)
	blob, err := s.Seal([]byte(testKey))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	k, err := LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"})
	require.NoError(t, err)
	assert.Equal(t, testKey, k)
}

func TestSignOrderRecoversSigner(t *testing.T) {
	exchange := common.HexToAddress("0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E")
	s, err := NewSigner(testKey, 137, exchange)
	require.NoError(t, err)

	o := Order{
		Salt:        big.NewInt(12345),
		Maker:       s.Address(),
		Signer:      s.Address(),
		TokenID:     big.NewInt(1),
		MakerAmount: big.NewInt(5_000_000),
		TakerAmount: big.NewInt(10_000_000),
		Expiration:  big.NewInt(0),
		Nonce:       big.NewInt(0),
		FeeRateBps:  big.NewInt(0),
		Side:        SideBuy,
	}
	sigHex, err := s.SignOrder(o)
	require.NoError(t, err)

	sig, err := hex.DecodeString(sigHex[2:])
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	// signing is deterministic (RFC 6979)
	again, err := s.SignOrder(o)
	require.NoError(t, err)
	assert.Equal(t, sigHex, again)

	o.Salt = nil
	_, err = s.SignOrder(o)
	assert.Error(t, err)
}

func TestOrderHashMatchesSignedDigest(t *testing.T) {
	s, err := NewSigner(testKey, 137, common.HexToAddress("0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"))
	require.NoError(t, err)
	o := Order{
		Salt:        big.NewInt(777),
		Maker:       s.Address(),
		Signer:      s.Address(),
		TokenID:     big.NewInt(2),
		MakerAmount: big.NewInt(1_000_000),
		TakerAmount: big.NewInt(2_000_000),
		Expiration:  big.NewInt(0),
		Nonce:       big.NewInt(0),
		FeeRateBps:  big.NewInt(0),
	}

	id, err := s.OrderHash(o)
	require.NoError(t, err)
	digest, err := hex.DecodeString(id[2:])
	require.NoError(t, err)
	require.Len(t, digest, 32)

	sigHex, err := s.SignOrder(o)
	require.NoError(t, err)
	sig, err := hex.DecodeString(sigHex[2:])
	require.NoError(t, err)
	sig[64] -= 27
	pub, err := ethcrypto.SigToPub(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), ethcrypto.PubkeyToAddress(*pub))

	o.Salt = big.NewInt(778)
	other, err := s.OrderHash(o)
	require.NoError(t, err)
	assert.NotEqual(t, id, other)
}

func TestSignAuthRecoversSigner(t *testing.T) {
	s, err := NewSigner(testKey, 137, common.Address{})
	require.NoError(t, err)

	sigHex, err := s.SignAuth(1700000000, 0)
	require.NoError(t, err)
	sig, err := hex.DecodeString(sigHex[2:])
	require.NoError(t, err)
	sig[64] -= 27

	structHash := ethcrypto.Keccak256(
		clobAuthTypeHash,
		common.LeftPadBytes(s.Address().Bytes(), 32),
		ethcrypto.Keccak256([]byte("1700000000")),
		word(big.NewInt(0)),
		ethcrypto.Keccak256([]byte(ClobAuthMessage)),
	)
	pub, err := ethcrypto.SigToPub(TypedDigest(s.authSep, structHash), sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), ethcrypto.PubkeyToAddress(*pub))
}

func TestL2HeadersAt(t *testing.T) {
	h := HMACAuth{Key: "key", Secret: "c2VjcmV0", Passphrase: "pass"}
	a := h.L2HeadersAt("0xabc", "POST", "/order", `{"a":1}`, 1700000000)
	b := h.L2HeadersAt("0xabc", "POST", "/order", `{"a":1}`, 1700000000)
	assert.Equal(t, a, b)
	assert.Equal(t, "1700000000", a["POLY_TIMESTAMP"])
	assert.Equal(t, "key", a["POLY_API_KEY"])
	assert.NotEmpty(t, a["POLY_SIGNATURE"])

	c := h.L2HeadersAt("0xabc", "POST", "/order", `{"a":2}`, 1700000000)
	assert.NotEqual(t, a["POLY_SIGNATURE"], c["POLY_SIGNATURE"])
	assert.NotContains(t, h.String(), "c2VjcmV0")
}

func TestRelaySignature(t *testing.T) {
	now := time.Unix(1700000000, 0)
	body := []byte(`{"op":"place"}`)
	sig := RelaySignature("shh", now.Unix(), "POST", "/relay/v1/place", body)

	tests := []struct {
		name   string
		secret string
		ts     int64
		body   []byte
		want   bool
	}{
		{"valid", "shh", now.Unix(), body, true},
		{"wrong secret", "nope", now.Unix(), body, false},
		{"tampered body", "shh", now.Unix(), []byte(`{"op":"cancel"}`), false},
		{"stale", "shh", now.Add(-10 * time.Minute).Unix(), body, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want,
				VerifyRelaySignature(tt.secret, tt.ts, "POST", "/relay/v1/place", tt.body, sig, now, time.Minute))
		})
	}
}
