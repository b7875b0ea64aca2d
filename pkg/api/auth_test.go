package api

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

// signChallenge produces a valid (v, r, s) over loginDigest for priv, the way
// a real miner client would before calling POST /login.
func signChallenge(t *testing.T, priv *ecdsa.PrivateKey, chainID *big.Int, nonce uint64, addr common.Address, domain string) (v uint64, r, s string) {
	t.Helper()
	digest := loginDigest(chainID, nonce, addr, domain)
	sig, err := crypto.Sign(digest.Bytes(), priv)
	require.NoError(t, err)
	return uint64(sig[64]) + 27, hexutil.Encode(sig[0:32]), hexutil.Encode(sig[32:64])
}

func TestAuthenticatorLogin(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	minerAddr := crypto.PubkeyToAddress(priv.PublicKey)
	chainID := big.NewInt(1337)

	auth := newAuthenticator(chainID, "test-secret", minerAddr, []string{"pozk-miner.example"})

	t.Run("rejects domain not in allow-list", func(t *testing.T) {
		v, r, s := signChallenge(t, priv, chainID, 1, minerAddr, "evil.example")
		_, err := auth.login(loginRequest{
			Address: minerAddr.Hex(), Domain: "evil.example", Nonce: 1, V: v, R: r, S: s,
		})
		require.Error(t, err)
	})

	t.Run("rejects address not equal to configured miner", func(t *testing.T) {
		other, err := crypto.GenerateKey()
		require.NoError(t, err)
		otherAddr := crypto.PubkeyToAddress(other.PublicKey)
		v, r, s := signChallenge(t, other, chainID, 1, otherAddr, "pozk-miner.example")
		_, err = auth.login(loginRequest{
			Address: otherAddr.Hex(), Domain: "pozk-miner.example", Nonce: 1, V: v, R: r, S: s,
		})
		require.Error(t, err)
	})

	t.Run("rejects signature signed for a different domain than claimed", func(t *testing.T) {
		v, r, s := signChallenge(t, priv, chainID, 1, minerAddr, "other-allowed.example")
		_, err := auth.login(loginRequest{
			Address: minerAddr.Hex(), Domain: "pozk-miner.example", Nonce: 1, V: v, R: r, S: s,
		})
		require.Error(t, err)
	})

	t.Run("issues a token for a valid challenge", func(t *testing.T) {
		v, r, s := signChallenge(t, priv, chainID, 1, minerAddr, "pozk-miner.example")
		token, err := auth.login(loginRequest{
			Address: minerAddr.Hex(), Domain: "pozk-miner.example", Nonce: 1, V: v, R: r, S: s,
		})
		require.NoError(t, err)
		require.NotEmpty(t, token)

		addr, err := auth.verify(token)
		require.NoError(t, err)
		require.Equal(t, minerAddr, addr)
	})
}
