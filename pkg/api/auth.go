package api

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v4"

	"github.com/pozk-network/miner-orchestrator/internal/errs"
)

// domainName/domainVersion fix the EIP-712 domain this server signs
// challenges under; loginTypeHash/domainTypeHash are its two struct hashes.
const (
	domainName    = "pozk-miner"
	domainVersion = "1"
)

var (
	domainTypeHash = crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	loginTypeHash  = crypto.Keccak256Hash([]byte("Message(uint256 nonce,address address,string domain)"))
)

// loginRequest is the EIP-4361-flavored payload clients POST to /login: an
// EIP-712 signature over {nonce, address, domain} under this server's
// EIP-712 domain. Domain is the caller-asserted login domain, checked
// against the server's configured allow-list and folded into the signed
// digest so a signature for one domain can't be replayed under another.
type loginRequest struct {
	Address string `json:"address"`
	Domain  string `json:"domain"`
	Nonce   uint64 `json:"nonce"`
	V       uint64 `json:"v"`
	R       string `json:"r"`
	S       string `json:"s"`
}

// loginClaims is the JWT payload issued on successful verification.
type loginClaims struct {
	Address string `json:"address"`
	jwt.RegisteredClaims
}

// domainSeparator computes the EIP-712 domain hash for chainID, with a zero
// verifyingContract — this server has no on-chain presence of its own.
func domainSeparator(chainID *big.Int) common.Hash {
	nameHash := crypto.Keccak256Hash([]byte(domainName))
	versionHash := crypto.Keccak256Hash([]byte(domainVersion))

	buf := make([]byte, 0, 32*5)
	buf = append(buf, domainTypeHash.Bytes()...)
	buf = append(buf, nameHash.Bytes()...)
	buf = append(buf, versionHash.Bytes()...)
	buf = append(buf, common.LeftPadBytes(chainID.Bytes(), 32)...)
	buf = append(buf, common.LeftPadBytes(common.Address{}.Bytes(), 32)...)
	return crypto.Keccak256Hash(buf)
}

// loginDigest computes the EIP-712 typed-data digest for a {nonce, address,
// domain} challenge.
func loginDigest(chainID *big.Int, nonce uint64, address common.Address, domain string) common.Hash {
	structBuf := make([]byte, 0, 32*4)
	structBuf = append(structBuf, loginTypeHash.Bytes()...)
	structBuf = append(structBuf, common.LeftPadBytes(new(big.Int).SetUint64(nonce).Bytes(), 32)...)
	structBuf = append(structBuf, common.LeftPadBytes(address.Bytes(), 32)...)
	structBuf = append(structBuf, crypto.Keccak256Hash([]byte(domain)).Bytes()...)
	structHash := crypto.Keccak256Hash(structBuf)

	domainSep := domainSeparator(chainID)

	digestBuf := make([]byte, 0, 2+32+32)
	digestBuf = append(digestBuf, 0x19, 0x01)
	digestBuf = append(digestBuf, domainSep.Bytes()...)
	digestBuf = append(digestBuf, structHash.Bytes()...)
	return crypto.Keccak256Hash(digestBuf)
}

// authenticator verifies EIP-712 login challenges and issues/validates the
// HS512 JWTs guarding the rest of the admin surface.
type authenticator struct {
	chainID        *big.Int
	secret         []byte
	minerAddr      common.Address
	allowedDomains map[string]bool
}

func newAuthenticator(chainID *big.Int, secret string, minerAddr common.Address, allowedDomains []string) *authenticator {
	allowed := make(map[string]bool, len(allowedDomains))
	for _, d := range allowedDomains {
		allowed[d] = true
	}
	return &authenticator{chainID: chainID, secret: []byte(secret), minerAddr: minerAddr, allowedDomains: allowed}
}

func (a *authenticator) login(req loginRequest) (string, error) {
	if !a.allowedDomains[req.Domain] {
		return "", fmt.Errorf("%w: domain %q is not in the configured allow-list", errs.ErrAdmission, req.Domain)
	}

	claimedAddr := common.HexToAddress(req.Address)
	if claimedAddr != a.minerAddr {
		return "", fmt.Errorf("%w: address does not match the configured miner", errs.ErrAdmission)
	}

	r, err := hexutil.Decode(req.R)
	if err != nil || len(r) != 32 {
		return "", fmt.Errorf("%w: invalid r", errs.ErrAdmission)
	}
	s, err := hexutil.Decode(req.S)
	if err != nil || len(s) != 32 {
		return "", fmt.Errorf("%w: invalid s", errs.ErrAdmission)
	}

	sig := make([]byte, 65)
	copy(sig[0:32], r)
	copy(sig[32:64], s)
	v := req.V
	if v >= 27 {
		v -= 27
	}
	sig[64] = byte(v)

	digest := loginDigest(a.chainID, req.Nonce, claimedAddr, req.Domain)
	pubKey, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return "", fmt.Errorf("%w: recover signer: %v", errs.ErrAdmission, err)
	}
	recovered := crypto.PubkeyToAddress(*pubKey)
	if recovered != claimedAddr {
		return "", fmt.Errorf("%w: signature does not match claimed address", errs.ErrAdmission)
	}

	return a.issueToken(claimedAddr)
}

func (a *authenticator) issueToken(addr common.Address) (string, error) {
	now := time.Now()
	claims := loginClaims{
		Address: addr.Hex(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(7 * 24 * time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS512, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("%w: sign token: %v", errs.ErrInternal, err)
	}
	return signed, nil
}

const iatTolerance = 5 * time.Minute

func (a *authenticator) verify(tokenString string) (common.Address, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &loginClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return common.Address{}, fmt.Errorf("%w: invalid token", errs.ErrAdmission)
	}
	claims, ok := parsed.Claims.(*loginClaims)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: invalid token claims", errs.ErrAdmission)
	}
	if claims.IssuedAt != nil && claims.IssuedAt.Time.After(time.Now().Add(iatTolerance)) {
		return common.Address{}, fmt.Errorf("%w: token issued in the future", errs.ErrAdmission)
	}
	return common.HexToAddress(claims.Address), nil
}

// requireAuth wraps handler, rejecting requests without a valid bearer token.
func (a *authenticator) requireAuth(handler func(http.ResponseWriter, *http.Request, common.Address)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authz := r.Header.Get("Authorization")
		tokenString := strings.TrimPrefix(authz, "Bearer ")
		if tokenString == authz {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
			return
		}
		addr, err := a.verify(tokenString)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}
		handler(w, r, addr)
	}
}

func (a *authenticator) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed login payload"})
		return
	}
	token, err := a.login(req)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
