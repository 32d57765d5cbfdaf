package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
)

// shamirPrime is the field modulus 2^255 - 19. Secrets are interpreted as
// big-endian integers and must be strictly less than the modulus.
var shamirPrime = func() *big.Int {
	p := new(big.Int).Lsh(big.NewInt(1), 255)
	return p.Sub(p, big.NewInt(19))
}()

// SecretSize is the byte length of secrets handled by SplitSecret.
const SecretSize = 32

// MaxShares bounds the share count; share indices must fit comfortably in
// the field and the mesh model caps founders at ten anyway.
const MaxShares = 255

// Share is one point (x, P(x) mod p) of the threshold polynomial.
type Share struct {
	Index int    `json:"index"`
	Value string `json:"value"` // hex-encoded field element
}

func (s Share) value() (*big.Int, error) {
	b, err := hex.DecodeString(s.Value)
	if err != nil {
		return nil, fmt.Errorf("share %d: invalid value encoding: %w", s.Index, err)
	}
	v := new(big.Int).SetBytes(b)
	if v.Cmp(shamirPrime) >= 0 {
		return nil, fmt.Errorf("share %d: value out of field range", s.Index)
	}
	return v, nil
}

// SplitSecret splits a 32-byte secret into n shares with threshold t using
// a random polynomial of degree t-1 over GF(2^255-19). Any t shares
// reconstruct the secret; fewer reveal nothing about it.
func SplitSecret(secret []byte, t, n int) ([]Share, error) {
	if len(secret) != SecretSize {
		return nil, fmt.Errorf("secret is %d bytes, want %d", len(secret), SecretSize)
	}
	if t < 1 {
		return nil, fmt.Errorf("threshold %d must be at least 1", t)
	}
	if n < t {
		return nil, fmt.Errorf("share count %d below threshold %d", n, t)
	}
	if n > MaxShares {
		return nil, fmt.Errorf("share count %d exceeds maximum %d", n, MaxShares)
	}
	s := new(big.Int).SetBytes(secret)
	if s.Cmp(shamirPrime) >= 0 {
		return nil, fmt.Errorf("secret not reducible: value exceeds field modulus")
	}

	// coeffs[0] is the secret; the rest are uniform random field elements.
	coeffs := make([]*big.Int, t)
	coeffs[0] = s
	for i := 1; i < t; i++ {
		c, err := rand.Int(rand.Reader, shamirPrime)
		if err != nil {
			return nil, fmt.Errorf("failed to draw polynomial coefficient: %w", err)
		}
		coeffs[i] = c
	}

	shares := make([]Share, n)
	for i := 1; i <= n; i++ {
		y := evalPolynomial(coeffs, big.NewInt(int64(i)))
		shares[i-1] = Share{Index: i, Value: hex.EncodeToString(y.Bytes())}
	}
	return shares, nil
}

// CombineShares reconstructs the secret from t or more distinct shares by
// Lagrange interpolation at x=0.
func CombineShares(shares []Share) ([]byte, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("no shares provided")
	}
	xs := make([]*big.Int, len(shares))
	ys := make([]*big.Int, len(shares))
	seen := make(map[int]bool, len(shares))
	for i, sh := range shares {
		if sh.Index < 1 {
			return nil, fmt.Errorf("share index %d out of range", sh.Index)
		}
		if seen[sh.Index] {
			return nil, fmt.Errorf("duplicate share index %d", sh.Index)
		}
		seen[sh.Index] = true
		v, err := sh.value()
		if err != nil {
			return nil, err
		}
		xs[i] = big.NewInt(int64(sh.Index))
		ys[i] = v
	}

	secret := new(big.Int)
	num := new(big.Int)
	den := new(big.Int)
	for i := range shares {
		// Lagrange basis L_i(0) = prod_{j != i} x_j / (x_j - x_i)
		num.SetInt64(1)
		den.SetInt64(1)
		for j := range shares {
			if j == i {
				continue
			}
			num.Mul(num, xs[j])
			num.Mod(num, shamirPrime)
			diff := new(big.Int).Sub(xs[j], xs[i])
			diff.Mod(diff, shamirPrime)
			den.Mul(den, diff)
			den.Mod(den, shamirPrime)
		}
		denInv := new(big.Int).ModInverse(den, shamirPrime)
		if denInv == nil {
			return nil, fmt.Errorf("shares are not interpolable")
		}
		term := new(big.Int).Mul(ys[i], num)
		term.Mod(term, shamirPrime)
		term.Mul(term, denInv)
		term.Mod(term, shamirPrime)
		secret.Add(secret, term)
		secret.Mod(secret, shamirPrime)
	}

	out := make([]byte, SecretSize)
	secret.FillBytes(out)
	return out, nil
}

// evalPolynomial computes P(x) mod p by Horner's method.
func evalPolynomial(coeffs []*big.Int, x *big.Int) *big.Int {
	y := new(big.Int)
	for i := len(coeffs) - 1; i >= 0; i-- {
		y.Mul(y, x)
		y.Add(y, coeffs[i])
		y.Mod(y, shamirPrime)
	}
	return y
}

// randomFieldSecret draws a 32-byte secret strictly below the field
// modulus, suitable as an Ed25519 seed and as a Shamir secret.
func randomFieldSecret() ([]byte, error) {
	for {
		buf := make([]byte, SecretSize)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("failed to read random secret: %w", err)
		}
		if new(big.Int).SetBytes(buf).Cmp(shamirPrime) < 0 {
			return buf, nil
		}
	}
}
