package identity

import (
	"bytes"
	"crypto/rand"
	"math/big"
	"testing"
)

func TestSplitCombineRoundTrip(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		t, n int
	}{
		{"1-of-1", 1, 1},
		{"2-of-3", 2, 3},
		{"3-of-5", 3, 5},
		{"5-of-10", 5, 10},
		{"10-of-10", 10, 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			secret, err := randomFieldSecret()
			if err != nil {
				t.Fatalf("randomFieldSecret: %v", err)
			}
			shares, err := SplitSecret(secret, tc.t, tc.n)
			if err != nil {
				t.Fatalf("SplitSecret: %v", err)
			}
			if len(shares) != tc.n {
				t.Fatalf("got %d shares, want %d", len(shares), tc.n)
			}

			// Exactly t shares reconstruct, from the front and the back.
			got, err := CombineShares(shares[:tc.t])
			if err != nil {
				t.Fatalf("CombineShares(first %d): %v", tc.t, err)
			}
			if !bytes.Equal(got, secret) {
				t.Errorf("first-%d reconstruction mismatch", tc.t)
			}
			got, err = CombineShares(shares[tc.n-tc.t:])
			if err != nil {
				t.Fatalf("CombineShares(last %d): %v", tc.t, err)
			}
			if !bytes.Equal(got, secret) {
				t.Errorf("last-%d reconstruction mismatch", tc.t)
			}

			// All n shares also reconstruct.
			got, err = CombineShares(shares)
			if err != nil {
				t.Fatalf("CombineShares(all): %v", err)
			}
			if !bytes.Equal(got, secret) {
				t.Errorf("full reconstruction mismatch")
			}
		})
	}
}

func TestBelowThresholdRevealsNothing(t *testing.T) {
	t.Parallel()
	// With t-1 shares, interpolation yields an effectively random value;
	// over many trials it should essentially never equal the secret.
	matches := 0
	trials := 200
	for i := 0; i < trials; i++ {
		secret, err := randomFieldSecret()
		if err != nil {
			t.Fatalf("randomFieldSecret: %v", err)
		}
		shares, err := SplitSecret(secret, 3, 5)
		if err != nil {
			t.Fatalf("SplitSecret: %v", err)
		}
		got, err := CombineShares(shares[:2])
		if err != nil {
			t.Fatalf("CombineShares: %v", err)
		}
		if bytes.Equal(got, secret) {
			matches++
		}
	}
	if matches > 0 {
		t.Errorf("undersized share sets reproduced the secret %d/%d times", matches, trials)
	}
}

func TestSplitSecretRejectsBadInput(t *testing.T) {
	t.Parallel()
	good := make([]byte, SecretSize)

	overflow := new(big.Int).Add(shamirPrime, big.NewInt(1))
	tooBig := make([]byte, SecretSize)
	overflow.FillBytes(tooBig)

	cases := []struct {
		name   string
		secret []byte
		t, n   int
	}{
		{"short secret", make([]byte, 16), 1, 1},
		{"zero threshold", good, 0, 3},
		{"n below t", good, 3, 2},
		{"too many shares", good, 2, MaxShares + 1},
		{"secret exceeds modulus", tooBig, 2, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := SplitSecret(tc.secret, tc.t, tc.n); err == nil {
				t.Errorf("SplitSecret accepted invalid input")
			}
		})
	}
}

func TestCombineSharesRejectsDuplicates(t *testing.T) {
	t.Parallel()
	secret := make([]byte, SecretSize)
	if _, err := rand.Read(secret[1:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	shares, err := SplitSecret(secret, 2, 3)
	if err != nil {
		t.Fatalf("SplitSecret: %v", err)
	}
	if _, err := CombineShares([]Share{shares[0], shares[0]}); err == nil {
		t.Error("CombineShares accepted duplicate share indices")
	}
	if _, err := CombineShares(nil); err == nil {
		t.Error("CombineShares accepted empty share set")
	}
}

func TestRandomFieldSecretInRange(t *testing.T) {
	t.Parallel()
	for i := 0; i < 64; i++ {
		s, err := randomFieldSecret()
		if err != nil {
			t.Fatalf("randomFieldSecret: %v", err)
		}
		if len(s) != SecretSize {
			t.Fatalf("secret length %d, want %d", len(s), SecretSize)
		}
		if new(big.Int).SetBytes(s).Cmp(shamirPrime) >= 0 {
			t.Fatal("secret not below field modulus")
		}
	}
}
