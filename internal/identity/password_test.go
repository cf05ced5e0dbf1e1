package identity

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cheap parameters keep the suite fast; the encoding carries them.
var testArgon = argonParams{time: 1, memory: 8 * 1024, threads: 1, keyLen: 32}

func TestRandBytes_LengthAndUniqueness(t *testing.T) {
	t.Parallel()

	a, err := randBytes(64)
	require.NoError(t, err)
	require.Len(t, a, 64)
	b, err := randBytes(64)
	require.NoError(t, err)
	assert.False(t, bytes.Equal(a, b), "two subsequent reads are equal")
	assert.False(t, bytes.Equal(a, make([]byte, 64)), "all zeros")
}

func TestHashPassword_SaltedEncoding(t *testing.T) {
	t.Parallel()

	h1, err := hashPassword("p@ssw0rd", testArgon)
	require.NoError(t, err)
	h2, err := hashPassword("p@ssw0rd", testArgon)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(h1, "argon2id$v=19$m=8192,t=1,p=1$"))
	assert.NotEqual(t, h1, h2, "fresh salt per hash")
}

func TestVerifyPassword(t *testing.T) {
	t.Parallel()

	enc, err := hashPassword("correct horse battery staple", testArgon)
	require.NoError(t, err)

	tests := []struct {
		name     string
		password string
		encoded  string
		ok       bool
		wantErr  bool
	}{
		{"correct", "correct horse battery staple", enc, true, false},
		{"wrong", "wrong", enc, false, false},
		{"empty", "", enc, false, false},
		{"malformed", "x", "plain-text", false, true},
		{"bad version", "x", strings.Replace(enc, "v=19", "v=16", 1), false, true},
		{"bad salt", "x", "argon2id$v=19$m=8192,t=1,p=1$!!$AAAA", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := verifyPassword(tt.password, tt.encoded)
			if tt.wantErr {
				require.ErrorIs(t, err, errMalformedHash)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
		})
	}
}
