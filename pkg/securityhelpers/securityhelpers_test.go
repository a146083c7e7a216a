package securityhelpers

import (
	"testing"
	"time"

	"github.com/openshift/library-go/pkg/crypto"
	"github.com/stretchr/testify/require"
)

func TestGeneratePassword(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		pw, err := GeneratePassword(DefaultPasswordLength)
		require.NoError(t, err)
		require.Len(t, pw, DefaultPasswordLength)
		for _, c := range pw {
			require.Containsf(t, passwordAlphabet, string(c), "unexpected character %q", c)
		}
		require.Falsef(t, seen[pw], "generated the same password twice: %s", pw)
		seen[pw] = true
	}

	_, err := GeneratePassword(0)
	require.Error(t, err)
}

func TestHashAndVerifyPassword(t *testing.T) {
	pw, err := GeneratePassword(DefaultPasswordLength)
	require.NoError(t, err)

	hash, err := HashPassword(pw)
	require.NoError(t, err)
	require.NotContains(t, hash, pw)
	require.True(t, VerifyPassword(hash, pw))
	require.False(t, VerifyPassword(hash, pw+"x"))
}

func TestCertExpirationRemainingHours(t *testing.T) {
	caConfig, err := crypto.MakeSelfSignedCAConfig("test-signer", 10)
	require.NoError(t, err)
	certPEM, _, err := caConfig.GetPEMBytes()
	require.NoError(t, err)

	hours, err := CertExpirationRemainingHours(certPEM, time.Now())
	require.NoError(t, err)
	require.Greater(t, hours, 9*24)
	require.LessOrEqual(t, hours, 10*24)

	hours, err = CertExpirationRemainingHours(certPEM, time.Now().Add(11*24*time.Hour))
	require.NoError(t, err)
	require.LessOrEqual(t, hours, 0)

	_, err = CertExpirationRemainingHours([]byte("not a cert"), time.Now())
	require.Error(t, err)
}
