package secrets_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/magic-link/pkg/secrets"
)

func testBox(t *testing.T) *secrets.Box {
	t.Helper()
	box, err := secrets.NewBoxFromHex(strings.Repeat("ab", 32))
	require.NoError(t, err)
	return box
}

func TestSeal_RoundTrip(t *testing.T) {
	box := testBox(t)

	sealed, err := box.Seal("whsec_topsecret")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, "enc:v1:"))
	assert.NotContains(t, sealed, "topsecret")

	plain, err := box.Unseal(sealed)
	require.NoError(t, err)
	assert.Equal(t, "whsec_topsecret", plain)
}

func TestSeal_AlreadySealedIsNoop(t *testing.T) {
	box := testBox(t)
	sealed, err := box.Seal("secret")
	require.NoError(t, err)

	again, err := box.Seal(sealed)
	require.NoError(t, err)
	assert.Equal(t, sealed, again)
}

func TestUnseal_RejectsTamper(t *testing.T) {
	box := testBox(t)
	sealed, err := box.Seal("secret")
	require.NoError(t, err)

	tampered := sealed[:len(sealed)-2] + "zz"
	_, err = box.Unseal(tampered)
	assert.ErrorIs(t, err, secrets.ErrCiphertext)
}

func TestUnseal_RejectsPlaintext(t *testing.T) {
	box := testBox(t)
	_, err := box.Unseal("not sealed")
	assert.ErrorIs(t, err, secrets.ErrNotSealed)
}

func TestNewBox_RejectsShortKey(t *testing.T) {
	_, err := secrets.NewBoxFromHex("abcd")
	assert.ErrorIs(t, err, secrets.ErrMasterKeySize)
}

func TestKeysDifferAcrossMasterKeys(t *testing.T) {
	a, err := secrets.NewBoxFromHex(strings.Repeat("00", 32))
	require.NoError(t, err)
	b, err := secrets.NewBoxFromHex(strings.Repeat("11", 32))
	require.NoError(t, err)

	sealed, err := a.Seal("secret")
	require.NoError(t, err)
	_, err = b.Unseal(sealed)
	assert.Error(t, err)
}

func TestSignSummary_Deterministic(t *testing.T) {
	box := testBox(t)
	sig := box.SignSummary("deadbeef")
	assert.Equal(t, sig, box.SignSummary("deadbeef"))
	assert.True(t, box.VerifySummary("deadbeef", sig))
	assert.False(t, box.VerifySummary("deadbeef", "00"+sig[2:]))
}
