// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

package secrets_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudpaste/cloudpaste/gateway/secrets"
)

func TestRoundtrip(t *testing.T) {
	box, err := secrets.NewBox("correct horse battery staple")
	require.NoError(t, err)

	sealed, err := box.Encrypt("s3-secret-key")
	require.NoError(t, err)
	require.True(t, secrets.IsEncrypted(sealed))
	require.NotContains(t, sealed, "s3-secret-key")

	plain, err := box.Decrypt(sealed)
	require.NoError(t, err)
	require.Equal(t, "s3-secret-key", plain)
}

func TestEncryptIsIdempotent(t *testing.T) {
	box, err := secrets.NewBox("pass")
	require.NoError(t, err)

	sealed, err := box.Encrypt("value")
	require.NoError(t, err)

	again, err := box.Encrypt(sealed)
	require.NoError(t, err)
	require.Equal(t, sealed, again)
}

func TestDecryptPassesPlaintextThrough(t *testing.T) {
	box, err := secrets.NewBox("pass")
	require.NoError(t, err)

	plain, err := box.Decrypt("legacy plaintext setting")
	require.NoError(t, err)
	require.Equal(t, "legacy plaintext setting", plain)
}

func TestWrongPassphrase(t *testing.T) {
	box1, err := secrets.NewBox("one")
	require.NoError(t, err)
	box2, err := secrets.NewBox("two")
	require.NoError(t, err)

	sealed, err := box1.Encrypt("value")
	require.NoError(t, err)

	_, err = box2.Decrypt(sealed)
	require.Error(t, err)
}

func TestEmptyPassphrase(t *testing.T) {
	_, err := secrets.NewBox("")
	require.Error(t, err)
}

func TestNoncesDiffer(t *testing.T) {
	box, err := secrets.NewBox("pass")
	require.NoError(t, err)

	a, err := box.Encrypt("value")
	require.NoError(t, err)
	b, err := box.Encrypt("value")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
