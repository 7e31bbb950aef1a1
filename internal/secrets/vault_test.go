package secrets

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEncKey = "0123456789abcdef0123456789abcdef" // 32 raw bytes

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := NewVault(filepath.Join(t.TempDir(), "secrets.db"), testEncKey)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

func TestSetGetRoundTrip(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	err := v.Set(ctx, "aws-readonly-prod", []byte("AKIA-access-key"), ACL{
		Agents:  []string{"conmon-*"},
		Systems: []string{"payments-prod"},
	})
	require.NoError(t, err)

	sec, err := v.Get(ctx, "aws-readonly-prod", "conmon-assessor", "payments-prod")
	require.NoError(t, err)
	assert.Equal(t, []byte("AKIA-access-key"), sec.Value)
	assert.Equal(t, 1, sec.AccessCount)
}

func TestGetEnforcesACL(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Set(ctx, "jira-token", []byte("tok"), ACL{
		Agents:          []string{"conmon-*"},
		ForbiddenAgents: []string{"conmon-experimental"},
	}))

	_, err := v.Get(ctx, "jira-token", "rogue-agent", "payments-prod")
	assert.ErrorIs(t, err, ErrSecretAccessDenied)

	// Explicit deny wins over the allow glob.
	_, err = v.Get(ctx, "jira-token", "conmon-experimental", "payments-prod")
	assert.ErrorIs(t, err, ErrSecretAccessDenied)

	_, err = v.Get(ctx, "jira-token", "conmon-assessor", "payments-prod")
	assert.NoError(t, err)
}

func TestGetMissingSecret(t *testing.T) {
	v := newTestVault(t)
	_, err := v.Get(context.Background(), "no-such", "conmon-assessor", "s")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestAccessLogRecordsDenials(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Set(ctx, "azure-sp", []byte("secret"), ACL{Agents: []string{"conmon-assessor"}}))
	_, _ = v.Get(ctx, "azure-sp", "rogue", "payments-prod")
	_, err := v.Get(ctx, "azure-sp", "conmon-assessor", "payments-prod")
	require.NoError(t, err)

	records, err := v.AccessLog(ctx, "azure-sp", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	// Newest first.
	assert.True(t, records[0].Allowed)
	assert.False(t, records[1].Allowed)
	assert.Equal(t, "ACL denied", records[1].Reason)
}

func TestRotateKeepsValue(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Set(ctx, "gcp-sa", []byte("json-key"), ACL{}))

	var before string
	require.NoError(t, v.db.QueryRow(`SELECT sealed_value FROM secrets WHERE name = ?`, "gcp-sa").Scan(&before))

	require.NoError(t, v.Rotate(ctx, "gcp-sa"))

	var after string
	require.NoError(t, v.db.QueryRow(`SELECT sealed_value FROM secrets WHERE name = ?`, "gcp-sa").Scan(&after))
	assert.NotEqual(t, before, after)

	sec, err := v.Get(ctx, "gcp-sa", "any", "any")
	require.NoError(t, err)
	assert.Equal(t, []byte("json-key"), sec.Value)

	assert.ErrorIs(t, v.Rotate(ctx, "missing"), ErrSecretNotFound)
}

func TestWrongKeyFailsDecryption(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "secrets.db")

	v1, err := NewVault(dbPath, testEncKey)
	require.NoError(t, err)
	require.NoError(t, v1.Set(context.Background(), "cred", []byte("value"), ACL{}))
	require.NoError(t, v1.Close())

	v2, err := NewVault(dbPath, "ffffffffffffffffffffffffffffffff")
	require.NoError(t, err)
	defer v2.Close()

	_, err = v2.Get(context.Background(), "cred", "agent", "system")
	assert.True(t, errors.Is(err, ErrDecryptFailed))
}

func TestInvalidKeys(t *testing.T) {
	_, err := NewVault(filepath.Join(t.TempDir(), "s.db"), "too-short")
	assert.ErrorIs(t, err, ErrInvalidEncryptionKey)

	hexKey := "aabbccddeeff00112233445566778899aabbccddeeff00112233445566778899"
	v, err := NewVault(filepath.Join(t.TempDir(), "s.db"), hexKey)
	require.NoError(t, err)
	v.Close()
}

func TestListReturnsMetadataOnly(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Set(ctx, "jira-token", []byte("secret-1"), ACL{}))
	require.NoError(t, v.Set(ctx, "aws-readonly", []byte("secret-2"), ACL{Agents: []string{"conmon-assessor"}}))

	list, err := v.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)

	assert.Equal(t, "aws-readonly", list[0].Name)
	assert.Equal(t, "jira-token", list[1].Name)
	assert.Equal(t, []string{"conmon-assessor"}, list[0].ACL.Agents)
	for _, sec := range list {
		assert.Nil(t, sec.Value)
	}
}
