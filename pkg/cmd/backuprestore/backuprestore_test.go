package backuprestore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBackupValidateRequiresRepository(t *testing.T) {
	opts := &backupOptions{}
	require.Error(t, opts.Validate())

	opts.repository = "nightly"
	require.NoError(t, opts.Validate())
}

func TestRestoreValidateRequiresRepositoryAndName(t *testing.T) {
	opts := &restoreOptions{}
	require.Error(t, opts.Validate())

	opts.repository = "nightly"
	require.Error(t, opts.Validate())

	opts.name = "backup-2026-01-02-03-04-05"
	require.NoError(t, opts.Validate())
}
