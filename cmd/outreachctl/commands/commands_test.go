package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/outreach-dispatch/internal/model"
	"github.com/unclebandit/outreach-dispatch/internal/repository"
	"github.com/unclebandit/outreach-dispatch/internal/service"
)

func TestGateDryRunPrintsDecisions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leads.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"email": "ana@corp.com"},
		{"email": "support@corp.com"},
		{"email": "known@corp.com"}
	]`), 0o600))

	store := repository.NewMemoryStore()
	_, err := store.Contacts().CreateMany(context.Background(), 1, []model.Lead{{Email: "known@corp.com"}})
	require.NoError(t, err)

	var out bytes.Buffer
	gate := &service.Gate{Contacts: store.Contacts()}
	require.NoError(t, gateDryRun(context.Background(), &out, gate, &service.FileLeadSource{Path: path}))

	text := out.String()
	assert.Regexp(t, `ana@corp\.com\s+admitted`, text)
	assert.Regexp(t, `support@corp\.com\s+role_based`, text)
	assert.Regexp(t, `known@corp\.com\s+existing_contact`, text)
}

func TestCommandArgs(t *testing.T) {
	assert.Error(t, migrateCmd.Args(migrateCmd, []string{"sideways"}))
	assert.NoError(t, migrateCmd.Args(migrateCmd, []string{"down"}))
	assert.NoError(t, migrateCmd.Args(migrateCmd, nil))
	assert.Error(t, requeueCmd.Args(requeueCmd, nil))
}
