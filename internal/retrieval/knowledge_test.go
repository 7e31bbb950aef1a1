package retrieval

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleKnowledge = `documents:
  - doc_type: ssp_narrative
    system_id: payments-prod
    control_id: AC-2
    title: Account Management
    text: >
      Account management for payments-prod is handled through the corporate
      IdP. Accounts are provisioned via approved tickets and deprovisioned
      within 24 hours of separation.
  - doc_type: ssp_narrative
    control_id: AU-2
    title: Audit Events
    text: >
      Audit events are defined organization-wide and shipped to the central
      SIEM within 15 minutes of generation.
  - doc_type: policy_excerpt
    control_id: AC-2
    title: Access Policy
    text: Access policy excerpt covering account management reviews.
`

func testKB(t *testing.T) *KnowledgeBase {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ssp.yaml"), []byte(sampleKnowledge), 0o600))
	kb, err := Open(dir)
	require.NoError(t, err)
	require.Equal(t, 3, kb.Len())
	return kb
}

func TestOpenMissingDirIsEmpty(t *testing.T) {
	kb, err := Open(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Zero(t, kb.Len())

	items, err := kb.Retrieve(context.Background(), "AC-2 Account Management implementation statement", nil, 1)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestOpenRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("documents: [unclosed"), 0o600))
	_, err := Open(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.yaml")
}

func TestRetrieveFiltersByDocTypeAndSystem(t *testing.T) {
	kb := testKB(t)

	items, err := kb.Retrieve(context.Background(), "AC-2 Account Management implementation statement", map[string]string{
		"doc_type":  "ssp_narrative",
		"system_id": "payments-prod",
	}, 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Contains(t, items[0].Text, "corporate")
	assert.Equal(t, "AC-2", items[0].Metadata["control_id"])
	assert.Equal(t, "ssp_narrative", items[0].Metadata["doc_type"])
}

func TestRetrieveBlankSystemIDMatchesAnySystem(t *testing.T) {
	kb := testKB(t)

	items, err := kb.Retrieve(context.Background(), "AU-2 Audit Events implementation statement", map[string]string{
		"doc_type":  "ssp_narrative",
		"system_id": "hr-saas",
	}, 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Contains(t, items[0].Text, "15 minutes")
}

func TestRetrieveControlIDOutranksOverlap(t *testing.T) {
	kb := testKB(t)

	// No doc_type filter: both AC-2 documents are candidates, and the
	// control ID match plus overlap keeps the narrative variants ahead of
	// the unrelated AU-2 entry.
	items, err := kb.Retrieve(context.Background(), "AC-2 Account Management implementation statement", nil, 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, it := range items {
		assert.Equal(t, "AC-2", it.Metadata["control_id"])
	}
}

func TestRetrieveNoMatchReturnsEmpty(t *testing.T) {
	kb := testKB(t)

	items, err := kb.Retrieve(context.Background(), "SC-7 Boundary Protection implementation statement", map[string]string{
		"doc_type": "ssp_narrative",
	}, 1)
	require.NoError(t, err)
	assert.Empty(t, items)
}
