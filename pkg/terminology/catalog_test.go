package terminology

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalogLookups(t *testing.T) {
	cat := DefaultCatalog()

	ordinal, ok := cat.GeneticsOrdinal("442525003")
	require.True(t, ok)
	assert.Equal(t, 3, ordinal)

	ordinal, ok = cat.SmokingOrdinal(" 77176002 ")
	require.True(t, ok)
	assert.Equal(t, 1, ordinal)

	_, ok = cat.GeneticsOrdinal("PALB2")
	assert.False(t, ok)

	assert.True(t, cat.IsHighRiskMarker("765057007"))
	assert.False(t, cat.IsHighRiskMarker("0"))
	assert.False(t, cat.IsHighRiskMarker("999"))
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "terminology.yaml")
	content := `
genetics:
  - {display: None, snomed: "0", ordinal: 0}
  - {display: BRCA1, snomed: "765057007", ordinal: 1, high_risk: true}
smoking:
  - {display: Smoker, snomed: "77176002", ordinal: 1}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cat, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "765057007"}, cat.GeneticsCodes())
	assert.Equal(t, []string{"77176002"}, cat.SmokingCodes())
}

func TestLoadRejectsEmptyCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("genetics: []\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadWithoutPathUsesDefaults(t *testing.T) {
	cat, err := Load("")
	require.NoError(t, err)
	assert.Len(t, cat.Genetics, 4)
}
