package cards

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaterializeIsDeterministic(t *testing.T) {
	first := Materialize("1234-norte-abc", DefaultTemplate)
	second := Materialize("1234-norte-abc", DefaultTemplate)
	require.Equal(t, first, second)

	other := Materialize("1234-norte-xyz", DefaultTemplate)
	assert.NotEqual(t, IDs(first), IDs(other))
}

func TestMaterializeSizeAndShape(t *testing.T) {
	drawn := Materialize("tx-1", DefaultTemplate)
	require.Len(t, drawn, LookupTemplate(DefaultTemplate).Size)

	for _, c := range drawn {
		assert.NotEmpty(t, c.ID)
		assert.Contains(t, []Rank{Rock, Paper, Scissors}, c.Rank)
		assert.Contains(t, skins[c.Rank], c.Skin)
		assert.Contains(t, []Rarity{Common, Rare, Epic, Legendary}, c.Rarity)
	}
}

func TestLookupTemplateFallsBack(t *testing.T) {
	assert.Equal(t, LookupTemplate(DefaultTemplate), LookupTemplate("no-such-template"))
}

func TestIDs(t *testing.T) {
	drawn := Materialize("tx-2", DefaultTemplate)
	ids := IDs(drawn)
	require.Len(t, ids, len(drawn))
	for i, c := range drawn {
		assert.Equal(t, c.ID, ids[i])
	}
}
