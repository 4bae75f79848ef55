package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEntitiesCleanArray(t *testing.T) {
	raw := `[
		{"name": "Sarah Chen", "type": "person", "confidence": 0.95},
		{"name": "Atlas", "type": "project", "confidence": 0.9}
	]`

	entities, err := ParseEntities(raw)
	require.NoError(t, err)
	require.Len(t, entities, 2)
	assert.Equal(t, "Sarah Chen", entities[0].Name)
	assert.Equal(t, "person", entities[0].Type)
	assert.Equal(t, 0.95, entities[0].Confidence)
}

func TestParseEntitiesMarkdownFenced(t *testing.T) {
	raw := "```json\n[{\"name\": \"Kafka\", \"type\": \"technology\", \"confidence\": 0.8}]\n```"

	entities, err := ParseEntities(raw)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "Kafka", entities[0].Name)
}

func TestParseEntitiesWithLeadingProse(t *testing.T) {
	raw := `Here are the entities I found:
[{"name": "Redis", "type": "technology", "confidence": 0.85}]`

	entities, err := ParseEntities(raw)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "Redis", entities[0].Name)
}

func TestParseEntitiesRepairsMalformedJSON(t *testing.T) {
	// Trailing comma and single quotes, both common model mistakes.
	raw := `[{'name': 'Atlas', 'type': 'project', 'confidence': 0.9},]`

	entities, err := ParseEntities(raw)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "Atlas", entities[0].Name)
}

func TestParseEntitiesDropsNamelessAndClampsConfidence(t *testing.T) {
	raw := `[
		{"name": "  ", "type": "concept", "confidence": 0.5},
		{"name": "Valid", "type": "concept", "confidence": 1.7},
		{"name": "Also Valid", "type": "concept", "confidence": -0.2}
	]`

	entities, err := ParseEntities(raw)
	require.NoError(t, err)
	require.Len(t, entities, 2)
	assert.Equal(t, 1.0, entities[0].Confidence)
	assert.Equal(t, 0.0, entities[1].Confidence)
}

func TestParseEntitiesEmptyInput(t *testing.T) {
	entities, err := ParseEntities("")
	require.NoError(t, err)
	assert.Empty(t, entities)

	entities, err = ParseEntities("```json\n```")
	require.NoError(t, err)
	assert.Empty(t, entities)
}

func TestParseEntitiesGarbage(t *testing.T) {
	_, err := ParseEntities("I could not find any entities, sorry!")
	assert.Error(t, err)
}
