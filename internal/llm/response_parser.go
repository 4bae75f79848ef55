package llm

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"

	jsonrepair "github.com/kaptinlin/jsonrepair"

	"github.com/kalder/scribe/pkg/types"
)

// ParseEntities decodes the model's extraction response into entities.
// Models are asked for a bare JSON array but routinely wrap it in markdown
// fences or emit slightly broken JSON; fences are stripped and malformed
// payloads get one repair attempt before giving up.
func ParseEntities(raw string) ([]types.ExtractedEntity, error) {
	cleaned := stripMarkdownFences(raw)
	if cleaned == "" {
		return nil, nil
	}

	var entities []types.ExtractedEntity
	if err := json.Unmarshal([]byte(cleaned), &entities); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(cleaned)
		if repairErr != nil {
			return nil, fmt.Errorf("parse entities: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &entities); err != nil {
			return nil, fmt.Errorf("parse entities after repair: %w", err)
		}
		log.Printf("llm: repaired malformed entity extraction response")
	}

	return sanitiseEntities(entities), nil
}

// sanitiseEntities drops nameless entries and clamps confidence to [0, 1].
func sanitiseEntities(entities []types.ExtractedEntity) []types.ExtractedEntity {
	out := entities[:0]
	for _, e := range entities {
		e.Name = strings.TrimSpace(e.Name)
		if e.Name == "" {
			continue
		}
		if e.Confidence < 0 {
			e.Confidence = 0
		}
		if e.Confidence > 1 {
			e.Confidence = 1
		}
		out = append(out, e)
	}
	return out
}

// stripMarkdownFences removes a surrounding ```json ... ``` (or plain ```)
// block and any prose before the first bracket.
func stripMarkdownFences(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}

	// Some models preface the array with commentary. Cut to the first
	// bracket when present.
	if idx := strings.Index(s, "["); idx > 0 {
		s = s[idx:]
	}
	return s
}
