package types

import "time"

// Entity categories stored in the registry. The extractor may also emit
// "organization", which folds into CategoryConcept during resolution.
const (
	CategoryPerson     = "person"
	CategoryProject    = "project"
	CategoryConcept    = "concept"
	CategoryTechnology = "technology"
)

// MapCategory maps an extractor-declared category onto the registry's fixed
// category set. Organizations fold into concept; anything unrecognized does
// too, so a misbehaving extractor can never widen the category set.
func MapCategory(declared string) string {
	switch declared {
	case CategoryPerson, CategoryProject, CategoryConcept, CategoryTechnology:
		return declared
	default:
		return CategoryConcept
	}
}

// IsRegistryCategory reports whether t is one of the categories the registry
// actually stores (post-mapping).
func IsRegistryCategory(t string) bool {
	switch t {
	case CategoryPerson, CategoryProject, CategoryConcept, CategoryTechnology:
		return true
	}
	return false
}

// Entity is a canonical, deduplicated referent in the registry.
// (canonical_name, entity_type) is unique among canonical names; alternate
// surface forms accumulate in Aliases.
type Entity struct {
	ID            string    `json:"id"`
	CanonicalName string    `json:"canonical_name"`
	EntityType    string    `json:"entity_type"`

	// Aliases are alternate names known to refer to this entity. The
	// canonical name itself is never a member.
	Aliases []string `json:"aliases"`

	// MentionCount increases by one on every resolution that lands on this
	// entity, including the creating one.
	MentionCount int `json:"mention_count"`

	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// EntityMention links one note to one registry entity. Mentions are
// immutable; a merge re-points them, a note delete cascades them away.
type EntityMention struct {
	ID            string    `json:"id"`
	NoteID        string    `json:"note_id"`
	EntityID      string    `json:"entity_id"`
	MentionedText string    `json:"mentioned_text"`
	Confidence    float64   `json:"confidence"`
	CreatedAt     time.Time `json:"created_at"`
}

// ResolvedEntity is the registry's answer for one raw extracted entity:
// which canonical entity it resolved to and the mention that records it.
type ResolvedEntity struct {
	EntityID      string  `json:"id"`
	CanonicalName string  `json:"name"`
	EntityType    string  `json:"type"`
	Confidence    float64 `json:"confidence"`
	MentionID     string  `json:"mention_id"`
	IsNew         bool    `json:"is_new"`
}

// EntityMatch is a fuzzy-search hit: an entity plus its similarity score
// against the query name.
type EntityMatch struct {
	Entity
	Score float64 `json:"sim_score"`
}
