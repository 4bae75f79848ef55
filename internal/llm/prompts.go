package llm

// extractionPrompt asks the model for a bare JSON array of entities. The
// category list matches the registry's accepted types; anything else is
// mapped to "concept" downstream.
const extractionPrompt = `Extract entities from the following text and return them as a JSON array.

Each entity should be an object with:
- "name": the entity name
- "type": one of "person", "project", "concept", "organization", "technology"
- "confidence": a float between 0.0 and 1.0

Categories:
- person: Names of individuals
- project: Project names, initiatives, or codenames
- concept: Key topics or ideas discussed
- organization: Companies, teams, or groups mentioned
- technology: Tools, languages, frameworks, or systems

Return format:
[
    {"name": "John Smith", "type": "person", "confidence": 0.95},
    {"name": "ProjectX", "type": "project", "confidence": 0.90}
]

Text to analyze:
%s

Return only a valid JSON array, no other text. Do not include markdown tags like ` + "```json" + `.`
