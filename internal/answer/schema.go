package answer

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// hitSchemaJSON accepts any object naming a bug by id or title. Known fields
// must be strings (ids may also be numbers); other fields are free.
const hitSchemaJSON = `{
  "type": "object",
  "properties": {
    "id":           {"type": ["string", "number"]},
    "_id":          {"type": ["string", "number"]},
    "title":        {"type": "string"},
    "description":  {"type": "string"},
    "product":      {"type": "string"},
    "installation": {"type": "string"},
    "type":         {"type": "string"},
    "severity":     {"type": "string"},
    "status":       {"type": "string"},
    "resolution":   {"type": "string"}
  },
  "anyOf": [
    {"required": ["id"]},
    {"required": ["_id"]},
    {"required": ["title"]}
  ]
}`

var hitSchema = mustSchema(hitSchemaJSON)

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("compiling hit schema: %v", err))
	}
	return s
}

// validHit reports whether raw is a JSON object that conforms to hitSchema.
func validHit(raw string) bool {
	res, err := hitSchema.Validate(gojsonschema.NewStringLoader(raw))
	return err == nil && res.Valid()
}
