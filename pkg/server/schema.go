package server

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

const actorInputSchema = `{
  "type": "object",
  "required": ["userId", "actorId", "inputs"],
  "properties": {
    "userId": {"type": "integer"},
    "actorId": {"type": "integer"},
    "inputs": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["kind", "content"],
        "properties": {
          "kind": {"enum": ["text"]},
          "content": {"type": "string"}
        }
      }
    }
  }
}`

const snapshotSchema = `{
  "type": "object",
  "properties": {
    "name": {"type": "string"}
  }
}`

var (
	actorInputValidator = mustSchema(actorInputSchema)
	snapshotValidator   = mustSchema(snapshotSchema)
)

func mustSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("invalid schema: %v", err))
	}
	return schema
}

// validate checks body against schema and returns one line per problem.
func validate(schema *gojsonschema.Schema, body []byte) []string {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return []string{"body is not valid JSON: " + err.Error()}
	}
	if result.Valid() {
		return nil
	}
	details := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		details = append(details, e.String())
	}
	return details
}
