package analyzer

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema/node.schema.json
var nodeSchemaJSON []byte

// validateNodeJSON checks analyzer output against the node schema. Unknown
// top-level fields are allowed; they pass through to the blob.
func validateNodeJSON(doc []byte) error {
	schema := gojsonschema.NewBytesLoader(nodeSchemaJSON)
	document := gojsonschema.NewBytesLoader(doc)

	result, err := gojsonschema.Validate(schema, document)
	if err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}

	if result.Valid() {
		return nil
	}

	issues := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		issues = append(issues, desc.String())
	}

	return fmt.Errorf("node document invalid: %s", strings.Join(issues, "; "))
}
