package skills

import (
	"encoding/json"
	"fmt"

	invopop "github.com/invopop/jsonschema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// injectRequestID adds the per-request id field to a skill schema that
// declares properties.requests as an array of objects but omits an id on the
// items. The injected field keeps request/result matching consistent across
// skills without every manifest restating it. The schema is modified in
// place and returned.
func injectRequestID(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}

	properties, ok := schema["properties"].(map[string]interface{})
	if !ok {
		return schema
	}

	requests, ok := properties["requests"].(map[string]interface{})
	if !ok || !hasType(requests, "array") {
		return schema
	}

	items, ok := requests["items"].(map[string]interface{})
	if !ok || !hasType(items, "object") {
		return schema
	}

	itemProps, ok := items["properties"].(map[string]interface{})
	if !ok {
		itemProps = map[string]interface{}{}
		items["properties"] = itemProps
	}

	if _, exists := itemProps["id"]; !exists {
		itemProps["id"] = map[string]interface{}{
			"type":        []interface{}{"string", "integer"},
			"description": "Identifier used to match results to this request element.",
		}
	}

	return schema
}

// hasType reports whether a schema node's type keyword names (or includes)
// the given type.
func hasType(node map[string]interface{}, want string) bool {
	switch t := node["type"].(type) {
	case string:
		return t == want
	case []interface{}:
		for _, v := range t {
			if s, ok := v.(string); ok && s == want {
				return true
			}
		}
	}
	return false
}

// itemSchema extracts the requests[] item schema from an envelope schema, or
// nil when the envelope does not declare one. Elements are validated
// individually against it so one malformed element cannot fail its siblings.
func itemSchema(schema map[string]interface{}) map[string]interface{} {
	properties, ok := schema["properties"].(map[string]interface{})
	if !ok {
		return nil
	}
	requests, ok := properties["requests"].(map[string]interface{})
	if !ok {
		return nil
	}
	items, ok := requests["items"].(map[string]interface{})
	if !ok {
		return nil
	}
	return items
}

// compileSchema compiles a JSON Schema document for validation. The document
// is round-tripped through JSON so YAML-decoded values are in canonical form.
func compileSchema(doc interface{}) (*jsonschema.Schema, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}

	var canonical interface{}
	if err := json.Unmarshal(data, &canonical); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", canonical); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	return schema, nil
}

// validateElement checks one requests[] element against a compiled item
// schema. A nil schema validates everything.
func validateElement(schema *jsonschema.Schema, element json.RawMessage) error {
	if schema == nil {
		return nil
	}

	var payload interface{}
	if err := json.Unmarshal(element, &payload); err != nil {
		return fmt.Errorf("element is not valid JSON: %w", err)
	}

	return schema.Validate(payload)
}

// reflectElementSchema builds a requests-envelope schema from a handler's Go
// request type using its jsonschema struct tags.
func reflectElementSchema(requestType interface{}) (map[string]interface{}, error) {
	reflector := invopop.Reflector{
		Anonymous:      true,
		DoNotReference: true,
	}

	reflected := reflector.Reflect(requestType)

	data, err := json.Marshal(reflected)
	if err != nil {
		return nil, fmt.Errorf("marshal reflected schema: %w", err)
	}

	var item map[string]interface{}
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("unmarshal reflected schema: %w", err)
	}
	// The version marker belongs on the envelope, not on the item.
	delete(item, "$schema")

	envelope := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"requests": map[string]interface{}{
				"type":     "array",
				"items":    item,
				"minItems": 1,
			},
		},
		"required":             []interface{}{"requests"},
		"additionalProperties": false,
	}

	return injectRequestID(envelope), nil
}
