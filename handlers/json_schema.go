package handlers

import "github.com/xeipuuv/gojsonschema"

const UploadRequestSchemaDefinition = `{
	"type": "object",
	"properties": {
		"raw_object_key": {
			"type": "string",
			"minLength": 1,
			"pattern": "^[^\\s]+$"
		},
		"original_filename": {
			"type": "string"
		},
		"correlation_id": {
			"type": "string",
			"maxLength": 1024
		}
	},
	"required": ["raw_object_key"],
	"additionalProperties": false
}`

var inputSchemas map[string]string = map[string]string{
	"Upload": UploadRequestSchemaDefinition,
}

func compileJsonSchemas() map[string]*gojsonschema.Schema {
	compiled := make(map[string]*gojsonschema.Schema, 0)
	for name, text := range inputSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(text))
		if err != nil {
			// rase panic on program start
			panic(err) // fix schema text
		}
		compiled[name] = schema
	}
	return compiled
}

// Run compile step on program start:
var inputSchemasCompiled map[string]*gojsonschema.Schema = compileJsonSchemas()
