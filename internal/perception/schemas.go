package perception

// Response schemas for each pipeline call, expressed in the Gemini REST
// schema dialect (uppercase type names). Constraining the response shape at
// the API level is what makes out-of-enum answers detectable as per-call
// failures instead of bad data.

// ClassificationSchema constrains a single-line classification response.
func ClassificationSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "OBJECT",
		"properties": map[string]interface{}{
			"type": map[string]interface{}{"type": "STRING"},
		},
	}
}

// MetadataSchema constrains the program metadata response.
func MetadataSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "OBJECT",
		"properties": map[string]interface{}{
			"program_id": map[string]interface{}{"type": "STRING"},
		},
	}
}

// StructureSchema constrains the structure identification response.
func StructureSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "OBJECT",
		"properties": map[string]interface{}{
			"structures": map[string]interface{}{
				"type": "ARRAY",
				"items": map[string]interface{}{
					"type": "OBJECT",
					"properties": map[string]interface{}{
						"name":       map[string]interface{}{"type": "STRING"},
						"type":       map[string]interface{}{"type": "STRING", "enum": []string{"DIVISION", "SECTION", "PARAGRAPH"}},
						"start_line": map[string]interface{}{"type": "INTEGER"},
					},
					"required": []string{"name", "type", "start_line"},
				},
			},
		},
	}
}

func entityRecordSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "OBJECT",
		"properties": map[string]interface{}{
			"entity_name":        map[string]interface{}{"type": "STRING"},
			"entity_type":        map[string]interface{}{"type": "STRING", "enum": []string{"FILE", "VARIABLE", "COPYBOOK"}},
			"definition_line_id": map[string]interface{}{"type": "STRING", "nullable": true},
			"description":        map[string]interface{}{"type": "STRING"},
		},
		"required": []string{"entity_name", "entity_type"},
	}
}

// EntityExtractSchema constrains the per-structure entity extraction response.
func EntityExtractSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "OBJECT",
		"properties": map[string]interface{}{
			"found_entities": map[string]interface{}{
				"type":  "ARRAY",
				"items": entityRecordSchema(),
			},
		},
	}
}

// EntityResolveSchema constrains the conflict resolution response.
func EntityResolveSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "OBJECT",
		"properties": map[string]interface{}{
			"resolved_entities": map[string]interface{}{
				"type":  "ARRAY",
				"items": entityRecordSchema(),
			},
		},
	}
}

// FlowSchema constrains the per-structure flow analysis response.
func FlowSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "OBJECT",
		"properties": map[string]interface{}{
			"control_flow": map[string]interface{}{
				"type": "ARRAY",
				"items": map[string]interface{}{
					"type": "OBJECT",
					"properties": map[string]interface{}{
						"line_number":           map[string]interface{}{"type": "INTEGER"},
						"target_structure_name": map[string]interface{}{"type": "STRING"},
						"type":                  map[string]interface{}{"type": "STRING", "enum": []string{"PERFORM", "GO_TO", "CALL"}},
					},
					"required": []string{"line_number", "target_structure_name", "type"},
				},
			},
			"line_references": map[string]interface{}{
				"type": "ARRAY",
				"items": map[string]interface{}{
					"type": "OBJECT",
					"properties": map[string]interface{}{
						"line_number":        map[string]interface{}{"type": "INTEGER"},
						"target_entity_name": map[string]interface{}{"type": "STRING"},
						"usage_type":         map[string]interface{}{"type": "STRING", "enum": []string{"READS", "WRITES", "UPDATES", "VALIDATES", "OPENS", "CLOSES", "DECLARATION"}},
					},
					"required": []string{"line_number", "target_entity_name", "usage_type"},
				},
			},
		},
	}
}
