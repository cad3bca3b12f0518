package api

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// reasoningSummarySchema mirrors contracts.ReasoningSummary: trend and
// volatility are required enumerations, signal_confluence a non-empty
// array, notes optional free text. Compiled once at package init the same
// way the teacher's pkg/firewall.PolicyFirewall compiles per-tool schemas
// at registration time rather than per-request.
const reasoningSummarySchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["trend", "volatility", "signal_confluence"],
	"properties": {
		"trend": {"type": "string", "enum": ["BULLISH", "BEARISH", "NEUTRAL"]},
		"volatility": {"type": "string", "enum": ["LOW", "MEDIUM", "HIGH"]},
		"signal_confluence": {"type": "array", "items": {"type": "string"}, "minItems": 1},
		"notes": {"type": "string"}
	},
	"additionalProperties": false
}`

var reasoningSummarySchema *jsonschema.Schema

func init() {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const schemaURL = "https://hitl-gateway.internal/schemas/reasoning_summary.schema.json"
	if err := c.AddResource(schemaURL, strings.NewReader(reasoningSummarySchemaJSON)); err != nil {
		panic(fmt.Sprintf("api: load reasoning_summary schema: %v", err))
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		panic(fmt.Sprintf("api: compile reasoning_summary schema: %v", err))
	}
	reasoningSummarySchema = compiled
}

// validateReasoningSummary checks a decoded reasoning_summary blob
// (map[string]any, as produced by encoding/json unmarshalling into any)
// against reasoningSummarySchema.
func validateReasoningSummary(v any) error {
	return reasoningSummarySchema.Validate(v)
}
