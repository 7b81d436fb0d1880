package adminapi

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// registerSchema enforces §6's required/defaulted field shape for
// POST /api/v1/register before the payload is ever unmarshaled into a
// registerRequest: id, app, region, ip, port are mandatory; everything
// else is optional and gets a default applied afterward.
const registerSchema = `{
	"type": "object",
	"properties": {
		"id":         {"type": "string", "minLength": 1},
		"app":        {"type": "string", "minLength": 1},
		"region":     {"type": "string", "enum": ["sa", "us", "eu", "ap"]},
		"ip":         {"type": "string", "minLength": 1},
		"port":       {"type": "integer", "minimum": 1, "maximum": 65535},
		"country":    {"type": "string"},
		"weight":     {"type": "integer", "minimum": 1},
		"soft_limit": {"type": "integer", "minimum": 0},
		"hard_limit": {"type": "integer", "minimum": 0}
	},
	"required": ["id", "app", "region", "ip", "port"]
}`

var registerSchemaLoader = gojsonschema.NewStringLoader(registerSchema)

// validateRegisterPayload runs raw (the request body, already decoded into
// a generic map) against registerSchema and returns a joined, human
// readable reason on failure for the 400 response body.
func validateRegisterPayload(raw map[string]interface{}) error {
	result, err := gojsonschema.Validate(registerSchemaLoader, gojsonschema.NewGoLoader(raw))
	if err != nil {
		return fmt.Errorf("adminapi: schema validation: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msg := "invalid register payload:"
	for _, e := range result.Errors() {
		msg += " " + e.String() + ";"
	}
	return fmt.Errorf("%s", msg)
}
