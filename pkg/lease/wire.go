package lease

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
	"github.com/Mindburn-Labs/leasegate/pkg/gateerr"
)

// FormatVersion is the wire format version stamped on issued tokens.
const FormatVersion = "1.0.0"

// Accepted wire versions: same major, any minor or patch.
const formatConstraint = "^1.0.0"

const leaseSchemaURL = "https://leasegate.dev/schemas/lease-token.v1.json"

const leaseSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["format_version", "lease_id", "intent_id", "issuer", "issued_at", "expires_at", "scope", "cosigners", "signature"],
  "properties": {
    "format_version": {"type": "string", "minLength": 1},
    "lease_id": {"type": "string", "minLength": 1},
    "intent_id": {"type": "string", "minLength": 1},
    "issuer": {"type": "string", "minLength": 1},
    "subject": {"type": "string"},
    "issued_at": {"type": "string", "format": "date-time"},
    "expires_at": {"type": "string", "format": "date-time"},
    "scope": {
      "type": "object",
      "required": ["paths_allowlist", "commands_allowlist", "resource_limits"],
      "properties": {
        "environment": {"type": "string"},
        "paths_allowlist": {"type": "array", "items": {"type": "string"}},
        "commands_allowlist": {
          "type": "object",
          "additionalProperties": {
            "type": "object",
            "properties": {"args": {"type": "array", "items": {"type": "string"}}},
            "additionalProperties": false
          }
        },
        "resource_limits": {
          "type": "object",
          "required": ["cpu", "memory", "disk", "network"],
          "properties": {
            "cpu": {"type": "number", "minimum": 0},
            "memory": {"type": "integer", "minimum": 0},
            "disk": {"type": "integer", "minimum": 0},
            "wall_clock": {"type": "integer", "minimum": 0},
            "network": {"type": "boolean"}
          }
        }
      }
    },
    "cosigners": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["role", "id", "signature"],
        "properties": {
          "role": {"enum": ["human", "agent"]},
          "id": {"type": "string", "minLength": 1},
          "signature": {"type": "string", "pattern": "^[0-9a-f]+$"}
        }
      }
    },
    "signature": {"type": "string", "pattern": "^[0-9a-f]+$"},
    "revoked_at": {"type": "string", "format": "date-time"},
    "revoke_reason": {"type": "string"}
  },
  "if": {"properties": {"scope": {"properties": {"environment": {"const": "production"}}, "required": ["environment"]}}},
  "then": {"properties": {"cosigners": {"minItems": 2}}}
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error

	versionConstraint = mustConstraint(formatConstraint)
)

func mustConstraint(c string) *semver.Constraints {
	v, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return v
}

func leaseTokenSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		c.AssertFormat = true
		if err := c.AddResource(leaseSchemaURL, strings.NewReader(leaseSchema)); err != nil {
			schemaErr = fmt.Errorf("add lease schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(leaseSchemaURL)
	})
	return compiledSchema, schemaErr
}

func malformed(err error, format string, args ...any) error {
	return gateerr.Wrap(err, gateerr.KindAuthorization, gateerr.CodeMalformedToken, format, args...)
}

// MarshalWire encodes a token in the JSON wire format.
func MarshalWire(t *contracts.LeaseToken) ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	if err := validateWire(data); err != nil {
		return nil, err
	}
	return data, nil
}

// UnmarshalWire decodes and schema-validates a wire token. Signatures are
// not checked here; pass the result to Service.Validate.
func UnmarshalWire(data []byte) (*contracts.LeaseToken, error) {
	if err := validateWire(data); err != nil {
		return nil, err
	}
	var t contracts.LeaseToken
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&t); err != nil {
		return nil, malformed(err, "decode lease token")
	}
	return &t, nil
}

func validateWire(data []byte) error {
	sch, err := leaseTokenSchema()
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return malformed(err, "lease token is not JSON")
	}
	if err := sch.Validate(doc); err != nil {
		return malformed(err, "lease token does not match wire schema")
	}

	fv, _ := doc.(map[string]any)["format_version"].(string)
	v, err := semver.NewVersion(fv)
	if err != nil {
		return malformed(err, "bad format_version %q", fv)
	}
	if !versionConstraint.Check(v) {
		return malformed(nil, "unsupported format_version %s (want %s)", fv, formatConstraint)
	}
	return nil
}
