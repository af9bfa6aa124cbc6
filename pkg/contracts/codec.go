package contracts

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// RecordFormat selects the encoding used when exporting records to
// external documentation generators.
type RecordFormat string

const (
	FormatJSON RecordFormat = "json"
	FormatCBOR RecordFormat = "cbor"
)

// ContentType is the media type of records encoded in f.
func (f RecordFormat) ContentType() string {
	if f == FormatCBOR {
		return "application/cbor"
	}
	return "application/json"
}

// ParseRecordFormat maps a query value to a RecordFormat. Empty means JSON.
func ParseRecordFormat(s string) (RecordFormat, error) {
	switch RecordFormat(s) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCBOR:
		return FormatCBOR, nil
	default:
		return "", fmt.Errorf("unknown record format %q", s)
	}
}

// Core deterministic encoding so exported records hash identically.
var cborEnc, _ = cbor.CoreDetEncOptions().EncMode()

// EncodeRecord serializes an ExecutionRecord or DeploymentRecord.
func EncodeRecord(format RecordFormat, v any) ([]byte, error) {
	switch v.(type) {
	case *ExecutionRecord, ExecutionRecord, *DeploymentRecord, DeploymentRecord:
	default:
		return nil, fmt.Errorf("unsupported record type %T", v)
	}
	switch format {
	case FormatJSON, "":
		return json.Marshal(v)
	case FormatCBOR:
		return cborEnc.Marshal(v)
	default:
		return nil, fmt.Errorf("unknown record format %q", format)
	}
}

// DecodeRecord is the inverse of EncodeRecord.
func DecodeRecord(format RecordFormat, data []byte, out any) error {
	switch format {
	case FormatJSON, "":
		return json.Unmarshal(data, out)
	case FormatCBOR:
		return cbor.Unmarshal(data, out)
	default:
		return fmt.Errorf("unknown record format %q", format)
	}
}
