package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DecodeStrict decodes a single JSON value into v, rejecting any field
// in the input that v does not declare. Every network-facing decode
// site in this module goes through this helper rather than a bare
// json.Unmarshal.
func DecodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("wire: strict decode: %w", err)
	}
	return nil
}
