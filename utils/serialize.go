package utils

import (
	"encoding/json"

	"github.com/juju/errors"
)

// Serialize encodes a store value
func Serialize(o any) ([]byte, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return nil, errors.Annotatef(err, "serialize %T", o)
	}
	return b, nil
}

// Unserialize decodes a store value, an empty value is reported as not found
func Unserialize(b []byte, o any) error {
	if len(b) == 0 {
		return errors.NotFoundf("value")
	}
	return errors.Trace(json.Unmarshal(b, o))
}
