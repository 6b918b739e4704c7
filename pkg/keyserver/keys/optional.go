package keys

import (
	"bytes"
	"encoding/json"
	"time"
)

var jsonNull = []byte("null")

// optionalTime is a request field that distinguishes an explicit JSON
// null, which clears the stored value, from an absent key, which leaves
// it untouched. Plain pointer fields collapse both cases to nil.
type optionalTime struct {
	Set   bool
	Value *time.Time
}

func (o *optionalTime) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(data, jsonNull) {
		o.Value = nil
		return nil
	}
	return json.Unmarshal(data, &o.Value)
}

// optionalUint is the uint counterpart of optionalTime
type optionalUint struct {
	Set   bool
	Value *uint
}

func (o *optionalUint) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(data, jsonNull) {
		o.Value = nil
		return nil
	}
	return json.Unmarshal(data, &o.Value)
}
