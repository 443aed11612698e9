package parse

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
)

var ErrMalformedResponse = errors.New("schedule format not recognized")

// Upstreams are sloppy about JSON types. IDs show up as numbers,
// coordinates as strings and single values as one element arrays.
// These types accept all of the above.

type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*s = ""
		return nil
	}

	switch data[0] {
	case '"':
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = flexString(v)
	case '[':
		// SIRI allows multilingual values as arrays of
		// strings or of {"value": ...} objects. First wins.
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		*s = ""
		if len(raw) > 0 {
			var v flexString
			if err := v.UnmarshalJSON(raw[0]); err != nil {
				return err
			}
			*s = v
		}
	case '{':
		var v struct {
			Value flexString `json:"value"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = v.Value
	default:
		*s = flexString(string(data))
	}
	return nil
}

type flexFloat struct {
	Value float64
	Valid bool
}

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(data); err != nil {
		return err
	}
	str := strings.TrimSpace(string(s))
	if str == "" {
		*f = flexFloat{}
		return nil
	}
	v, err := strconv.ParseFloat(str, 64)
	if err != nil {
		*f = flexFloat{}
		return nil
	}
	*f = flexFloat{Value: v, Valid: true}
	return nil
}

// Rounds to the nearest integer. Nil if absent or unparseable.
func (f flexFloat) IntPtr() *int {
	if !f.Valid {
		return nil
	}
	i := int(math.Round(f.Value))
	return &i
}

// Decodes a value that may be a single object or an array of objects.
type oneOrMany[T any] []T

func (o *oneOrMany[T]) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*o = nil
		return nil
	}
	if data[0] == '[' {
		var many []T
		if err := json.Unmarshal(data, &many); err != nil {
			return err
		}
		*o = many
		return nil
	}
	var one T
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	*o = []T{one}
	return nil
}
