package types

import (
	"sort"
	"strconv"
	"strings"
)

// AttributesSchemaVersion is the version stamped on every Attributes value.
//
// Schema v1: a flat map of string keys to string values. Typed readers
// (Int, Bool, List) parse on access; writers format with SetInt, SetBool
// and SetList so the stored text is always canonical. Lists are encoded
// as comma-separated values without whitespace.
const AttributesSchemaVersion = 1

// Attributes is a typed key/value map carried by actors and audit events
type Attributes struct {
	Version int               `json:"v"`
	Values  map[string]string `json:"values,omitempty"`
}

// NewAttributes returns an empty v1 attribute map
func NewAttributes() Attributes {
	return Attributes{Version: AttributesSchemaVersion, Values: map[string]string{}}
}

// Attrs builds attributes from alternating key/value strings. A trailing key without a value is dropped.
func Attrs(kv ...string) Attributes {
	a := NewAttributes()
	for i := 0; i+1 < len(kv); i += 2 {
		a.Values[kv[i]] = kv[i+1]
	}
	return a
}

func (a *Attributes) ensure() {
	if a.Version == 0 {
		a.Version = AttributesSchemaVersion
	}
	if a.Values == nil {
		a.Values = map[string]string{}
	}
}

// Set stores a string value
func (a *Attributes) Set(key, value string) {
	a.ensure()
	a.Values[key] = value
}

// SetInt stores an integer value
func (a *Attributes) SetInt(key string, value int64) {
	a.Set(key, strconv.FormatInt(value, 10))
}

// SetBool stores a boolean value
func (a *Attributes) SetBool(key string, value bool) {
	a.Set(key, strconv.FormatBool(value))
}

// SetList stores a list of values
func (a *Attributes) SetList(key string, values []string) {
	a.Set(key, strings.Join(values, ","))
}

// Get returns the raw string value
func (a Attributes) Get(key string) (string, bool) {
	v, ok := a.Values[key]
	return v, ok
}

// Int returns the value parsed as an integer
func (a Attributes) Int(key string) (int64, bool) {
	v, ok := a.Values[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Bool returns the value parsed as a boolean
func (a Attributes) Bool(key string) (bool, bool) {
	v, ok := a.Values[key]
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// List returns the value split into its elements
func (a Attributes) List(key string) ([]string, bool) {
	v, ok := a.Values[key]
	if !ok {
		return nil, false
	}
	if v == "" {
		return []string{}, true
	}
	return strings.Split(v, ","), true
}

// Keys returns the attribute keys in sorted order
func (a Attributes) Keys() []string {
	keys := make([]string, 0, len(a.Values))
	for k := range a.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
