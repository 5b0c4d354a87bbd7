package model

import "strconv"

// Features is the dynamic key/value feature bag attached to a license type
// and embedded in issued credentials. Values are stored as strings; the typed
// getters parse on read and fall back to the caller-supplied default on any
// parse failure or missing key.
type Features map[string]string

// String returns the raw value for key, or fallback if absent.
func (f Features) String(key, fallback string) string {
	if v, ok := f[key]; ok {
		return v
	}
	return fallback
}

// Int parses the value for key as a base-10 integer.
func (f Features) Int(key string, fallback int) int {
	v, ok := f[key]
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// Bool parses the value for key with strconv.ParseBool semantics.
func (f Features) Bool(key string, fallback bool) bool {
	v, ok := f[key]
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// Float parses the value for key as a float64.
func (f Features) Float(key string, fallback float64) float64 {
	v, ok := f[key]
	if !ok {
		return fallback
	}
	x, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return x
}

// Clone returns a shallow copy, never nil.
func (f Features) Clone() Features {
	out := make(Features, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}
