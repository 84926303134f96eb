package must

import (
	"encoding/json"
	"net/url"
)

// ParseURL parses the given URL, panicking if it is invalid. Only use it for constants and test fixtures.
func ParseURL(s string) *url.URL {
	u, err := url.Parse(s)
	if err != nil {
		panic("invalid URL: " + err.Error())
	}
	return u
}

// MarshalJSON marshals the given value, panicking if it can't be marshalled.
func MarshalJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic("invalid JSON: " + err.Error())
	}
	return data
}
