package test

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func DeepCopy[T any](src T) T {
	var dst T
	bytes, err := json.Marshal(src)
	if err != nil {
		panic(err)
	}
	err = json.Unmarshal(bytes, &dst)
	if err != nil {
		panic(err)
	}
	return dst
}

// ReadJSON reads a JSON test fixture into a value of type T.
func ReadJSON[T any](t *testing.T, path string) T {
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var result T
	require.NoError(t, json.Unmarshal(data, &result))
	return result
}

// ParseJSON unmarshals an inline JSON fixture into a value of type T.
func ParseJSON[T any](t *testing.T, data string) T {
	var result T
	require.NoError(t, json.Unmarshal([]byte(data), &result))
	return result
}
