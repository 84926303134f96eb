package to

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValue(t *testing.T) {
	t.Run("nil string", func(t *testing.T) {
		assert.Equal(t, "", Value((*string)(nil)))
	})
	t.Run("string", func(t *testing.T) {
		v := "hello"
		assert.Equal(t, "hello", Value(&v))
	})
	t.Run("nil int", func(t *testing.T) {
		assert.Equal(t, 0, Value((*int)(nil)))
	})
}

func TestNilString(t *testing.T) {
	t.Run("empty string", func(t *testing.T) {
		assert.Nil(t, NilString(""))
	})
	t.Run("non-empty string", func(t *testing.T) {
		assert.Equal(t, "hello", *NilString("hello"))
	})
}

func TestBool(t *testing.T) {
	assert.False(t, Bool(nil))
	assert.False(t, Bool(Ptr(false)))
	assert.True(t, Bool(Ptr(true)))
}
