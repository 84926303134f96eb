package to

func Ptr[T any](v T) *T {
	return &v
}

func NilString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func EmptyString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

// Value returns the value a pointer points to, or the zero value of the type if the pointer is nil.
func Value[T any](v *T) T {
	if v == nil {
		var zero T
		return zero
	}
	return *v
}

// Bool returns true only if the pointer is non-nil and points to true.
func Bool(v *bool) bool {
	return v != nil && *v
}
