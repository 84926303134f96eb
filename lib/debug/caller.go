package debug

import (
	"runtime"
	"strings"
)

// GetCallerName returns the name of the function that called the function invoking GetCallerName,
// formatted as package.Function (e.g. gateway.(*Gateway).Read). It is used to name tracing spans.
func GetCallerName() string {
	return GetFullCallerName(3)
}

// GetFullCallerName returns the name of the calling function.
// It skips the specified number of stack frames (default is 1 to skip the immediate caller).
func GetFullCallerName(skip ...int) string {
	skipFrames := 1
	if len(skip) > 0 {
		skipFrames = skip[0]
	}

	pc, _, _, ok := runtime.Caller(skipFrames)
	if !ok {
		return "unknown"
	}

	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "unknown"
	}

	fullName := fn.Name()
	lastSlash := strings.LastIndex(fullName, "/")
	if lastSlash != -1 {
		fullName = fullName[lastSlash+1:]
	}
	return fullName
}
