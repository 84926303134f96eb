package referral

import "strings"

// Warnings collects the caveats of a referral run that succeeded anyway. They are reported to the caller as one text.
type Warnings []string

func (w *Warnings) Add(message string) {
	message = strings.TrimSpace(message)
	if message != "" {
		*w = append(*w, message)
	}
}

func (w Warnings) String() string {
	return strings.Join(w, " ")
}
