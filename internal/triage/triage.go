// Package triage pre-classifies inbound messages for medical emergencies.
// A match bypasses AI response generation entirely so the canned safety
// message goes out even when every downstream dependency is unavailable.
package triage

import "strings"

// DefaultKeywords is the fixed emergency keyword set. Matching is literal
// case-insensitive substring search; ambiguous phrasing is not detected.
var DefaultKeywords = []string{
	"suicide",
	"kill myself",
	"want to die",
	"heart attack",
	"chest pain",
	"can't breathe",
	"unconscious",
	"poison",
	"accident",
	"bleeding heavily",
}

// DefaultResponse is the canned safety message sent on a keyword match.
const DefaultResponse = "This seems like a critical situation. Please contact emergency services " +
	"immediately by calling 108. This is an AI assistant and not a substitute " +
	"for a medical professional."

// Filter classifies message text against an emergency keyword list.
type Filter struct {
	keywords []string
	response string
}

// NewFilter creates a Filter. Empty keywords or response fall back to the
// built-in defaults.
func NewFilter(keywords []string, response string) *Filter {
	if len(keywords) == 0 {
		keywords = DefaultKeywords
	}
	if response == "" {
		response = DefaultResponse
	}

	lowered := make([]string, len(keywords))
	for i, k := range keywords {
		lowered[i] = strings.ToLower(k)
	}

	return &Filter{keywords: lowered, response: response}
}

// IsEmergency reports whether the text contains any configured emergency
// keyword, case-insensitively.
func (f *Filter) IsEmergency(text string) bool {
	lowered := strings.ToLower(text)
	for _, k := range f.keywords {
		if strings.Contains(lowered, k) {
			return true
		}
	}
	return false
}

// Response returns the canned safety message.
func (f *Filter) Response() string {
	return f.response
}
