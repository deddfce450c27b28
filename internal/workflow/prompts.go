package workflow

import (
	"fmt"
	"strings"

	"github.com/Kocoro-lab/clarifier/internal/ports"
)

const (
	// NoSearchInputAnswer is the retrieval result when no search string could be built
	NoSearchInputAnswer = "No valid search input provided"
	// NoInformationAnswer replaces the answer when retrieval fails
	NoInformationAnswer = "I couldn't find any information on that."
	// RetryPrompt is shown when a run failed and can be retried with the same id
	RetryPrompt = "Something went wrong while processing your request. Please send your message again to retry."
)

func entityPrompt(candidates []string) string {
	if len(candidates) == 0 {
		return "I could not identify the company you mean. Please provide more details, such as its full name, industry, or location."
	}
	return fmt.Sprintf(
		"I found multiple companies: %s. Please provide more details about the company you are looking for, such as industry, function, and location.",
		strings.Join(candidates, ", "),
	)
}

func intentPrompt(intent string) string {
	if intent == ports.IntentLocation {
		return "I found more than one location type. Could you please clarify what kind of location you are asking about, such as stores, headquarters, or factories?"
	}
	return "I cannot be sure about your intention with that question. Can you be more specific about what you are looking for?"
}

// FormatFinalAnswer appends the source attribution clause to an answer
func FormatFinalAnswer(answer, sources string) string {
	sources = strings.TrimSpace(sources)
	sources = strings.ReplaceAll(sources, "\n", ", ")
	return fmt.Sprintf("%s (Sources: %s)", strings.TrimSpace(answer), sources)
}
