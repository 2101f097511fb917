package session

import (
	"regexp"

	"github.com/user/tripclaw/internal/runtime/tools"
)

// baseTools are offered on every call.
var baseTools = []string{
	tools.UpdateItineraryName,
	tools.ScheduleReminderName,
	tools.ReadURLName,
	tools.WebSearchName,
}

// reviewRequest matches phrasing that asks to see the itinerary back.
var reviewRequest = regexp.MustCompile(`(?i)\b(review|show|read|summari[sz]e|recap|go over|walk me through|print|display|what'?s (in|on))\b.*\b(itinerary|plan|schedule|trip)\b`)

// AllowedTools computes the tool allow-list for one call. Reading the full
// itinerary back is only offered when the user asks to review it or when
// the copy inlined into the prompt was truncated; otherwise it is already in
// the prompt.
func AllowedTools(userText string, itineraryTruncated bool) []string {
	allowed := make([]string, len(baseTools), len(baseTools)+1)
	copy(allowed, baseTools)
	if itineraryTruncated || reviewRequest.MatchString(userText) {
		allowed = append(allowed, tools.ReadItineraryName)
	}
	return allowed
}
