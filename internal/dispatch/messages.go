package dispatch

import (
	"fmt"
	"strings"
)

// SOS trigger tokens, checked longest-prefix-first.
var sosTriggers = []string{"!police", "!fire", "!ems", "!help", "!sos"}

// falseAlarm is the sentinel selection for menu option 5.
const falseAlarm = "false_alarm"

// menu911Map converts a numeric menu selection to a trigger.
var menu911Map = map[string]string{
	"1": "!fire",
	"2": "!ems",
	"3": "!police",
	"4": "!help",
	"5": falseAlarm,
}

// menu911 is sent verbatim to the citizen after a !911.
const menu911 = "[SOS] Emergency received.\n" +
	"Reply with a NUMBER:\n" +
	"1 = Fire\n" +
	"2 = Medical\n" +
	"3 = Police\n" +
	"4 = Other\n" +
	"5 = Accident (sent by mistake)"

// Fixed user-facing notices.
const (
	msgRestricted       = "[SYSTEM] Your access has been temporarily restricted by a responder."
	msgAccessRestored   = "[SYSTEM] Your access has been restored. Send !911 or !help if you need assistance."
	msgBusy             = "[SYSTEM] Busy. Try again in 30s."
	msgPong             = "[SYSTEM] PONG. Signal received by The Operator."
	msgNoActiveSOS      = "[SYSTEM] No active SOS to cancel."
	msgSafeAck          = "[SYSTEM] SOS cancelled. Responders notified. Stay safe."
	msgSafetyNote       = "[SOS] If triggered by accident, send !safe to cancel."
	msgNoEmergency      = "[SYSTEM] No emergency dispatched. Stay safe."
	msgNoRecentDispatch = "[SYSTEM] No recent dispatch found. Cannot identify target."
	msgEmptyList        = "[SYSTEM] Restricted list is empty. No users locked out."
	msgInvalidNumber    = "[SYSTEM] Invalid number. Send !cancel to see the list again."
	msgAlreadyRemoved   = "[SYSTEM] User already removed or restriction expired."
	msgTriageTimeout    = "[SYSTEM] Triage session timed out. Send !911 or !help if you need assistance."
	msgWorkerError      = "[SYSTEM] Operator error. Message logged. Try again."
	msgTriageOpener     = "[SOS] Operator standing by. What is your emergency?"
	fallbackTriage      = "[SYSTEM] No response generated. Repeat your last message."
	fallbackGeneral     = "[SYSTEM] No response generated. Try again."
)

// matchTrigger returns the longest SOS trigger that the lowercased
// message equals or begins with (followed by whitespace), or "".
func matchTrigger(msgLower string) string {
	best := ""
	for _, trigger := range sosTriggers {
		if msgLower == trigger || strings.HasPrefix(msgLower, trigger+" ") {
			if len(trigger) > len(best) {
				best = trigger
			}
		}
	}
	return best
}

// gpsString renders a position for ACKs and dispatch lines.
func gpsString(lat, lon float64, has bool) string {
	if !has {
		return "GPS: UNKNOWN"
	}
	return fmt.Sprintf("GPS: %.5f,%.5f", lat, lon)
}

// isDigits reports whether s is a non-empty string of ASCII digits.
func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// truncateContext caps free-text context for the dispatch line.
func truncateContext(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
