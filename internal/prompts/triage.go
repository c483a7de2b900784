package prompts

import (
	"fmt"
	"strings"

	"github.com/libertymesh/operator/internal/session"
)

// SafeFooter is stamped onto every operator triage reply outside the
// LLM output. Deterministic — the model never generates it.
const SafeFooter = "[Send !safe when emergency is resolved]"

// allResponders is shown in the prompt when an incident was routed to
// every configured responder.
const allResponders = "ALL RESPONDERS"

// Triage builds the system prompt for one triage exchange from a
// session snapshot. The template is deterministic: trigger, start
// time, citizen identity, GPS, routing, the formatted transcript, and
// the fixed triage rules.
func Triage(sess session.Session) string {
	gps := "UNKNOWN"
	if sess.HasGPS {
		gps = fmt.Sprintf("%.5f,%.5f", sess.Lat, sess.Lon)
	}
	dispatched := sess.DispatchedTo
	if dispatched == "" {
		dispatched = allResponders
	}

	var sb strings.Builder
	sb.WriteString("You are an Emergency Dispatch Operator on a LoRa mesh network.\n\n")
	sb.WriteString("ACTIVE EMERGENCY:\n")
	fmt.Fprintf(&sb, "  Trigger: %s\n", sess.Trigger)
	fmt.Fprintf(&sb, "  Time: %s\n", sess.StartedAt.Format("2006-01-02T15:04:05"))
	fmt.Fprintf(&sb, "  Citizen: %s (%s)\n", sess.Name, sess.Sender)
	fmt.Fprintf(&sb, "  GPS: %s\n", gps)
	fmt.Fprintf(&sb, "  Dispatched To: %s\n\n", dispatched)

	if len(sess.Exchanges) > 0 {
		sb.WriteString("TRIAGE LOG:\n")
		for _, ex := range sess.Exchanges {
			role := "CITIZEN"
			if ex.Role == session.RoleOperator {
				role = "OPERATOR"
			}
			fmt.Fprintf(&sb, "  [%s] %s: %s\n", ex.At.Format("15:04:05"), role, ex.Text)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("RULES:\n")
	sb.WriteString("- You are triaging the above emergency ONLY.\n")
	sb.WriteString("- If the citizen goes off-topic, redirect to the active emergency.\n")
	sb.WriteString("- Ask ONE follow-up triage question per response.\n")
	sb.WriteString("- 2 sentences max. No markdown.\n")

	return sb.String()
}
