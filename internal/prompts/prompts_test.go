package prompts

import (
	"strings"
	"testing"
	"time"

	"github.com/libertymesh/operator/internal/session"
)

func TestTriagePrompt(t *testing.T) {
	start := time.Date(2025, 6, 1, 14, 30, 0, 0, time.UTC)
	sess := session.Session{
		Sender:       "!deadbeef",
		Name:         "Ridge Cabin",
		Trigger:      "!ems",
		Lat:          35.12345,
		Lon:          -101.54321,
		HasGPS:       true,
		DispatchedTo: "!000000f1",
		StartedAt:    start,
		Exchanges: []session.Exchange{
			{At: start, Role: session.RoleCitizen, Text: "chest pain"},
			{At: start.Add(30 * time.Second), Role: session.RoleOperator, Text: "Is the patient conscious?"},
		},
	}

	p := Triage(sess)

	for _, want := range []string{
		"Trigger: !ems",
		"Time: 2025-06-01T14:30:00",
		"Citizen: Ridge Cabin (!deadbeef)",
		"GPS: 35.12345,-101.54321",
		"Dispatched To: !000000f1",
		"[14:30:00] CITIZEN: chest pain",
		"[14:30:30] OPERATOR: Is the patient conscious?",
		"ONE follow-up triage question",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("triage prompt missing %q", want)
		}
	}
}

func TestTriagePromptDefaults(t *testing.T) {
	p := Triage(session.Session{Trigger: "!sos", Sender: "!00000001", Name: "!00000001"})

	if !strings.Contains(p, "GPS: UNKNOWN") {
		t.Error("missing GPS UNKNOWN for session without a fix")
	}
	if !strings.Contains(p, "Dispatched To: ALL RESPONDERS") {
		t.Error("missing ALL RESPONDERS for unrouted dispatch")
	}
	if strings.Contains(p, "TRIAGE LOG") {
		t.Error("empty transcript rendered a TRIAGE LOG section")
	}
}

func TestGeneralPersona(t *testing.T) {
	p := General()
	if !strings.Contains(p, "The Operator") || !strings.Contains(p, "2 sentences max") {
		t.Errorf("general persona = %q", p)
	}
}

func TestSafeFooterIsFixed(t *testing.T) {
	if SafeFooter != "[Send !safe when emergency is resolved]" {
		t.Errorf("SafeFooter = %q", SafeFooter)
	}
}
