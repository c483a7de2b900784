package dispatch

import (
	"strings"
	"testing"
)

func TestMatchTrigger(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"!sos", "!sos"},
		{"!sos trapped", "!sos"},
		{"!ems chest pain", "!ems"},
		{"!police", "!police"},
		{"!sosomething", ""},
		{"!emsx", ""},
		{"help !sos", ""}, // trigger must lead
		{"hello", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := matchTrigger(tt.in); got != tt.want {
			t.Errorf("matchTrigger(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMenu911SelectionMap(t *testing.T) {
	want := map[string]string{
		"1": "!fire",
		"2": "!ems",
		"3": "!police",
		"4": "!help",
		"5": falseAlarm,
	}
	for k, v := range want {
		if menu911Map[k] != v {
			t.Errorf("menu911Map[%q] = %q, want %q", k, menu911Map[k], v)
		}
	}
	if _, ok := menu911Map["6"]; ok {
		t.Error("menu accepts an undefined option")
	}
}

func TestMenu911TextMatchesMap(t *testing.T) {
	// Each numbered line in the menu must exist in the selection map.
	for _, line := range strings.Split(menu911, "\n")[1:] {
		digit := string(line[0])
		if digit >= "1" && digit <= "9" {
			if _, ok := menu911Map[digit]; !ok {
				t.Errorf("menu line %q has no mapping", line)
			}
		}
	}
}

func TestGPSString(t *testing.T) {
	if got := gpsString(35.123456, -101.543219, true); got != "GPS: 35.12346,-101.54322" {
		t.Errorf("gpsString = %q", got)
	}
	if got := gpsString(0, 0, false); got != "GPS: UNKNOWN" {
		t.Errorf("gpsString unknown = %q", got)
	}
}

func TestIsDigits(t *testing.T) {
	for in, want := range map[string]bool{
		"1": true, "42": true, "": false, "1a": false, "-1": false, "!ack": false,
	} {
		if got := isDigits(in); got != want {
			t.Errorf("isDigits(%q) = %v", in, got)
		}
	}
}

func TestTruncateContext(t *testing.T) {
	if got := truncateContext("short", 80); got != "short" {
		t.Errorf("truncateContext short = %q", got)
	}
	long := strings.Repeat("a", 100)
	if got := truncateContext(long, 80); len(got) != 80 {
		t.Errorf("len = %d, want 80", len(got))
	}
}
