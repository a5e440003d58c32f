package models

import (
	"errors"
	"reflect"
	"testing"
)

func TestNewAlertKey(t *testing.T) {
	tests := []struct {
		date string
		id   int
		want AlertKey
	}{
		{"25/12/2025", 101, "25/12/2025_101"},
		{"01/01/2026", 7, "01/01/2026_7"},
		{"1/1/2026", 7, "1/1/2026_7"},
	}
	for _, tt := range tests {
		if got := NewAlertKey(tt.date, tt.id); got != tt.want {
			t.Errorf("NewAlertKey(%q, %d) = %q, want %q", tt.date, tt.id, got, tt.want)
		}
	}
}

func TestAvailabilityState_Actionable(t *testing.T) {
	tests := []struct {
		state AvailabilityState
		want  bool
	}{
		{StateAvailable, true},
		{StateLowAvailability, true},
		{StateSoldOut, false},
		{StateNotAllowed, false},
		{"", false},
		{"SOMETHING_NEW", false},
	}
	for _, tt := range tests {
		if got := tt.state.Actionable(); got != tt.want {
			t.Errorf("%q.Actionable() = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestParseVisitDate(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", "25/12/2025", false},
		{"leap day", "29/02/2028", false},
		{"not a leap year", "29/02/2027", true},
		{"iso format", "2025-12-25", true},
		{"single digits", "1/1/2026", true},
		{"month out of range", "01/13/2026", true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseVisitDate(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseVisitDate(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidDate) {
				t.Errorf("expected ErrInvalidDate, got %v", err)
			}
		})
	}
}

func TestAvailability_DatesChronological(t *testing.T) {
	a := Availability{
		"02/01/2026": nil,
		"garbage":    nil,
		"31/12/2025": nil,
		"15/01/2026": nil,
	}
	want := []string{"31/12/2025", "02/01/2026", "15/01/2026", "garbage"}
	if got := a.Dates(); !reflect.DeepEqual(got, want) {
		t.Errorf("Dates() = %v, want %v", got, want)
	}
}

func TestStatus_CloneIsIndependent(t *testing.T) {
	s := Status{
		CheckCount:  3,
		LastResults: Availability{"25/12/2025": {{ID: 1, Name: "Musei", Availability: StateAvailable}}},
	}
	c := s.Clone()
	c.LastResults["25/12/2025"][0].Name = "changed"
	c.LastResults["26/12/2025"] = nil

	if s.LastResults["25/12/2025"][0].Name != "Musei" {
		t.Error("clone shares product slice with original")
	}
	if _, ok := s.LastResults["26/12/2025"]; ok {
		t.Error("clone shares map with original")
	}
}
