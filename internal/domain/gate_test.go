package domain

import "testing"

func TestGenderGateAdmit(t *testing.T) {
	gate := GenderGate{}

	tests := []struct {
		input string
		want  bool
	}{
		{input: "F", want: true},
		{input: "f", want: true},
		{input: "female", want: true},
		{input: "Female", want: true},
		{input: "FEMALE", want: true},
		{input: " woman ", want: true},
		{input: "women", want: true},
		{input: "femenino", want: true},
		{input: "M", want: false},
		{input: "male", want: false},
		{input: "non-binary", want: false},
		{input: "fémale", want: false},
		{input: "fem", want: false},
		{input: "F.", want: false},
		{input: "femalex", want: false},
		{input: "x female", want: false},
		{input: "123", want: false},
		{input: "", want: false},
		{input: "   ", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := gate.Admit(tt.input); got != tt.want {
				t.Fatalf("Admit(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestGenderGateFailOpenOnlyAdmitsAbsentValues(t *testing.T) {
	gate := GenderGate{FailOpen: true}

	if !gate.Admit("") {
		t.Fatal("fail-open gate should admit an absent gender")
	}
	if !gate.Admit("  ") {
		t.Fatal("fail-open gate should treat whitespace as absent")
	}
	if gate.Admit("male") {
		t.Fatal("fail-open gate must still reject recognized non-admitted values")
	}
	if gate.Admit("unknown") {
		t.Fatal("fail-open gate must still reject unrecognized values")
	}
}
