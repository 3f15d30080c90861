package models

import (
	"strings"
	"testing"
)

func TestUpdateProfileInputValidate(t *testing.T) {
	cases := []struct {
		name    string
		input   UpdateProfileInput
		wantErr bool
	}{
		{"empty input", UpdateProfileInput{}, false},
		{"valid email", UpdateProfileInput{Email: "ada@example.com"}, false},
		{"invalid email", UpdateProfileInput{Email: "not-an-email"}, true},
		{"valid phone", UpdateProfileInput{PhoneNumber: "+12025550123"}, false},
		{"invalid phone", UpdateProfileInput{PhoneNumber: "123"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.input.validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected a validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestUpdatePreferencesInputValidate(t *testing.T) {
	valid := UpdatePreferencesInput{Theme: "dark", Currency: "USD", Timezone: "America/New_York"}
	if err := valid.validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := (&UpdatePreferencesInput{Theme: "neon"}).validate(); err == nil || !strings.Contains(err.Error(), "theme") {
		t.Fatalf("expected a theme error, got %v", err)
	}
	if err := (&UpdatePreferencesInput{Currency: "EURO"}).validate(); err == nil || !strings.Contains(err.Error(), "currency") {
		t.Fatalf("expected a currency error, got %v", err)
	}
	if err := (&UpdatePreferencesInput{Timezone: "Not/AZone"}).validate(); err == nil || !strings.Contains(err.Error(), "timezone") {
		t.Fatalf("expected a timezone error, got %v", err)
	}
}
