package validate

import (
	"errors"
	"regexp"
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		constraints StringConstraints
		wantErr     error
		wantOutput  string
	}{
		{"trimmed within bounds", "  hello ", StringConstraints{MinLength: 2, MaxLength: 10, TrimSpace: true}, nil, "hello"},
		{"too short", "a", StringConstraints{MinLength: 2}, ErrStringTooShort, ""},
		{"too long", strings.Repeat("a", 11), StringConstraints{MaxLength: 10}, ErrStringTooLong, ""},
		{"multibyte counts runes", "おつきさま", StringConstraints{MaxLength: 5}, nil, "おつきさま"},
		{"empty rejected", "", StringConstraints{}, ErrEmpty, ""},
		{"empty allowed", "", StringConstraints{AllowEmpty: true}, nil, ""},
		{"pattern mismatch", "a b", StringConstraints{AllowedPattern: regexp.MustCompile(`^\w+$`)}, ErrInvalidCharacters, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := String(tt.input, tt.constraints)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("String() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.wantOutput {
				t.Errorf("String() = %q, want %q", got, tt.wantOutput)
			}
		})
	}
}

func TestID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"purchase id", "pur_01HZX3K9", nil},
		{"merchant reference", "diag_D1_1700000000000", nil},
		{"line user id", "U4af4980629f3f1c0d1a2b3c4d5e6f708", nil},
		{"stripe session", "cs_test_a1B2", nil},
		{"empty", "", ErrEmpty},
		{"space", "D1 D2", ErrInvalidCharacters},
		{"path traversal", "../etc", ErrInvalidCharacters},
		{"too long", strings.Repeat("a", MaxIDLength+1), ErrStringTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ID(tt.input); !errors.Is(err, tt.wantErr) {
				t.Errorf("ID(%q) error = %v, want %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestFields(t *testing.T) {
	if err := Fields([2]string{"purchaseId", "pur_1"}, [2]string{"userId", ""}); err != nil {
		t.Errorf("Fields() error = %v, want nil", err)
	}
	err := Fields([2]string{"purchaseId", "pur_1"}, [2]string{"userId", "U 1"})
	if !errors.Is(err, ErrInvalidCharacters) || !strings.HasPrefix(err.Error(), "userId:") {
		t.Errorf("Fields() error = %v", err)
	}
}
