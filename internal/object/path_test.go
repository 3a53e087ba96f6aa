package object

import (
	"reflect"
	"testing"
)

func TestValidatePath(t *testing.T) {
	valid := []string{"a", "a/b", "a/1.txt", "dir/sub/file.bin"}
	for _, p := range valid {
		if err := ValidatePath(p); err != nil {
			t.Errorf("ValidatePath(%q) = %v, want nil", p, err)
		}
	}
	invalid := []string{"", "/a", "a/", "a//b", "a/./b", "../a", "a\x00b"}
	for _, p := range invalid {
		if err := ValidatePath(p); err == nil {
			t.Errorf("ValidatePath(%q) = nil, want error", p)
		}
	}
	if err := ValidatePrefix(""); err != nil {
		t.Errorf("ValidatePrefix(\"\") = %v, want nil", err)
	}
}

func TestPrefixMatch(t *testing.T) {
	tests := []struct {
		path, prefix string
		rest         []string
		ok           bool
	}{
		{"a/1.txt", "", []string{"a", "1.txt"}, true},
		{"a/1.txt", "a", []string{"1.txt"}, true},
		{"a/1.txt", "a/1", nil, false},
		{"a/1.txt/1.txt", "a/1.txt", []string{"1.txt"}, true},
		{"a/1.txt", "a/1.txt", nil, true},
		{"ab/c", "a", nil, false},
	}
	for _, tc := range tests {
		rest, ok := PrefixMatch(tc.path, tc.prefix)
		if ok != tc.ok || !reflect.DeepEqual(rest, tc.rest) {
			t.Errorf("PrefixMatch(%q, %q) = %v, %v, want %v, %v", tc.path, tc.prefix, rest, ok, tc.rest, tc.ok)
		}
	}
}
