package redact

import "testing"

func TestPreview(t *testing.T) {
	cases := []struct {
		value string
		want  string
	}{
		{"", "****"},
		{"ab", "****"},
		{"abcd", "****"},
		{"abcdef", "**cdef"},
		{"sk-ant-api03-abcdefgh", "*****************efgh"},
	}

	for _, tc := range cases {
		if got := Preview(tc.value); got != tc.want {
			t.Errorf("Preview(%q) = %q, want %q", tc.value, got, tc.want)
		}
	}
}

func TestMaskFindsCredentialShapes(t *testing.T) {
	msg := "failed request with key sk-ant-REDACTED and token 123456789:AAFabcdefghijklmnopqrstuvwxyz012"
	masked := Mask(msg)

	if contains(masked, "sk-ant-REDACTED") {
		t.Fatalf("anthropic key leaked in masked message: %q", masked)
	}
	if contains(masked, "123456789:AAFabcdefghijklmnopqrstuvwxyz012") {
		t.Fatalf("telegram token leaked in masked message: %q", masked)
	}
}

func TestMaskLeavesPlainTextAlone(t *testing.T) {
	msg := "bot-1 connected to telegram"
	if got := Mask(msg); got != msg {
		t.Fatalf("Mask altered non-credential text: got %q, want %q", got, msg)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
