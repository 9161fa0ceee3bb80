package checksum

import (
	"strings"
	"testing"
)

func TestSHA256Bytes(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected string
	}{
		{
			name:     "empty",
			input:    []byte{},
			expected: "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
		{
			name:     "hello world",
			input:    []byte("hello world"),
			expected: "sha256:b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9",
		},
		{
			name:     "json object",
			input:    []byte(`{"key":"value"}`),
			expected: "sha256:e43abcf3375244839c012f9633f95862d232a95b00d5bc7348b3098b9fed7f32",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SHA256Bytes(tt.input)
			if result != tt.expected {
				t.Errorf("SHA256Bytes() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestSHA256Reader(t *testing.T) {
	hash, err := SHA256Reader(strings.NewReader("hello world"))
	if err != nil {
		t.Fatalf("SHA256Reader() error = %v", err)
	}

	expected := "sha256:b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if hash != expected {
		t.Errorf("SHA256Reader() = %v, want %v", hash, expected)
	}

	// Streaming and one-shot hashing must agree
	if hash != SHA256Bytes([]byte("hello world")) {
		t.Error("SHA256Reader() disagrees with SHA256Bytes()")
	}
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		name string
		sum  string
		want bool
	}{
		{
			name: "well formed",
			sum:  "sha256:b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9",
			want: true,
		},
		{
			name: "missing prefix",
			sum:  "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9",
			want: false,
		},
		{
			name: "wrong length",
			sum:  "sha256:b94d27b9",
			want: false,
		},
		{
			name: "non-hex characters",
			sum:  "sha256:zz4d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcdzz",
			want: false,
		},
		{
			name: "empty",
			sum:  "",
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValid(tt.sum); got != tt.want {
				t.Errorf("IsValid(%q) = %v, want %v", tt.sum, got, tt.want)
			}
		})
	}
}

func TestVerify(t *testing.T) {
	data := []byte("hello world")
	good := "sha256:b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

	if err := Verify(data, good); err != nil {
		t.Errorf("Verify() error = %v, want nil", err)
	}

	bad := "sha256:0000000000000000000000000000000000000000000000000000000000000000"
	if err := Verify(data, bad); err == nil {
		t.Error("Verify() expected error for mismatched digest")
	}

	if err := Verify(data, "not-a-digest"); err == nil {
		t.Error("Verify() expected error for malformed digest")
	}
}
