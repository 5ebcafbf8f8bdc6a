package digest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBytesKnownVectors(t *testing.T) {
	tests := []struct {
		algorithm Algorithm
		want      string
	}{
		{MD5, "5d41402abc4b2a76b9719d911017c592"},
		{SHA256, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"},
	}
	for _, tt := range tests {
		got := Bytes(tt.algorithm, []byte("hello"))
		if got.Hex() != tt.want {
			t.Errorf("%s(hello) = %s, want %s", tt.algorithm, got.Hex(), tt.want)
		}
	}
	if got := Bytes(BLAKE3, []byte("hello")); len(got.Value) != 32 {
		t.Errorf("blake3 digest is %d bytes, want 32", len(got.Value))
	}
}

func TestParse(t *testing.T) {
	sum, err := Parse(MD5, "5D41402ABC4B2A76B9719D911017C592")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !sum.Equal(Bytes(MD5, []byte("hello"))) {
		t.Fatal("parsed upper-case digest should equal computed digest")
	}

	for _, bad := range []string{"zz", "abcd", ""} {
		if _, err := Parse(MD5, bad); err == nil {
			t.Errorf("Parse(md5, %q) should fail", bad)
		}
	}
	if _, err := Parse("crc32", "00000000"); err == nil {
		t.Error("unknown algorithm should fail")
	}
}

func TestFileStreamsContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob")
	content := strings.Repeat("0123456789", 1000)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := File(path, SHA256)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if want := Bytes(SHA256, []byte(content)); !got.Equal(want) {
		t.Fatalf("File = %s, want %s", got, want)
	}

	if _, err := File(filepath.Join(t.TempDir(), "missing"), MD5); err == nil {
		t.Fatal("hashing a missing file should fail")
	}
}

func TestVerify(t *testing.T) {
	want := Bytes(MD5, []byte("payload"))
	if err := Verify(want, []byte("payload")); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	err := Verify(want, []byte("tampered"))
	if !errors.Is(err, ErrMismatch) {
		t.Fatalf("Verify(tampered) = %v, want ErrMismatch", err)
	}
}

func TestSumString(t *testing.T) {
	if (Sum{}).String() != "" {
		t.Error("zero Sum should render empty")
	}
	sum := Bytes(MD5, []byte("hello"))
	if sum.String() != "md5:5d41402abc4b2a76b9719d911017c592" {
		t.Errorf("String() = %q", sum.String())
	}
}
