package auth

import (
	"strings"
	"testing"
)

func TestHashPasswordAndCheckPasswordBcrypt(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if hash == "" || hash == "s3cret" {
		t.Fatalf("expected opaque hash, got %q", hash)
	}
	if !CheckPassword("s3cret", hash) {
		t.Fatalf("expected bcrypt password check to pass")
	}
	if CheckPassword("wrong", hash) {
		t.Fatalf("expected bcrypt password check to fail")
	}
	if CheckPassword("s3cret", "") {
		t.Fatalf("expected empty hash to fail")
	}
}

func TestValidatePassword(t *testing.T) {
	if err := ValidatePassword("123456"); err != nil {
		t.Fatalf("expected valid password, got: %v", err)
	}
	if err := ValidatePassword("  12345  "); !IsPasswordPolicyError(err) {
		t.Fatalf("expected short password to fail after trim, got %v", err)
	}
	if err := ValidatePassword(strings.Repeat("a", 73)); !IsPasswordPolicyError(err) {
		t.Fatalf("expected long password to fail, got %v", err)
	}
	if _, err := HashPassword("short"); err == nil {
		t.Fatalf("expected hash of invalid password to fail")
	}
}
