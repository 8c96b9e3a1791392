package web

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"lessoncal/internal/config"
)

var cheapParams = Argon2idParams{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 8, KeyLength: 16}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("hunter2", cheapParams)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !IsPasswordHash(hash) {
		t.Fatalf("hash %q not recognised", hash)
	}
	if err := VerifyPassword(hash, "hunter2"); err != nil {
		t.Fatalf("VerifyPassword(correct) = %v", err)
	}
	if err := VerifyPassword(hash, "hunter3"); !errors.Is(err, ErrPasswordMismatch) {
		t.Fatalf("VerifyPassword(wrong) = %v, want ErrPasswordMismatch", err)
	}

	other, _ := HashPassword("hunter2", cheapParams)
	if other == hash {
		t.Fatal("hashes should be salted")
	}
}

func TestVerifyPasswordRejectsMalformed(t *testing.T) {
	cases := []struct {
		in   string
		want error
	}{
		{"plain", ErrInvalidPasswordHash},
		{"$bcrypt$v=19$m=1,t=1,p=1$c2FsdA$aGFzaA", ErrInvalidPasswordHash},
		{"$argon2id$v=18$m=1024,t=1,p=1$c2FsdA$aGFzaA", ErrIncompatiblePasswordVersion},
		{"$argon2id$v=19$bogus$c2FsdA$aGFzaA", ErrInvalidPasswordHash},
		{"$argon2id$v=19$m=1024,t=1,p=1$!!$aGFzaA", ErrInvalidPasswordHash},
	}
	for _, tc := range cases {
		if err := VerifyPassword(tc.in, "x"); !errors.Is(err, tc.want) {
			t.Errorf("VerifyPassword(%q) = %v, want %v", tc.in, err, tc.want)
		}
	}
}

func TestBasicAuthWithHashedPassword(t *testing.T) {
	hash, err := HashPassword("pw", cheapParams)
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: hash}
	f := newFixture(cfg)

	for _, tc := range []struct {
		password string
		want     int
	}{
		{"pw", http.StatusOK},
		{"nope", http.StatusUnauthorized},
		{hash, http.StatusUnauthorized},
	} {
		req := httptest.NewRequest(http.MethodGet, "/api/lessons", nil)
		req.SetBasicAuth("admin", tc.password)
		rec := httptest.NewRecorder()
		f.srv.Handler().ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Errorf("password %q: status = %d, want %d", strings.TrimSpace(tc.password), rec.Code, tc.want)
		}
	}
}
