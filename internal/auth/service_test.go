package auth

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"neuropulse/internal/storage"
)

const testCipherKey = "0123456789abcdef0123456789abcdef"

func TestAPIKeyStoreAndClear(t *testing.T) {
	ctx := context.Background()
	svc := NewService(storage.NewMemoryStore(), nil, "", nil)

	if _, err := svc.APIKey(ctx); err != ErrMissingCredential {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
	if err := svc.SetAPIKey(ctx, "  gsk_secret_value  "); err != nil {
		t.Fatalf("SetAPIKey: %v", err)
	}
	key, err := svc.APIKey(ctx)
	if err != nil || key != "gsk_secret_value" {
		t.Fatalf("APIKey = %q, %v", key, err)
	}
	if !svc.HasAPIKey(ctx) {
		t.Fatalf("expected HasAPIKey")
	}
	if err := svc.ClearAPIKey(ctx); err != nil {
		t.Fatalf("ClearAPIKey: %v", err)
	}
	if svc.HasAPIKey(ctx) {
		t.Fatalf("expected no key after clear")
	}
}

func TestAPIKeyRejectsEmpty(t *testing.T) {
	svc := NewService(storage.NewMemoryStore(), nil, "", nil)
	if err := svc.SetAPIKey(context.Background(), "   "); err != ErrEmptyCredential {
		t.Fatalf("expected ErrEmptyCredential, got %v", err)
	}
}

func TestAPIKeyFallback(t *testing.T) {
	ctx := context.Background()
	svc := NewService(storage.NewMemoryStore(), nil, "from-config", nil)
	key, err := svc.APIKey(ctx)
	if err != nil || key != "from-config" {
		t.Fatalf("fallback key = %q, %v", key, err)
	}
	if err := svc.SetAPIKey(ctx, "stored"); err != nil {
		t.Fatalf("SetAPIKey: %v", err)
	}
	if key, _ := svc.APIKey(ctx); key != "stored" {
		t.Fatalf("stored key should win, got %q", key)
	}
}

func TestAPIKeyEncryptedAtRest(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryStore()
	cipher, err := NewCipher(base64.StdEncoding.EncodeToString([]byte(testCipherKey)))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	svc := NewService(kv, cipher, "", nil)
	if err := svc.SetAPIKey(ctx, "gsk_secret_value"); err != nil {
		t.Fatalf("SetAPIKey: %v", err)
	}

	raw, err := kv.Get(ctx, KeyAPIKey)
	if err != nil {
		t.Fatalf("raw get: %v", err)
	}
	if !strings.HasPrefix(raw, sealedPrefix) || strings.Contains(raw, "gsk_secret_value") {
		t.Fatalf("expected sealed value, got %q", raw)
	}
	key, err := svc.APIKey(ctx)
	if err != nil || key != "gsk_secret_value" {
		t.Fatalf("APIKey = %q, %v", key, err)
	}

	// the sealed value is unreadable without the cipher
	plain := NewService(kv, nil, "", nil)
	if _, err := plain.APIKey(ctx); err == nil {
		t.Fatalf("expected error reading sealed key without cipher")
	}
}

func TestAPIKeyPlainValueReadWithCipher(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryStore()
	if err := kv.Set(ctx, KeyAPIKey, "legacy-plain"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	cipher, err := NewCipher(testCipherKey)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	svc := NewService(kv, cipher, "", nil)
	if key, err := svc.APIKey(ctx); err != nil || key != "legacy-plain" {
		t.Fatalf("APIKey = %q, %v", key, err)
	}
}

func TestCipherRejectsBadKeys(t *testing.T) {
	if _, err := NewCipher("short"); err == nil {
		t.Fatalf("expected error for short key")
	}
	c, err := NewCipher(testCipherKey)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	if _, err := c.Open("not base64!"); err == nil {
		t.Fatalf("expected ciphertext error")
	}
}

func TestCipherFromEnv(t *testing.T) {
	t.Setenv(EnvCipherKey, "")
	c, err := CipherFromEnv()
	if err != nil || c != nil {
		t.Fatalf("expected nil cipher without env, got %v %v", c, err)
	}
	t.Setenv(EnvCipherKey, testCipherKey)
	c, err = CipherFromEnv()
	if err != nil || c == nil {
		t.Fatalf("expected cipher from env, got %v %v", c, err)
	}
}

func TestMask(t *testing.T) {
	if got := Mask("gsk_abcdefgh1234"); got != "gsk_********1234" {
		t.Fatalf("Mask = %q", got)
	}
	if got := Mask("short"); got != "*****" {
		t.Fatalf("Mask short = %q", got)
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	svc := NewService(storage.NewMemoryStore(), nil, "", nil)

	router := gin.New()
	router.GET("/whoami", svc.Middleware(), func(c *gin.Context) {
		key, _ := APIKeyFromContext(c)
		c.String(http.StatusOK, key)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	if rec.Code != http.StatusUnauthorized || !strings.Contains(rec.Body.String(), "api key required") {
		t.Fatalf("expected 401 api key required, got %d %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer header-key")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "header-key" {
		t.Fatalf("bearer: %d %q", rec.Code, rec.Body.String())
	}

	if err := svc.SetAPIKey(ctx, "stored-key"); err != nil {
		t.Fatalf("SetAPIKey: %v", err)
	}
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "stored-key" {
		t.Fatalf("stored: %d %q", rec.Code, rec.Body.String())
	}
}
