package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func signedRouter(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhook", WebhookAuth(secret), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookAuth(t *testing.T) {
	const secret = "test-secret"
	body := []byte(`{"eventType":"trade_opened"}`)

	tests := []struct {
		name       string
		signature  string
		wantStatus int
	}{
		{"valid signature", sign(secret, body), http.StatusOK},
		{"valid with sha256 prefix", "sha256=" + sign(secret, body), http.StatusOK},
		{"missing signature", "", http.StatusUnauthorized},
		{"wrong signature", sign("other-secret", body), http.StatusUnauthorized},
		{"garbage signature", "not-hex", http.StatusUnauthorized},
	}

	r := signedRouter(secret)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
			if tt.signature != "" {
				req.Header.Set(SignatureHeader, tt.signature)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestWebhookAuthEmptySecretSkipsVerification(t *testing.T) {
	r := signedRouter("")
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with no secret configured", w.Code)
	}
}

func TestWebhookAuthPreservesBody(t *testing.T) {
	const secret = "test-secret"
	body := []byte(`{"eventType":"trade_opened"}`)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	var seen []byte
	r.POST("/webhook", WebhookAuth(secret), func(c *gin.Context) {
		seen, _ = c.GetRawData()
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set(SignatureHeader, sign(secret, body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if !bytes.Equal(seen, body) {
		t.Errorf("handler saw body %q, want %q", seen, body)
	}
}

func TestIsValidEthAddress(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"0x1111111111111111111111111111111111111111", true},
		{"0xAbCd111111111111111111111111111111111111", true},
		{"  0x1111111111111111111111111111111111111111  ", true},
		{"0x111", false},
		{"1111111111111111111111111111111111111111", false},
		{"0xzzzz111111111111111111111111111111111111", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsValidEthAddress(tt.addr); got != tt.want {
			t.Errorf("IsValidEthAddress(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}
