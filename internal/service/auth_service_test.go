package service

import (
	"testing"
	"time"

	"github.com/codelift/workbench/pkg/config"
)

func newAuthService(secret string) *AuthService {
	return NewAuthService(&config.Config{JWTSecret: secret})
}

func TestTokenRoundTrip(t *testing.T) {
	svc := newAuthService("test-secret")

	token, err := svc.GenerateToken("alice", "alice@example.com", false)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.UserID != "alice" {
		t.Errorf("UserID = %q, want alice", claims.UserID)
	}
	if claims.Email != "alice@example.com" {
		t.Errorf("Email = %q, want alice@example.com", claims.Email)
	}
	if claims.IsAdmin {
		t.Error("IsAdmin = true for a regular user token")
	}
	if claims.Issuer != "workbench" {
		t.Errorf("Issuer = %q, want workbench", claims.Issuer)
	}
	if remaining := time.Until(claims.ExpiresAt.Time); remaining < 23*time.Hour {
		t.Errorf("token expires in %v, want about 24h", remaining)
	}
}

func TestAdminFlagSurvivesRoundTrip(t *testing.T) {
	svc := newAuthService("test-secret")

	token, err := svc.GenerateToken("root", "ops@example.com", true)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if !claims.IsAdmin {
		t.Error("IsAdmin flag lost in transit")
	}
}

func TestValidateTokenRejectsBadInput(t *testing.T) {
	svc := newAuthService("test-secret")
	good, err := svc.GenerateToken("alice", "alice@example.com", false)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"empty", ""},
		{"truncated", good[:len(good)-10]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.ValidateToken(tt.token); err == nil {
				t.Error("ValidateToken accepted a bad token")
			}
		})
	}
}

func TestValidateTokenRejectsForeignSecret(t *testing.T) {
	token, err := newAuthService("their-secret").GenerateToken("mallory", "m@example.com", true)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	if _, err := newAuthService("our-secret").ValidateToken(token); err == nil {
		t.Error("token signed with a different secret validated")
	}
}

func TestRefreshTokenCarriesIdentity(t *testing.T) {
	svc := newAuthService("test-secret")
	original, err := svc.GenerateToken("bob", "bob@example.com", true)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	refreshed, err := svc.RefreshToken(original)
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}

	claims, err := svc.ValidateToken(refreshed)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.UserID != "bob" || claims.Email != "bob@example.com" || !claims.IsAdmin {
		t.Errorf("refreshed claims = %+v, want bob's identity intact", claims)
	}
}

func TestRefreshTokenRejectsInvalidToken(t *testing.T) {
	svc := newAuthService("test-secret")

	if _, err := svc.RefreshToken("not-a-token"); err == nil {
		t.Error("RefreshToken accepted a bad token")
	}
}
