package auth

import (
	"net/http"
	"testing"
	"time"

	"github.com/haasonsaas/a2c-smcp/internal/protocol"
)

func TestJWTServiceGenerateValidate(t *testing.T) {
	svc := NewJWTService("secret", time.Hour)
	token, err := svc.Generate("agent1", protocol.RoleAgent)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	id, err := svc.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if id.Name != "agent1" || id.Role != protocol.RoleAgent {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestJWTServiceRejectsWrongSecret(t *testing.T) {
	svc := NewJWTService("secret", time.Hour)
	token, err := svc.Generate("comp1", protocol.RoleComputer)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	other := NewJWTService("different-secret", time.Hour)
	if _, err := other.Validate(token); err == nil {
		t.Fatal("expected validation to fail against a different secret")
	}
}

func TestJWTServiceDisabledWithoutSecret(t *testing.T) {
	svc := NewJWTService("", time.Hour)
	if _, err := svc.Generate("agent1", protocol.RoleAgent); err != ErrAuthDisabled {
		t.Fatalf("expected ErrAuthDisabled, got %v", err)
	}
}

func TestHubAuthenticatorNilAcceptsAll(t *testing.T) {
	gate := HubAuthenticator(nil)
	if !gate(nil, nil, http.Header{}) {
		t.Fatal("expected a nil service to accept every connection")
	}
}

func TestHubAuthenticatorValidatesBearerHeader(t *testing.T) {
	svc := NewJWTService("secret", time.Hour)
	token, _ := svc.Generate("agent1", protocol.RoleAgent)
	gate := HubAuthenticator(svc)

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)
	if !gate(nil, nil, headers) {
		t.Fatal("expected a valid bearer token to be accepted")
	}

	headers.Set("Authorization", "Bearer garbage")
	if gate(nil, nil, headers) {
		t.Fatal("expected an invalid token to be rejected")
	}
}

func TestHubAuthenticatorValidatesAuthMap(t *testing.T) {
	svc := NewJWTService("secret", time.Hour)
	token, _ := svc.Generate("comp1", protocol.RoleComputer)
	gate := HubAuthenticator(svc)

	if !gate(nil, map[string]string{"token": token}, http.Header{}) {
		t.Fatal("expected a token in the auth payload to be accepted")
	}
}

func TestHubAuthenticatorRejectsMissingToken(t *testing.T) {
	svc := NewJWTService("secret", time.Hour)
	gate := HubAuthenticator(svc)

	if gate(nil, nil, http.Header{}) {
		t.Fatal("expected missing token to be rejected when a secret is configured")
	}
}
