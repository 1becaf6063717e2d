package service

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestHealthPath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"http://keycloak:8080/realms/lake/protocol/openid-connect/certs", "/realms/lake/protocol/openid-connect/certs"},
		{"http://auth:8080", "/health"},
		{"://broken", "/health"},
	}
	for _, tt := range tests {
		if got := healthPath(tt.input); got != tt.expected {
			t.Errorf("healthPath(%q): хотели %q, получили %q", tt.input, tt.expected, got)
		}
	}
}

func TestNewDephealthService_NoDependencies(t *testing.T) {
	_, err := NewDephealthServiceWithRegisterer("ks-test", "keyed-store", DephealthTargets{},
		time.Second, testLogger(), prometheus.NewRegistry())
	if !errors.Is(err, ErrNoDependencies) {
		t.Errorf("ожидалась ErrNoDependencies, получено %v", err)
	}
}

func TestDependencyOptions(t *testing.T) {
	opts := dependencyOptions(DephealthTargets{
		S3URL:   "http://minio:9000",
		JWKSURL: "http://auth:8080/certs",
	}, time.Second)
	if len(opts) != 2 {
		t.Errorf("ожидалось 2 зависимости (S3, JWKS), получено %d", len(opts))
	}

	svc, err := NewDephealthServiceWithRegisterer("ks-test", "keyed-store", DephealthTargets{
		JWKSURL: "http://auth:8080/certs",
	}, time.Second, testLogger(), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if svc == nil {
		t.Fatal("сервис не создан")
	}
}
