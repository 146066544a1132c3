package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.CommissionRate != 0.25 {
		t.Fatalf("expected default commission 0.25, got %f", cfg.CommissionRate)
	}
	if cfg.OfferTimeout != 30*time.Second {
		t.Fatalf("expected 30s offer timeout, got %s", cfg.OfferTimeout)
	}
	if cfg.EventsBackend != "none" {
		t.Fatalf("expected no events backend, got %q", cfg.EventsBackend)
	}
}

func TestLoadServerConfigOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("COMMISSION_RATE", "0.2")
	t.Setenv("OFFER_TIMEOUT", "45s")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092 ,")
	t.Setenv("EVENTS_BACKEND", "Kafka")
	t.Setenv("PRICE_MOTO", "2")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.CommissionRate != 0.2 || cfg.OfferTimeout != 45*time.Second {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "b:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if got := cfg.DefaultPrice("MOTO"); got != 2 {
		t.Fatalf("expected moto price 2, got %f", got)
	}
	if got := cfg.DefaultPrice("carro"); got != 3 {
		t.Fatalf("expected carro price 3, got %f", got)
	}
}

func TestLoadServerConfigAggregatesErrors(t *testing.T) {
	t.Setenv("OFFER_TIMEOUT", "soon")
	t.Setenv("COMMISSION_RATE", "1.5")
	t.Setenv("EVENTS_BACKEND", "amqp")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	for _, want := range []string{"OFFER_TIMEOUT", "COMMISSION_RATE", "AMQP_URL"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in %q", want, msg)
		}
	}
}


func TestJWTSecretRequiredOutsideDevMode(t *testing.T) {
	cases := []struct {
		name    string
		secret  string
		dev     string
		want    string
		wantErr bool
	}{
		{name: "missing", wantErr: true},
		{name: "dev secret without dev mode", secret: DevJWTSecret, wantErr: true},
		{name: "dev mode fallback", dev: "true", want: DevJWTSecret},
		{name: "explicit secret", secret: "s3cret", want: "s3cret"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("JWT_SECRET", tc.secret)
			t.Setenv("DEV_MODE", tc.dev)
			cfg, err := LoadServerConfig()
			if tc.wantErr {
				if err == nil || !strings.Contains(err.Error(), "JWT_SECRET") {
					t.Fatalf("expected JWT_SECRET error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.JWTSecret != tc.want {
				t.Fatalf("expected secret %q, got %q", tc.want, cfg.JWTSecret)
			}
		})
	}
}

func TestConsumerConfigSkipsJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	if _, err := LoadConsumerConfig(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
