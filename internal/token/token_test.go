package token_test

import (
	"errors"
	"testing"
	"time"

	"gateline/internal/token"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestMintVerifyRoundTrip(t *testing.T) {
	c := token.Codec{Secret: "test-secret", Now: fixedClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))}
	signed, err := c.Mint("ticket-1", "evt_abc", "org_1", time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	claims, err := c.Verify(signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.TicketID != "ticket-1" || claims.EventID != "evt_abc" || claims.OrgID != "org_1" {
		t.Fatalf("claims round trip: %+v", claims)
	}
	if claims.Nonce == "" {
		t.Fatal("expected a nonce")
	}
}

func TestMintNonceUnique(t *testing.T) {
	c := token.Codec{Secret: "test-secret"}
	a, err := c.Mint("ticket-1", "evt_abc", "org_1", time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	b, err := c.Mint("ticket-1", "evt_abc", "org_1", time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if a == b {
		t.Fatal("two mints for the same ticket produced identical tokens")
	}
}

func TestMintRejectsBadInput(t *testing.T) {
	c := token.Codec{Secret: "test-secret"}
	if _, err := c.Mint("", "evt_abc", "org_1", time.Hour); err == nil {
		t.Fatal("empty ticket id accepted")
	}
	if _, err := c.Mint("ticket-1", "", "org_1", time.Hour); err == nil {
		t.Fatal("empty event id accepted")
	}
	if _, err := c.Mint("ticket-1", "evt_abc", "org_1", 0); err == nil {
		t.Fatal("zero ttl accepted")
	}
	if _, err := (token.Codec{}).Mint("ticket-1", "evt_abc", "org_1", time.Hour); err == nil {
		t.Fatal("empty secret accepted")
	}
}

func TestVerifyExpired(t *testing.T) {
	minted := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c := token.Codec{Secret: "test-secret", Now: fixedClock(minted)}
	signed, err := c.Mint("ticket-1", "evt_abc", "org_1", time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	c.Now = fixedClock(minted.Add(2 * time.Minute))
	if _, err := c.Verify(signed); !errors.Is(err, token.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestVerifyTampered(t *testing.T) {
	c := token.Codec{Secret: "test-secret"}
	signed, err := c.Mint("ticket-1", "evt_abc", "org_1", time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	other := token.Codec{Secret: "a-different-secret"}
	if _, err := other.Verify(signed); !errors.Is(err, token.ErrTampered) {
		t.Fatalf("expected ErrTampered, got %v", err)
	}
}

func TestVerifyMalformed(t *testing.T) {
	c := token.Codec{Secret: "test-secret"}
	for _, s := range []string{"", "not-a-token", "a.b.c"} {
		if _, err := c.Verify(s); !errors.Is(err, token.ErrMalformed) {
			t.Fatalf("input %q: expected ErrMalformed, got %v", s, err)
		}
	}
}
