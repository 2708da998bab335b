package models

import (
	"errors"
	"testing"
)

func TestParseEventTradeOpened(t *testing.T) {
	body := []byte(`{
		"eventType": "trade_opened",
		"monachadAddress": "0xAbC1111111111111111111111111111111111111",
		"trade": {
			"target": "0x000000000000000000000000000000000000dead",
			"value": "0",
			"data": "0xdeadbeef"
		},
		"metadata": {
			"dex": "testdex",
			"sizeToPortfolioBps": "5000",
			"matchId": "match-1",
			"tokenIn": "0xaaa1",
			"tokenOut": "0xaaa2"
		}
	}`)

	ev, err := ParseEvent(body)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	trade, ok := ev.(TradeEvent)
	if !ok {
		t.Fatalf("event type = %T, want TradeEvent", ev)
	}
	if trade.Leader != "0xabc1111111111111111111111111111111111111" {
		t.Errorf("leader not normalized: %s", trade.Leader)
	}
	if trade.FractionBps != "5000" {
		t.Errorf("fraction = %q", trade.FractionBps)
	}
	if trade.MatchID != "match-1" {
		t.Errorf("matchID = %q", trade.MatchID)
	}
	if trade.Call.Data != "0xdeadbeef" {
		t.Errorf("call data = %q", trade.Call.Data)
	}
}

func TestParseEventSupporterJoined(t *testing.T) {
	body := []byte(`{
		"eventType": "supporter_joined",
		"monachadAddress": "0x2222222222222222222222222222222222222222",
		"participant": {
			"address": "0x1111111111111111111111111111111111111111",
			"amount": "500000000000000000",
			"entryFee": "10000000000000000"
		},
		"delegation": {
			"delegationHash": "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
			"amount": "500000000000000000",
			"spendingLimit": "500000000000000000",
			"expiresAt": 1893456000,
			"signedDelegation": "0xsigned"
		},
		"metadata": {"matchId": "match-1"}
	}`)

	ev, err := ParseEvent(body)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	join, ok := ev.(JoinEvent)
	if !ok {
		t.Fatalf("event type = %T, want JoinEvent", ev)
	}
	if join.Grant == nil {
		t.Fatal("supporter join missing grant")
	}
	if join.Grant.SpendingLimit.String() != "500000000000000000" {
		t.Errorf("spending limit = %s", join.Grant.SpendingLimit)
	}
	if join.Grant.ExpiresAt.IsZero() {
		t.Error("expiry not resolved")
	}
	if join.Leader != "0x2222222222222222222222222222222222222222" {
		t.Errorf("leader = %q", join.Leader)
	}
}

func TestParseEventRejectsBadPayloads(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{`},
		{"trade without leader", `{"eventType":"trade_opened","trade":{"target":"0x1"}}`},
		{"trade without call", `{"eventType":"trade_opened","monachadAddress":"0xabc"}`},
		{"join without matchId", `{"eventType":"supporter_joined","participant":{"address":"0xabc"}}`},
		{"supporter without delegation", `{"eventType":"supporter_joined","participant":{"address":"0xabc","amount":"1"},"metadata":{"matchId":"m1"}}`},
		{"pnl with bad amount", `{"eventType":"pnl_updated","monachadAddress":"0xabc","pnl":"oops","metadata":{"matchId":"m1"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseEvent([]byte(tt.body)); err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}

func TestParseEventUnknownType(t *testing.T) {
	_, err := ParseEvent([]byte(`{"eventType":"liquidation_started"}`))
	var unknown ErrUnknownEvent
	if !errors.As(err, &unknown) {
		t.Fatalf("error = %v, want ErrUnknownEvent", err)
	}
	if unknown.Type != "liquidation_started" {
		t.Errorf("unknown type = %q", unknown.Type)
	}
}

func TestMatchPayloadModel(t *testing.T) {
	p := MatchPayload{
		MatchID:         "match-1",
		EntryMargin:     "1000000000000000000",
		DurationSec:     3600,
		MaxParticipants: 4,
		MaxSupporters:   32,
		AllowedVenues:   []string{"testdex"},
		Creator:         "0xABC1111111111111111111111111111111111111",
	}
	m, err := p.Model()
	if err != nil {
		t.Fatalf("Model: %v", err)
	}
	if m.Status != MatchCreated {
		t.Errorf("status = %s, want CREATED", m.Status)
	}
	if m.EntryMargin.String() != "1000000000000000000" {
		t.Errorf("margin = %s", m.EntryMargin)
	}
	if m.Creator != "0xabc1111111111111111111111111111111111111" {
		t.Errorf("creator not normalized: %s", m.Creator)
	}
	if m.PrizePool.Sign() != 0 {
		t.Errorf("prize pool = %s, want 0", m.PrizePool)
	}

	p.EntryMargin = "not-a-number"
	if _, err := p.Model(); err == nil {
		t.Error("expected error for bad margin")
	}
}
