package naming

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/splax/filify/internal/domain"
)

func TestChecksumAddressKnownVectors(t *testing.T) {
	vectors := []string{
		"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359",
		"0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB",
		"0xD1220A0cf47c7B9Be7A2E6BA89F429762e7b9aDb",
	}
	for _, v := range vectors {
		if got := ChecksumAddress(v); got != v {
			t.Fatalf("checksum of %s: got %s", v, got)
		}
		if err := ValidateAddress(v); err != nil {
			t.Fatalf("expected %s valid: %v", v, err)
		}
	}
}

func TestValidateAddressRejectsBadChecksum(t *testing.T) {
	if err := ValidateAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAeD"); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected checksum failure, got %v", err)
	}
	if err := ValidateAddress("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"); err != nil {
		t.Fatalf("expected lowercase address to pass, got %v", err)
	}
	if err := ValidateAddress("0x1234"); err == nil {
		t.Fatal("expected short address to fail")
	}
}

func TestValidatePayload(t *testing.T) {
	good := domain.UpdatePayload{TargetContract: "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", CallData: "0x304e6ade00", ChainID: 1}
	if err := ValidatePayload(good); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bad := []domain.UpdatePayload{
		{TargetContract: good.TargetContract, CallData: "304e6ade", ChainID: 1},
		{TargetContract: good.TargetContract, CallData: "0xzz4e6ade", ChainID: 1},
		{TargetContract: good.TargetContract, CallData: good.CallData},
	}
	for _, p := range bad {
		if err := ValidatePayload(p); !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("expected %+v to fail, got %v", p, err)
		}
	}
}

func TestPrepare(t *testing.T) {
	var got prepareRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/prepare" || r.Header.Get("Authorization") != "Bearer naming-token" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(domain.UpdatePayload{
			TargetContract: "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
			CallData:       "0x304e6ade",
			ChainID:        1,
		})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "naming-token", srv.Client())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	payload, err := c.Prepare(context.Background(), "D1", "baf...123")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if payload.ChainID != 1 || got.DeploymentID != "D1" || got.ContentAddress != "baf...123" {
		t.Fatalf("unexpected exchange: payload=%+v request=%+v", payload, got)
	}
}

func TestPrepareServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()
	c, _ := NewClient(srv.URL, "", srv.Client())
	_, err := c.Prepare(context.Background(), "D1", "bafy")
	var r interface{ Transient() bool }
	if !errors.As(err, &r) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}
