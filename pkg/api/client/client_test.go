package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/splax/filify/internal/domain"
	"github.com/splax/filify/internal/repository"
)

func TestListDeploymentsEncodesFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		q := r.URL.Query()
		if q.Get("status") != "pending_upload,awaiting_signature" || q.Get("limit") != "5" || q.Get("project_id") != "p1" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode([]domain.Deployment{{ID: "D1", Status: domain.StatusPendingUpload}})
	}))
	defer srv.Close()

	c, err := New(srv.URL, WithToken("tok"), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := c.ListDeployments(context.Background(), domain.DeploymentFilter{
		Statuses:  []domain.Status{domain.StatusPendingUpload, domain.StatusAwaitingSignature},
		ProjectID: "p1",
		Limit:     5,
	})
	if err != nil {
		t.Fatalf("ListDeployments: %v", err)
	}
	if len(got) != 1 || got[0].ID != "D1" {
		t.Fatalf("unexpected deployments %+v", got)
	}
}

func TestUpdateStatusSendsFields(t *testing.T) {
	var body StatusUpdate
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/deployments/D1/status" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(domain.Deployment{ID: "D1", Status: body.Status, ContentAddress: body.ContentAddress})
	}))
	defer srv.Close()

	c, _ := New(srv.URL, WithHTTPClient(srv.Client()))
	d, err := c.UpdateStatus(context.Background(), "D1", domain.StatusAwaitingSignature, domain.DeploymentFields{ContentAddress: "bafy"})
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if body.Status != domain.StatusAwaitingSignature || d.ContentAddress != "bafy" {
		t.Fatalf("unexpected exchange body=%+v deployment=%+v", body, d)
	}
}

func TestConfirmReturnsVerified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(ConfirmResponse{Verified: req["tx_ref"] == "0xabc"})
	}))
	defer srv.Close()

	c, _ := New(srv.URL, WithHTTPClient(srv.Client()))
	ok, err := c.Confirm(context.Background(), "D1", "0xabc")
	if err != nil || !ok {
		t.Fatalf("expected verified, got %v %v", ok, err)
	}
}

func TestAPIErrorMapsSentinels(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, repository.ErrNotFound},
		{http.StatusConflict, repository.ErrConflict},
		{http.StatusUnprocessableEntity, domain.ErrInvalidTransition},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error":"nope"}`))
		}))
		c, _ := New(srv.URL, WithHTTPClient(srv.Client()))
		_, err := c.GetDeployment(context.Background(), "D1")
		srv.Close()
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.want, err)
		}
		var apiErr APIError
		if !errors.As(err, &apiErr) || apiErr.Message != "nope" {
			t.Fatalf("expected APIError with message, got %v", err)
		}
	}
}

func TestServerErrorsAreTransient(t *testing.T) {
	if !(APIError{Status: http.StatusBadGateway}).Transient() {
		t.Fatal("expected 502 to be transient")
	}
	if (APIError{Status: http.StatusBadRequest}).Transient() {
		t.Fatal("expected 400 to be permanent")
	}
}
