package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/haidar038/digifarm-sub002/internal/farm"
)

func TestCreateSendsAuthAndDecodesServerCopy(t *testing.T) {
	var gotAuth, gotPath, gotIdem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotIdem = r.Header.Get("Idempotency-Key")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":         "srv-1",
			"version":    1,
			"updated_at": time.Now().UTC(),
			"payload":    json.RawMessage(`{"name":"field"}`),
		})
	}))
	defer srv.Close()

	rest := NewREST(RESTConfig{BaseURL: srv.URL, APIKey: "k123"})
	remote, err := rest.Create(context.Background(), farm.TypeLand, json.RawMessage(`{"name":"field"}`), "op-77")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if gotAuth != "Bearer k123" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotIdem != "op-77" {
		t.Errorf("Idempotency-Key = %q, want op-77", gotIdem)
	}
	if gotPath != "/lands" {
		t.Errorf("path = %q, want /lands", gotPath)
	}
	if remote.ID != "srv-1" || remote.Version != 1 {
		t.Errorf("remote = %+v", remote)
	}
	if remote.Type != farm.TypeLand {
		t.Errorf("Type = %q, want land", remote.Type)
	}
}

func TestUpdateSendsIfMatch(t *testing.T) {
	var gotIfMatch string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIfMatch = r.Header.Get("If-Match")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "l1", "version": 4})
	}))
	defer srv.Close()

	rest := NewREST(RESTConfig{BaseURL: srv.URL})
	_, err := rest.Update(context.Background(), farm.TypeLand, "l1", json.RawMessage(`{"name":"x"}`), 3)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if gotIfMatch != "3" {
		t.Errorf("If-Match = %q, want 3", gotIfMatch)
	}
}

func TestConflictResponseCarriesRemoteCopy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "l1",
			"version": 9,
			"payload": json.RawMessage(`{"name":"their edit"}`),
		})
	}))
	defer srv.Close()

	rest := NewREST(RESTConfig{BaseURL: srv.URL})
	_, err := rest.Update(context.Background(), farm.TypeLand, "l1", json.RawMessage(`{"name":"mine"}`), 3)

	ce := AsConflict(err)
	if ce == nil {
		t.Fatalf("err = %v, want ConflictError", err)
	}
	if ce.RemoteVersion != 9 {
		t.Errorf("RemoteVersion = %d, want 9", ce.RemoteVersion)
	}
	if ce.BaseVersion != 3 {
		t.Errorf("BaseVersion = %d, want 3", ce.BaseVersion)
	}
	if string(ce.RemotePayload) != `{"name":"their edit"}` {
		t.Errorf("RemotePayload = %s", ce.RemotePayload)
	}
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
		permanent bool
	}{
		{name: "server error is transient", status: 500, transient: true},
		{name: "rate limit is transient", status: 429, transient: true},
		{name: "request timeout is transient", status: 408, transient: true},
		{name: "validation failure is permanent", status: 422, permanent: true},
		{name: "auth failure is permanent", status: 401, permanent: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			rest := NewREST(RESTConfig{BaseURL: srv.URL})
			_, err := rest.Create(context.Background(), farm.TypeLand, json.RawMessage(`{}`), "op-1")
			if err == nil {
				t.Fatal("expected an error")
			}
			if IsTransient(err) != tt.transient {
				t.Errorf("IsTransient = %v, want %v (err %v)", IsTransient(err), tt.transient, err)
			}
			if IsPermanent(err) != tt.permanent {
				t.Errorf("IsPermanent = %v, want %v (err %v)", IsPermanent(err), tt.permanent, err)
			}
		})
	}
}

func TestNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	rest := NewREST(RESTConfig{BaseURL: srv.URL})
	_, err := rest.Create(context.Background(), farm.TypeLand, json.RawMessage(`{}`), "op-1")
	if !IsTransient(err) {
		t.Errorf("connection refused should be transient, got %v", err)
	}
}

func TestDeleteTreats404AsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	rest := NewREST(RESTConfig{BaseURL: srv.URL})
	if err := rest.Delete(context.Background(), farm.TypeLand, "gone"); err != nil {
		t.Errorf("Delete of missing record = %v, want nil", err)
	}
}

func TestFetchAllTagsType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/productions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"id": "p1", "version": 1},
			{"id": "p2", "version": 2},
		})
	}))
	defer srv.Close()

	rest := NewREST(RESTConfig{BaseURL: srv.URL})
	remotes, err := rest.FetchAll(context.Background(), farm.TypeProduction)
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(remotes) != 2 {
		t.Fatalf("got %d remotes, want 2", len(remotes))
	}
	for _, rm := range remotes {
		if rm.Type != farm.TypeProduction {
			t.Errorf("remote %s Type = %q, want production", rm.ID, rm.Type)
		}
	}
}
