package uidlicense

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestOnlineClient_Activate_Success(t *testing.T) {
	activatedAt := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	expires := activatedAt.Add(BindingTerm)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/v1/activate" {
			t.Errorf("expected /v1/activate, got %s", r.URL.Path)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected Content-Type: application/json, got %s", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("Authorization") != "" {
			t.Errorf("expected no Authorization header, got %s", r.Header.Get("Authorization"))
		}

		var req ActivateRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.GameUID != "ABC123" || req.LicenseKey != "L1" {
			t.Errorf("unexpected request %+v", req)
		}

		// Server wraps responses in {data: ...}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": Binding{
				ID:          "b-001",
				GameUID:     req.GameUID,
				LicenseKey:  req.LicenseKey,
				LicenseType: LicenseStandard,
				Status:      BindingActive,
				ActivatedAt: activatedAt,
				ExpireDate:  &expires,
			},
		})
	}))
	defer server.Close()

	client := NewOnlineClient(server.URL)
	b, err := client.Activate(context.Background(), ActivateRequest{GameUID: "ABC123", LicenseKey: "L1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.ID != "b-001" {
		t.Errorf("expected ID b-001, got %s", b.ID)
	}
	if b.ExpireDate == nil || !b.ExpireDate.Equal(expires) {
		t.Errorf("expected expire_date %v, got %v", expires, b.ExpireDate)
	}
}

func TestOnlineClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		code     string
		sentinel error
	}{
		{"capacity", http.StatusConflict, CodeCapacityExceeded, ErrCapacityExceeded},
		{"duplicate", http.StatusConflict, CodeDuplicateBinding, ErrDuplicateBinding},
		{"inactive", http.StatusForbidden, CodeLicenseInactive, ErrLicenseInactive},
		{"expired", http.StatusForbidden, CodeLicenseExpired, ErrLicenseExpired},
		{"not found", http.StatusNotFound, CodeLicenseNotFound, ErrLicenseNotFound},
		{"invalid", http.StatusBadRequest, CodeInvalidInput, ErrInvalidInput},
		{"conflict", http.StatusConflict, CodeConflict, ErrConflict},
		{"locked", http.StatusForbidden, CodeBindingLocked, ErrBindingLocked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"error": map[string]string{"code": tt.code, "message": "rejected"},
				})
			}))
			defer server.Close()

			client := NewOnlineClient(server.URL)
			_, err := client.Activate(context.Background(), ActivateRequest{GameUID: "ABC123", LicenseKey: "L1"})
			if !errors.Is(err, tt.sentinel) {
				t.Errorf("expected %v, got %v", tt.sentinel, err)
			}
			var se *ServerError
			if !errors.As(err, &se) {
				t.Fatal("expected errors.As to find ServerError")
			}
			if se.StatusCode != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, se.StatusCode)
			}
		})
	}
}

func TestOnlineClient_NonJSONError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream unavailable"))
	}))
	defer server.Close()

	client := NewOnlineClient(server.URL)
	err := client.Deactivate(context.Background(), "b-001")
	var se *ServerError
	if !errors.As(err, &se) {
		t.Fatalf("expected ServerError, got %v", err)
	}
	if se.Code != "UNKNOWN" || se.Message != "upstream unavailable" {
		t.Errorf("unexpected server error %+v", se)
	}
}

func TestOnlineClient_Deactivate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("expected DELETE, got %s", r.Method)
		}
		if r.URL.Path != "/v1/bindings/b-001" {
			t.Errorf("expected /v1/bindings/b-001, got %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	if err := NewOnlineClient(server.URL).Deactivate(context.Background(), "b-001"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestOnlineClient_ListBindings(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/bindings" {
			t.Errorf("expected /v1/bindings, got %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("user_ref"); got != "alice" {
			t.Errorf("expected user_ref=alice, got %q", got)
		}
		if r.URL.Query().Has("license_key") {
			t.Error("expected no license_key parameter")
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []Binding{{ID: "b-1", UserRef: "alice"}, {ID: "b-2", UserRef: "alice"}},
		})
	}))
	defer server.Close()

	list, err := NewOnlineClient(server.URL).ListBindings(context.Background(), BindingFilter{UserRef: "alice"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("expected 2 bindings, got %d", len(list))
	}
}

func TestOnlineClient_AdminSessionToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer admin-token" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error": map[string]string{"code": "UNAUTHORIZED", "message": "missing session"},
			})
			return
		}
		switch {
		case r.Method == http.MethodPut && r.URL.Path == "/v1/admin/bindings/b-1/status":
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if body["status"] != "BANNED" {
				t.Errorf("expected status BANNED, got %q", body["status"])
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"data": map[string]string{"status": "BANNED"}})
		case r.Method == http.MethodDelete && r.URL.Path == "/v1/admin/bindings/b-1":
			json.NewEncoder(w).Encode(map[string]interface{}{"data": map[string]string{"id": "b-1"}})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/admin/stats":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data": Dashboard{Stats: Stats{TotalLicenses: 4, BannedBindings: 1}},
			})
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	anon := NewOnlineClient(server.URL)
	err := anon.SetBindingStatus(context.Background(), "b-1", BindingBanned)
	var se *ServerError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 ServerError, got %v", err)
	}

	admin := NewOnlineClient(server.URL, WithSessionToken("admin-token"))
	if err := admin.SetBindingStatus(context.Background(), "b-1", BindingBanned); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := admin.DeleteBinding(context.Background(), "b-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d, err := admin.Dashboard(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Stats.TotalLicenses != 4 || d.Stats.BannedBindings != 1 {
		t.Errorf("unexpected stats %+v", d.Stats)
	}
}

func TestOnlineClient_Options(t *testing.T) {
	custom := &http.Client{}
	c := NewOnlineClient("https://license.example.com/", WithTimeout(3*time.Second), WithHTTPClient(custom), WithUserAgent("game/2.0"))
	if c.serverURL != "https://license.example.com" {
		t.Errorf("expected trailing slash trimmed, got %s", c.serverURL)
	}
	if c.httpClient != custom {
		t.Error("expected custom HTTP client")
	}
	if custom.Timeout != 3*time.Second {
		t.Errorf("expected 3s timeout regardless of option order, got %v", custom.Timeout)
	}
	if c.userAgent != "game/2.0" {
		t.Errorf("expected user agent game/2.0, got %s", c.userAgent)
	}
}
