package client

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sweetblog/internal/identity"
)

type apiStub struct {
	deviceUUID  string
	seenCookies []string
}

func newAPIStub(deviceUUID string) *apiStub {
	return &apiStub{deviceUUID: deviceUUID}
}

func (a *apiStub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookieValue := ""
		if cookie, err := r.Cookie("device_uuid"); err == nil {
			cookieValue = cookie.Value
		}
		a.seenCookies = append(a.seenCookies, cookieValue)

		if cookieValue != a.deviceUUID {
			http.SetCookie(w, &http.Cookie{Name: "device_uuid", Value: a.deviceUUID, Path: "/"})
		}

		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/api/auth/code/request":
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "devCode": "123456"})
		case r.URL.Path == "/api/auth/code/verify":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"token":        "access-token",
				"refreshToken": "refresh-token",
				"email":        "reader@example.com",
				"username":     "reader",
			})
		case r.URL.Path == "/api/profile/newsletter":
			if r.Header.Get("Authorization") != "Bearer access-token" {
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]any{"code": "UNAUTHORIZED", "error": "Unauthorized"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
		default:
			// Reactions-shaped default payload.
			_, _ = io.Copy(io.Discard, r.Body)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"articleId": "0002a",
				"likes":     1,
				"dislikes":  0,
				"liked":     true,
				"disliked":  false,
			})
		}
	})
}

func newTestClient(t *testing.T, baseURL, stateDir string) *Client {
	t.Helper()
	cfg := identity.DefaultConfig()
	cfg.Cooldown = 50 * time.Millisecond
	c, err := New(Options{
		BaseURL:  baseURL,
		StateDir: stateDir,
		Logger:   log.New(io.Discard, "", 0),
		Identity: cfg,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestAdoptsServerIssuedDeviceCookie(t *testing.T) {
	stub := newAPIStub("uuid-from-server")
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	stateDir := t.TempDir()
	c := newTestClient(t, server.URL, stateDir)

	if _, err := c.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if _, ok := c.DeviceID(); ok {
		t.Fatalf("fresh client should have no device id yet")
	}

	if _, err := c.Reactions(context.Background(), 42); err != nil {
		t.Fatalf("Reactions: %v", err)
	}
	deviceID, ok := c.DeviceID()
	if !ok || deviceID != "uuid-from-server" {
		t.Fatalf("device id = %q, %v", deviceID, ok)
	}

	if _, err := c.Reactions(context.Background(), 42); err != nil {
		t.Fatalf("Reactions: %v", err)
	}
	if got := stub.seenCookies[len(stub.seenCookies)-1]; got != "uuid-from-server" {
		t.Fatalf("second request sent cookie %q", got)
	}
}

func TestDeviceIdentitySurvivesRestart(t *testing.T) {
	stub := newAPIStub("uuid-persisted")
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	stateDir := t.TempDir()
	first := newTestClient(t, server.URL, stateDir)
	if _, err := first.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := first.MarkRead(context.Background(), 7); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	_ = first.Close()

	second := newTestClient(t, server.URL, stateDir)
	if _, err := second.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	deviceID, ok := second.DeviceID()
	if !ok || deviceID != "uuid-persisted" {
		t.Fatalf("device id after restart = %q, %v", deviceID, ok)
	}
}

func TestDeviceIdentityRecoversFromLostCookieJar(t *testing.T) {
	stub := newAPIStub("uuid-recovered")
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	stateDir := t.TempDir()
	first := newTestClient(t, server.URL, stateDir)
	if _, err := first.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := first.MarkRead(context.Background(), 7); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	_ = first.Close()

	// The cookie jar is gone but the redundant local state survives.
	if err := os.Remove(filepath.Join(stateDir, "cookies.json")); err != nil {
		t.Fatalf("remove cookie jar: %v", err)
	}

	second := newTestClient(t, server.URL, stateDir)
	decision, err := second.Activate(context.Background())
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if decision.Action != identity.ActionReload {
		t.Fatalf("expected backup adoption, got %v", decision.Action)
	}
	deviceID, ok := second.DeviceID()
	if !ok || deviceID != "uuid-recovered" {
		t.Fatalf("device id after recovery = %q, %v", deviceID, ok)
	}
}

func TestAuthTokensAttached(t *testing.T) {
	stub := newAPIStub("uuid-auth")
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	c := newTestClient(t, server.URL, t.TempDir())
	ctx := context.Background()
	if _, err := c.Activate(ctx); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	devCode, err := c.RequestCode(ctx, "reader@example.com")
	if err != nil {
		t.Fatalf("RequestCode: %v", err)
	}
	if devCode != "123456" {
		t.Fatalf("devCode = %q", devCode)
	}

	session, err := c.VerifyCode(ctx, "reader@example.com", devCode)
	if err != nil {
		t.Fatalf("VerifyCode: %v", err)
	}
	if session.Token != "access-token" {
		t.Fatalf("token = %q", session.Token)
	}

	if err := c.SetNewsletter(ctx, true); err != nil {
		t.Fatalf("SetNewsletter with token: %v", err)
	}
}

func TestAPIErrorSurfaced(t *testing.T) {
	stub := newAPIStub("uuid-err")
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	c := newTestClient(t, server.URL, t.TempDir())
	err := c.SetNewsletter(context.Background(), true)
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Status != http.StatusUnauthorized || apiErr.Code != "UNAUTHORIZED" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}
