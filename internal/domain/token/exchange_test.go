package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ehr/termbot/internal/domain/codesystem"
)

func tokenServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "client_credentials" {
			t.Errorf("expected grant_type client_credentials, got %q", got)
		}
		user, pass, ok := r.BasicAuth()
		if ok {
			if user != "client" || pass != "secret" {
				t.Errorf("unexpected basic auth %q/%q", user, pass)
			}
		} else if r.PostForm.Get("client_id") != "client" {
			t.Errorf("expected client credentials in request")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func oauthSystem(tokenURL string) *codesystem.CodeSystem {
	return &codesystem.CodeSystem{
		Name:          codesystem.ICD10,
		BaseURL:       "https://id.who.int/icd/release/10/2019",
		OAuth2AuthURL: tokenURL,
		ClientID:      "client",
		ClientSecret:  "secret",
		Scopes:        []string{"icdapi_access"},
	}
}

func TestClientCredentials_ExpiresIn(t *testing.T) {
	srv := tokenServer(t, http.StatusOK, `{"access_token":"abc","token_type":"Bearer","expires_in":3600}`)
	ex := NewClientCredentials(srv.Client())

	before := time.Now()
	g, err := ex.Exchange(context.Background(), oauthSystem(srv.URL))
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if g.AccessToken != "abc" {
		t.Errorf("expected token abc, got %q", g.AccessToken)
	}
	if g.Expiry.Before(before.Add(59*time.Minute)) || g.Expiry.After(time.Now().Add(61*time.Minute)) {
		t.Errorf("unexpected expiry %v", g.Expiry)
	}
}

func TestClientCredentials_ExpiresAt(t *testing.T) {
	srv := tokenServer(t, http.StatusOK, `{"access_token":"abc","token_type":"Bearer","expires_at":1900000000.5}`)
	g, err := NewClientCredentials(nil).Exchange(context.Background(), oauthSystem(srv.URL))
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if g.Expiry.Unix() != 1900000000 {
		t.Errorf("expected expiry 1900000000, got %d", g.Expiry.Unix())
	}
}

func TestClientCredentials_JWTExpiry(t *testing.T) {
	exp := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("k"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	srv := tokenServer(t, http.StatusOK, fmt.Sprintf(`{"access_token":%q,"token_type":"Bearer"}`, raw))

	g, err := NewClientCredentials(srv.Client()).Exchange(context.Background(), oauthSystem(srv.URL))
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if !g.Expiry.Equal(exp) {
		t.Errorf("expected expiry %v, got %v", exp, g.Expiry)
	}
}

func TestClientCredentials_NoExpiry(t *testing.T) {
	srv := tokenServer(t, http.StatusOK, `{"access_token":"opaque","token_type":"Bearer"}`)
	if _, err := NewClientCredentials(srv.Client()).Exchange(context.Background(), oauthSystem(srv.URL)); err == nil {
		t.Fatal("expected error for token without expiry")
	}
}

func TestClientCredentials_Rejected(t *testing.T) {
	srv := tokenServer(t, http.StatusUnauthorized, `{"error":"invalid_client"}`)
	if _, err := NewClientCredentials(srv.Client()).Exchange(context.Background(), oauthSystem(srv.URL)); err == nil {
		t.Fatal("expected error for rejected credentials")
	}
}

func TestClientCredentials_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	if _, err := NewClientCredentials(nil).Exchange(context.Background(), oauthSystem(url)); err == nil {
		t.Fatal("expected error for unreachable endpoint")
	}
}

func TestClientCredentials_NoOAuth(t *testing.T) {
	cs := &codesystem.CodeSystem{Name: codesystem.SNOMEDCT, BaseURL: "http://x"}
	if _, err := NewClientCredentials(nil).Exchange(context.Background(), cs); !errors.Is(err, ErrNoOAuth) {
		t.Errorf("expected ErrNoOAuth, got %v", err)
	}
}

func TestEpochToTime(t *testing.T) {
	got := EpochToTime(1650000000.25)
	if got.Unix() != 1650000000 || got.Nanosecond() != 250000000 {
		t.Errorf("unexpected time %v", got)
	}
}

func TestExpiresAt_Types(t *testing.T) {
	if expiresAt("1650000000").Unix() != 1650000000 {
		t.Error("expected string epoch to parse")
	}
	if !expiresAt("soon").IsZero() {
		t.Error("expected invalid string to yield zero time")
	}
	if !expiresAt(nil).IsZero() {
		t.Error("expected nil to yield zero time")
	}
	if !expiresAt(float64(0)).IsZero() {
		t.Error("expected zero epoch to yield zero time")
	}
}
