package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ehr/termbot/internal/domain/codesystem"
)

// Grant is an access token with its absolute expiry.
type Grant struct {
	AccessToken string
	Expiry      time.Time
}

// Exchanger obtains a fresh access token for a code system.
type Exchanger interface {
	Exchange(ctx context.Context, cs *codesystem.CodeSystem) (*Grant, error)
}

// ClientCredentials performs the OAuth2 client-credentials grant.
type ClientCredentials struct {
	HTTPClient *http.Client
}

// NewClientCredentials returns an exchanger that sends token requests through
// httpClient. A nil client uses http.DefaultClient.
func NewClientCredentials(httpClient *http.Client) *ClientCredentials {
	return &ClientCredentials{HTTPClient: httpClient}
}

func (c *ClientCredentials) Exchange(ctx context.Context, cs *codesystem.CodeSystem) (*Grant, error) {
	if !cs.UsesOAuth() {
		return nil, fmt.Errorf("%w: %s", ErrNoOAuth, cs.Name)
	}
	conf := clientcredentials.Config{
		ClientID:     cs.ClientID,
		ClientSecret: cs.ClientSecret,
		TokenURL:     cs.OAuth2AuthURL,
		Scopes:       cs.Scopes,
	}
	if c.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.HTTPClient)
	}

	tok, err := conf.Token(ctx)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return nil, fmt.Errorf("token endpoint rejected request (HTTP %d): %w", re.Response.StatusCode, err)
		}
		return nil, fmt.Errorf("request token: %w", err)
	}

	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = expiresAt(tok.Extra("expires_at"))
	}
	if expiry.IsZero() {
		expiry = expiryFromJWT(tok.AccessToken)
	}
	if expiry.IsZero() {
		return nil, fmt.Errorf("token response for %s carries no expiry", cs.Name)
	}
	return &Grant{AccessToken: tok.AccessToken, Expiry: expiry}, nil
}

// expiresAt converts an epoch-seconds value from a token response.
func expiresAt(v interface{}) time.Time {
	var secs float64
	switch t := v.(type) {
	case float64:
		secs = t
	case int64:
		secs = float64(t)
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return time.Time{}
		}
		secs = f
	default:
		return time.Time{}
	}
	if secs <= 0 {
		return time.Time{}
	}
	return EpochToTime(secs)
}

// expiryFromJWT reads the exp claim of a JWT access token without verifying
// it. The token is opaque to us; the issuer verifies it.
func expiryFromJWT(raw string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// EpochToTime converts fractional epoch seconds, as stored in the
// OAuth2AuthTokenExpiry setting.
func EpochToTime(secs float64) time.Time {
	whole := int64(secs)
	frac := int64((secs - float64(whole)) * float64(time.Second))
	return time.Unix(whole, frac)
}
