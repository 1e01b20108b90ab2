// Package auvo synchronizes the Auvo field-service resources into the
// relational store.
package auvo

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/ph2708/sync-apis/internal/collector"
	"github.com/ph2708/sync-apis/internal/httpretry"
	"github.com/ph2708/sync-apis/internal/rawitem"
)

var ErrAuth = errors.New("auvo authentication failed")

var tokenKeys = []string{"token", "Token", "authorizationToken", "AuthorizationToken", "authToken", "authorization", "result"}

// Login exchanges the api key and token for a bearer token
func Login(ctx context.Context, sender collector.Sender, endpoint, apiKey, apiToken string) (httpretry.BearerToken, error) {
	if apiKey == "" || apiToken == "" {
		return "", fmt.Errorf("%w: missing api key or api token", ErrAuth)
	}

	q := url.Values{}
	q.Set("apiKey", apiKey)
	q.Set("apiToken", apiToken)
	loginURL := strings.TrimRight(endpoint, "/") + "/login/?" + q.Encode()

	resp, err := sender.Send(ctx, httpretry.Request{Method: http.MethodGet, URL: loginURL})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuth, err)
	}
	if !resp.OK() {
		return "", fmt.Errorf("%w: login returned status %d", ErrAuth, resp.StatusCode)
	}

	v, err := rawitem.Decode(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: undecodable login response (%v)", ErrAuth, err)
	}

	token, ok := FindToken(v)
	if !ok {
		return "", fmt.Errorf("%w: no token in login response", ErrAuth)
	}

	log.Printf("auvo: authenticated, token %s...", prefix(token, 8))
	return httpretry.BearerToken(token), nil
}

// FindToken looks for the token under the known keys first, then under
// any key ending in "token" at any depth.
func FindToken(v interface{}) (string, bool) {
	obj, isObj := v.(map[string]interface{})
	if isObj {
		for _, k := range tokenKeys {
			switch t := obj[k].(type) {
			case string:
				if t != "" {
					return t, true
				}
			case map[string]interface{}:
				if s, ok := t["token"].(string); ok && s != "" {
					return s, true
				}
			}
		}
	}

	return searchToken(v)
}

func searchToken(v interface{}) (string, bool) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			if s, ok := t[k].(string); ok && s != "" && strings.HasSuffix(strings.ToLower(k), "token") {
				return s, true
			}
			if s, ok := searchToken(t[k]); ok {
				return s, true
			}
		}
	case []interface{}:
		for _, e := range t {
			if s, ok := searchToken(e); ok {
				return s, true
			}
		}
	}

	return "", false
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
