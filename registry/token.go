package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	// tokenExpiryMargin is subtracted from the issued lifetime so a token is
	// never presented moments before the registry stops accepting it.
	tokenExpiryMargin    = 30 * time.Second
	defaultTokenLifetime = 300 * time.Second
	maxTokenBodyBytes    = 1 * 1024 * 1024
)

var challengeParamRegexp = regexp.MustCompile(`([a-zA-Z_]+)="([^"]*)"`)

type bearerToken struct {
	token     string
	expiresAt time.Time
}

// tokenCache holds bearer tokens keyed by (registry, repository) because
// token scope is repository-bound. Entries leave the cache only through
// expiry checks on read or an explicit clear.
type tokenCache struct {
	mutex  sync.RWMutex
	tokens map[string]bearerToken
}

func newTokenCache() *tokenCache {
	return &tokenCache{tokens: map[string]bearerToken{}}
}

func (tc *tokenCache) get(registry string, repository string) string {
	tc.mutex.RLock()
	defer tc.mutex.RUnlock()
	entry, exists := tc.tokens[registry+"/"+repository]
	if !exists || time.Now().After(entry.expiresAt) {
		return ""
	}

	return entry.token
}

func (tc *tokenCache) put(registry string, repository string, token string, lifetime time.Duration) {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()
	tc.tokens[registry+"/"+repository] = bearerToken{
		token:     token,
		expiresAt: time.Now().Add(lifetime - tokenExpiryMargin),
	}
}

func (tc *tokenCache) clear() {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()
	tc.tokens = map[string]bearerToken{}
}

type challenge struct {
	realm   string
	service string
	scope   string
}

// parseChallenge reads realm, service and scope out of a WWW-Authenticate
// bearer challenge header.
func parseChallenge(header string) (challenge, error) {
	if header == "" {
		return challenge{}, errors.New("missing WWW-Authenticate challenge")
	}

	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return challenge{}, errors.Errorf("unsupported auth challenge %q", header)
	}

	params := map[string]string{}
	for _, match := range challengeParamRegexp.FindAllStringSubmatch(header, -1) {
		params[match[1]] = match[2]
	}

	ch := challenge{realm: params["realm"], service: params["service"], scope: params["scope"]}
	if ch.realm == "" {
		return challenge{}, errors.New("bearer challenge missing realm")
	}

	return ch, nil
}

// token satisfies a bearer challenge for ref. Credentials are attached as
// HTTP Basic auth when the resolver knows the registry; otherwise an
// anonymous token request is made because many registries issue anonymous
// pull tokens. The returned token is cached under (registry, repository).
func (c *Client) token(ctx context.Context, ref Image, header string) (string, error) {
	ch, err := parseChallenge(header)
	if err != nil {
		return "", &Error{Kind: KindAuth, Err: err}
	}

	scope := ch.scope
	if scope == "" {
		scope = fmt.Sprintf("repository:%s:pull", ref.Repository)
	}

	values := url.Values{}
	if ch.service != "" {
		values.Set("service", ch.service)
	}
	values.Set("scope", scope)

	tokenURL := ch.realm
	if strings.Contains(tokenURL, "?") {
		tokenURL += "&" + values.Encode()
	} else {
		tokenURL += "?" + values.Encode()
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL, nil)
	if err != nil {
		return "", &Error{Kind: KindAuth, Err: err}
	}

	if c.opts.Credentials != nil {
		if creds, ok := c.opts.Credentials.Resolve(ref.Registry); ok {
			req.SetBasicAuth(creds.Username, creds.Password)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", transportError(err, c.opts.ProbeTimeout)
	}

	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &Error{Kind: KindAuth, Err: errors.Errorf("token endpoint %s returned %s", ch.realm, resp.Status)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBodyBytes))
	if err != nil {
		return "", transportError(err, c.opts.ProbeTimeout)
	}

	payload := struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", &Error{Kind: KindAuth, Err: errors.Wrapf(err, "malformed token response from %s", ch.realm)}
	}

	token := payload.Token
	if token == "" {
		token = payload.AccessToken
	}
	if token == "" {
		return "", &Error{Kind: KindAuth, Err: errors.Errorf("token response from %s contains no token", ch.realm)}
	}

	lifetime := defaultTokenLifetime
	if payload.ExpiresIn > 0 {
		lifetime = time.Duration(payload.ExpiresIn) * time.Second
	}

	c.tokens.put(ref.Registry, ref.Repository, token, lifetime)
	log.Debugf("obtained token for %s/%s, valid %s", ref.Registry, ref.Repository, lifetime)
	return token, nil
}
