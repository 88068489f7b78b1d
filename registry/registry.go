package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/docker/distribution/manifest/manifestlist"
	"github.com/docker/distribution/manifest/schema1"
	"github.com/docker/distribution/manifest/schema2"
	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultProbeTimeout = 5 * time.Second
	maxManifestBytes    = 16 * 1024 * 1024
)

var manifestAcceptHeader = strings.Join([]string{
	manifestlist.MediaTypeManifestList,
	schema2.MediaTypeManifest,
	ocispec.MediaTypeImageIndex,
	ocispec.MediaTypeImageManifest,
	schema1.MediaTypeSignedManifest,
	schema1.MediaTypeManifest,
}, ", ")

// Credentials is a username/password pair for one registry. The password may
// be a token.
type Credentials struct {
	Username string
	Password string
}

// CredentialResolver returns the credentials to use for a registry host.
type CredentialResolver interface {
	Resolve(registry string) (Credentials, bool)
}

// StaticCredentials resolves credentials from a fixed map of normalized
// registry hosts, with an optional fallback applied to every other host.
type StaticCredentials struct {
	byRegistry map[string]Credentials
	fallback   *Credentials
}

func NewStaticCredentials(byRegistry map[string]Credentials, fallback *Credentials) *StaticCredentials {
	if byRegistry == nil {
		byRegistry = map[string]Credentials{}
	}

	return &StaticCredentials{byRegistry: byRegistry, fallback: fallback}
}

func (s *StaticCredentials) Resolve(registry string) (Credentials, bool) {
	creds, exists := s.byRegistry[NormalizeRegistry(registry)]
	if exists {
		return creds, true
	}

	if s.fallback != nil {
		return *s.fallback, true
	}

	return Credentials{}, false
}

// Options configures a Client.
type Options struct {
	// Timeout bounds one manifest request. Token requests and connectivity
	// probes use the shorter ProbeTimeout so they cannot consume the budget
	// of the operation that triggered them.
	Timeout      time.Duration
	ProbeTimeout time.Duration
	// TargetRegistry, when set, redirects existence checks to that registry
	// and enables cloning into it.
	TargetRegistry string
	// Insecure lists registry hosts spoken to over plain HTTP.
	Insecure    []string
	Credentials CredentialResolver
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// CheckResult reports the outcome of one image existence check. A nil Err
// with Exists false means the registry definitively answered "not found".
type CheckResult struct {
	Image    string
	Registry string
	Exists   bool
	Err      error
}

// Manifest is a raw manifest document together with its declared media type
// and content digest.
type Manifest struct {
	Body      []byte
	MediaType string
	Digest    digest.Digest
}

// Client speaks the registry V2 API. It owns a bearer token cache shared by
// all operations; construct one Client per set of credentials.
type Client struct {
	opts   Options
	http   *http.Client
	tokens *tokenCache
}

func New(opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.ProbeTimeout == 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	if opts.TargetRegistry != "" {
		opts.TargetRegistry = NormalizeRegistry(opts.TargetRegistry)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		opts:   opts,
		http:   httpClient,
		tokens: newTokenCache(),
	}
}

// ClearTokenCache drops every cached bearer token. Call it after rotating
// registry credentials.
func (c *Client) ClearTokenCache() {
	c.tokens.clear()
}

func (c *Client) scheme(registry string) string {
	for _, host := range c.opts.Insecure {
		if NormalizeRegistry(host) == registry {
			return "http"
		}
	}

	return "https"
}

// CheckExistence verifies that the manifest referenced by image exists. When
// a target registry is configured the check runs against the target because
// the question being answered is whether the image has been replicated yet.
func (c *Client) CheckExistence(ctx context.Context, image string) CheckResult {
	ref := Parse(image)
	if c.opts.TargetRegistry != "" {
		ref.Registry = c.opts.TargetRegistry
	}

	result := CheckResult{Image: image, Registry: ref.Registry}
	result.Exists, result.Err = c.manifestExists(ctx, ref)
	return result
}

// CheckExistenceBatch checks every distinct image concurrently. Duplicates
// are collapsed by exact string equality; the returned slice holds one result
// per unique image in first-seen order.
func (c *Client) CheckExistenceBatch(ctx context.Context, images []string) []CheckResult {
	seen := map[string]struct{}{}
	unique := []string{}
	for _, image := range images {
		if _, exists := seen[image]; exists {
			continue
		}

		seen[image] = struct{}{}
		unique = append(unique, image)
	}

	results := make([]CheckResult, len(unique))
	wg := &sync.WaitGroup{}
	wg.Add(len(unique))
	for i, image := range unique {
		go func(i int, image string) {
			defer wg.Done()
			results[i] = c.CheckExistence(ctx, image)
		}(i, image)
	}

	wg.Wait()
	return results
}

func (c *Client) manifestExists(ctx context.Context, ref Image) (bool, error) {
	resp, err := c.doManifest(ctx, http.MethodHead, ref, nil, "")
	if err != nil {
		return false, err
	}

	switch {
	case resp.status >= 200 && resp.status < 300:
		return true, nil
	case resp.status == http.StatusNotFound:
		return false, nil
	case resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden:
		return false, &Error{Kind: KindAuth, Err: errors.Errorf("registry %s denied access to %s: status %d", ref.Registry, ref.Repository, resp.status)}
	default:
		return false, &Error{Kind: KindProtocol, Err: errors.Errorf("unexpected status %d checking %s", resp.status, ref)}
	}
}

// TestConnectivity probes whether a registry answers on its API root. A 200
// and an authorization challenge both count as reachable because either way
// the registry responded meaningfully.
func (c *Client) TestConnectivity(ctx context.Context, registry string) error {
	registry = NormalizeRegistry(registry)
	ctx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.scheme(registry)+"://"+registry+"/v2/", nil)
	if err != nil {
		return &Error{Kind: KindNetwork, Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(err, c.opts.ProbeTimeout)
	}

	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if (resp.StatusCode >= 200 && resp.StatusCode < 300) || resp.StatusCode == http.StatusUnauthorized {
		return nil
	}

	return &Error{Kind: KindProtocol, Err: errors.Errorf("registry %s returned unexpected status %s", registry, resp.Status)}
}

// FetchManifest downloads the raw manifest document for ref.
func (c *Client) FetchManifest(ctx context.Context, ref Image) (*Manifest, error) {
	resp, err := c.doManifest(ctx, http.MethodGet, ref, nil, "")
	if err != nil {
		return nil, err
	}

	switch {
	case resp.status >= 200 && resp.status < 300:
	case resp.status == http.StatusNotFound:
		return nil, &Error{Kind: KindNotFound, Err: errors.Errorf("manifest %s not found in %s", ref.Reference(), ref.Registry)}
	case resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden:
		return nil, &Error{Kind: KindAuth, Err: errors.Errorf("registry %s denied access to %s: status %d", ref.Registry, ref.Repository, resp.status)}
	default:
		return nil, &Error{Kind: KindProtocol, Err: errors.Errorf("unexpected status %d fetching manifest %s", resp.status, ref)}
	}

	mediaType := strings.TrimSpace(strings.Split(resp.header.Get("Content-Type"), ";")[0])
	if mediaType == "" {
		declared := struct {
			MediaType string `json:"mediaType"`
		}{}
		json.Unmarshal(resp.body, &declared)
		mediaType = declared.MediaType
	}

	dgst := digest.FromBytes(resp.body)
	if header := resp.header.Get("Docker-Content-Digest"); header != "" {
		if parsed, perr := digest.Parse(header); perr == nil && parsed != dgst {
			log.Debugf("manifest digest mismatch for %s: header %s, body %s", ref, parsed, dgst)
		}
	}

	return &Manifest{Body: resp.body, MediaType: mediaType, Digest: dgst}, nil
}

// PushManifest uploads a manifest document to ref, declaring its media type
// as Content-Type.
func (c *Client) PushManifest(ctx context.Context, ref Image, manifest *Manifest) error {
	resp, err := c.doManifest(ctx, http.MethodPut, ref, manifest.Body, manifest.MediaType)
	if err != nil {
		return err
	}

	switch {
	case resp.status >= 200 && resp.status < 300:
		return nil
	case resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden:
		return &Error{Kind: KindAuth, Err: errors.Errorf("registry %s denied manifest push to %s: status %d", ref.Registry, ref.Repository, resp.status)}
	default:
		return &Error{Kind: KindProtocol, Err: errors.Errorf("unexpected status %d pushing manifest %s: %s", resp.status, ref, strings.TrimSpace(string(resp.body)))}
	}
}

// Clone copies the manifest of sourceImage into the configured target
// registry, keeping the repository path and reference. Both registries are
// probed first so a definitely unreachable end fails fast with a clear
// diagnostic instead of a mid-transfer timeout. Layer blobs are not copied;
// the contract is transferring the manifest document.
func (c *Client) Clone(ctx context.Context, sourceImage string) error {
	if c.opts.TargetRegistry == "" {
		return &Error{Kind: KindClone, Err: errors.New("no target registry configured")}
	}

	source := Parse(sourceImage)
	target := source
	target.Registry = c.opts.TargetRegistry

	if err := c.TestConnectivity(ctx, source.Registry); err != nil {
		return &Error{Kind: KindClone, Err: errors.Wrapf(err, "source registry %s is unreachable", source.Registry)}
	}

	if err := c.TestConnectivity(ctx, target.Registry); err != nil {
		return &Error{Kind: KindClone, Err: errors.Wrapf(err, "target registry %s is unreachable", target.Registry)}
	}

	manifest, err := c.FetchManifest(ctx, source)
	if err != nil {
		return &Error{Kind: KindClone, Err: errors.Wrapf(err, "fetching manifest of %s", sourceImage)}
	}

	if err := c.PushManifest(ctx, target, manifest); err != nil {
		return &Error{Kind: KindClone, Err: errors.Wrapf(err, "pushing manifest of %s to %s", sourceImage, target.Registry)}
	}

	log.Debugf("cloned %s to %s (%s, %d bytes)", sourceImage, target, manifest.Digest, len(manifest.Body))
	return nil
}

type manifestResponse struct {
	status int
	header http.Header
	body   []byte
}

// doManifest sends one request to the manifest endpoint of ref, satisfying a
// bearer challenge at most once. When token acquisition fails the original
// unauthenticated response is returned so the caller reports that status as
// the ultimate outcome instead of retrying indefinitely.
func (c *Client) doManifest(ctx context.Context, method string, ref Image, payload []byte, contentType string) (*manifestResponse, error) {
	endpoint := c.scheme(ref.Registry) + "://" + ref.Registry + "/v2/" + ref.Repository + "/manifests/" + ref.Reference()
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	token := c.tokens.get(ref.Registry, ref.Repository)
	for attempt := 0; attempt < 2; attempt++ {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
		if err != nil {
			return nil, &Error{Kind: KindNetwork, Err: err}
		}

		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		} else {
			req.Header.Set("Accept", manifestAcceptHeader)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, transportError(err, c.opts.Timeout)
		}

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
		resp.Body.Close()
		if err != nil {
			return nil, transportError(err, c.opts.Timeout)
		}

		result := &manifestResponse{status: resp.StatusCode, header: resp.Header, body: respBody}
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			token, err = c.token(ctx, ref, resp.Header.Get("WWW-Authenticate"))
			if err != nil {
				log.Debugf("no token obtained for %s/%s: %s", ref.Registry, ref.Repository, err)
				return result, nil
			}

			continue
		}

		return result, nil
	}

	return nil, &Error{Kind: KindAuth, Err: errors.Errorf("registry %s kept rejecting authentication for %s", ref.Registry, ref.Repository)}
}
