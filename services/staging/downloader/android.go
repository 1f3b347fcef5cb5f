package downloader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"buildstage/services/staging/artifact"
)

// AndroidBuildClient talks to the Android build server artifact API.
type AndroidBuildClient struct {
	base  string
	token string
	http  *http.Client
}

// AndroidArtifact is one entry of a build attempt's artifact listing.
type AndroidArtifact struct {
	Name string `json:"name"`
	Size int64  `json:"size,string,omitempty"`
}

type androidListResponse struct {
	Artifacts     []AndroidArtifact `json:"artifacts"`
	NextPageToken string            `json:"nextPageToken"`
}

// NewAndroidBuildClient creates a client for the API rooted at base. token is sent as a
// bearer token when non-empty. A nil httpClient uses a traced default client.
func NewAndroidBuildClient(base, token string, httpClient *http.Client) (*AndroidBuildClient, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return nil, errors.New("android build api base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse android build api url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &AndroidBuildClient{base: base, token: token, http: httpClient}, nil
}

func (c *AndroidBuildClient) artifactsURL(buildID, target string) string {
	return fmt.Sprintf("%s/builds/%s/%s/attempts/latest/artifacts",
		c.base, url.PathEscape(buildID), url.PathEscape(target))
}

// ListArtifacts returns every artifact of the latest attempt of buildID for target,
// following page tokens.
func (c *AndroidBuildClient) ListArtifacts(ctx context.Context, buildID, target string) ([]AndroidArtifact, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}

	var out []AndroidArtifact
	pageToken := ""
	for {
		endpoint := c.artifactsURL(buildID, target)
		if pageToken != "" {
			endpoint += "?pageToken=" + url.QueryEscape(pageToken)
		}
		resp, err := c.get(ctx, endpoint)
		if err != nil {
			return nil, err
		}
		var page androidListResponse
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decode artifact listing: %w", err)
		}
		out = append(out, page.Artifacts...)
		if page.NextPageToken == "" || page.NextPageToken == pageToken {
			return out, nil
		}
		pageToken = page.NextPageToken
	}
}

// OpenArtifact streams the named artifact. Missing artifacts report ErrNotFound.
func (c *AndroidBuildClient) OpenArtifact(ctx context.Context, buildID, target, name string) (io.ReadCloser, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	segments := strings.Split(strings.Trim(name, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	endpoint := c.artifactsURL(buildID, target) + "/" + strings.Join(segments, "/") + "?alt=media"
	resp, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *AndroidBuildClient) get(ctx context.Context, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", endpoint, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, endpoint)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: unexpected status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

// NewAndroidBuildDownloader stages an Android build from the build server.
func NewAndroidBuildDownloader(staticDir, branch, target, buildID string, client *AndroidBuildClient, opts Options) (*Downloader, error) {
	if client == nil {
		return nil, errors.New("android build client is required")
	}
	build, err := artifact.NewAndroidBuild(branch, target, buildID)
	if err != nil {
		return nil, err
	}
	return New(staticDir, build, &androidSource{client: client, build: build}, opts)
}

type androidSource struct {
	client *AndroidBuildClient
	build  artifact.AndroidBuild
}

func (s *androidSource) Describe() string {
	return s.client.artifactsURL(s.build.BuildID, s.build.Target)
}

func (s *androidSource) Fetch(ctx context.Context, remoteName, localPath string) error {
	r, err := s.client.OpenArtifact(ctx, s.build.BuildID, s.build.Target, remoteName)
	if err != nil {
		return err
	}
	defer r.Close()
	return writeFile(localPath, r)
}

func (s *androidSource) List(ctx context.Context) ([]string, error) {
	arts, err := s.client.ListArtifacts(ctx, s.build.BuildID, s.build.Target)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(arts))
	for _, a := range arts {
		names = append(names, a.Name)
	}
	return names, nil
}
