package backendauth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/oauth2/google"
)

// gcpHandler acquires a Vertex AI access token via the default GCP
// credential chain (golang.org/x/oauth2/google, the same package the
// teacher's GCP OIDC token rotator builds on for impersonated service
// account tokens) and rewrites the request path to the regional Vertex
// AI endpoint, grounded on the teacher's gcpHandler's ":path" prefixing.
// Unlike the teacher, which reads a token a k8s controller rotated into
// a mounted secret, this gateway acquires the token directly; the
// google.Credentials TokenSource already caches and refreshes it.
type gcpHandler struct {
	creds       *google.Credentials
	region      string
	projectName string
}

func newGCPHandler(ctx context.Context, cfg Config) (Handler, error) {
	if cfg.GCPProjectID == "" {
		return nil, fmt.Errorf("backendauth: gcp project id is required")
	}
	creds, err := google.FindDefaultCredentials(ctx, "https://www.googleapis.com/auth/cloud-platform")
	if err != nil {
		return nil, fmt.Errorf("backendauth: finding default GCP credentials: %w", err)
	}
	region := cfg.GCPRegion
	if region == "" {
		region = "us-central1"
	}
	return &gcpHandler{creds: creds, region: region, projectName: cfg.GCPProjectID}, nil
}

func (g *gcpHandler) Apply(ctx context.Context, req *http.Request) error {
	token, err := g.creds.TokenSource.Token()
	if err != nil {
		return fmt.Errorf("backendauth: acquiring GCP access token: %w", err)
	}

	prefix := fmt.Sprintf("https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s", g.region, g.projectName, g.region)
	full, err := url.Parse(prefix + req.URL.Path)
	if err != nil {
		return fmt.Errorf("backendauth: building vertex URL: %w", err)
	}
	full.RawQuery = req.URL.RawQuery
	req.URL = full
	req.Host = full.Host

	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	return nil
}
