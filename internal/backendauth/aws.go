package backendauth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
)

// awsHandler implements Handler for AWS Bedrock's SigV4 authz, grounded
// on the teacher's awsHandler. The teacher signs a request it constructs
// itself from Envoy header-mutation maps and a buffered body mutation;
// this handler signs the real outbound *http.Request the gateway is
// about to send, which already carries the correct method, URL, and
// body from the upstream dispatcher.
type awsHandler struct {
	credentialsProvider aws.CredentialsProvider
	signer               *v4.Signer
	region               string
}

func newAWSHandler(ctx context.Context, cfg Config) (Handler, error) {
	if cfg.AWSRegion == "" {
		return nil, fmt.Errorf("backendauth: aws region is required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("backendauth: loading AWS config: %w", err)
	}
	return &awsHandler{
		credentialsProvider: awsCfg.Credentials,
		signer:              v4.NewSigner(),
		region:              cfg.AWSRegion,
	}, nil
}

func (a *awsHandler) Apply(ctx context.Context, req *http.Request) error {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return fmt.Errorf("backendauth: reading request body for signing: %w", err)
		}
		_ = req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
	}

	payloadHash := sha256.Sum256(body)
	credentials, err := a.credentialsProvider.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("backendauth: retrieving AWS credentials: %w", err)
	}

	if err := a.signer.SignHTTP(ctx, credentials, req, hex.EncodeToString(payloadHash[:]), "bedrock", a.region, time.Now()); err != nil {
		return fmt.Errorf("backendauth: signing request: %w", err)
	}
	return nil
}
