// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package compute

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/tombee/workbench/pkg/httpclient"

	wberrors "github.com/tombee/workbench/pkg/errors"
)

// gatewaySigningService is the service name used for SigV4 signing of
// gateway requests.
const gatewaySigningService = "execute-api"

// GatewayConfig carries the settings NewGateway needs. It mirrors the
// daemon's compute.gateway config section.
type GatewayConfig struct {
	URL           string
	Region        string
	RoleARN       string
	ExternalID    string
	ProjectID     string
	EnvironmentID string
}

// Gateway speaks the same wire contract as Railway through a deployment's
// own compute gateway, with every request signed using AWS Signature
// Version 4 instead of a bearer token.
type Gateway struct {
	*Railway
}

// NewGateway resolves AWS credentials from the default chain, optionally
// assumes RoleARN, and verifies them with an STS GetCallerIdentity call
// before any compute traffic is attempted.
func NewGateway(ctx context.Context, cfg GatewayConfig, logger *slog.Logger) (*Gateway, error) {
	if cfg.URL == "" {
		return nil, &wberrors.ConfigError{
			Key:    "compute.gateway.url",
			Reason: "compute gateway URL is required",
		}
	}
	if cfg.Region == "" {
		return nil, &wberrors.ConfigError{
			Key:    "compute.gateway.region",
			Reason: "AWS region is required for request signing",
		}
	}
	if cfg.ProjectID == "" {
		return nil, &wberrors.ConfigError{
			Key:    "compute.gateway.project_id",
			Reason: "gateway project id is required",
		}
	}
	if cfg.EnvironmentID == "" {
		return nil, &wberrors.ConfigError{
			Key:    "compute.gateway.environment_id",
			Reason: "gateway environment id is required",
		}
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, &wberrors.ConfigError{
			Key:    "compute.gateway",
			Reason: fmt.Sprintf("failed to load AWS configuration: %v", err),
			Cause:  err,
		}
	}

	if cfg.RoleARN != "" {
		provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(awsCfg), cfg.RoleARN,
			func(o *stscreds.AssumeRoleOptions) {
				if cfg.ExternalID != "" {
					o.ExternalID = aws.String(cfg.ExternalID)
				}
			})
		awsCfg.Credentials = aws.NewCredentialsCache(provider)
	}

	// Fail construction, not the first workspace create, when the
	// credential chain is broken.
	preflightCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := sts.NewFromConfig(awsCfg).GetCallerIdentity(preflightCtx, &sts.GetCallerIdentityInput{}); err != nil {
		return nil, &wberrors.UpstreamError{
			Provider: "gateway",
			Op:       "credential_preflight",
			Message:  fmt.Sprintf("AWS credential validation failed: %v", err),
			Cause:    err,
		}
	}

	hcfg := httpclient.DefaultConfig()
	hcfg.UserAgent = "workbench-gateway/1.0"
	hcfg.RetryAttempts = 0
	client, err := httpclient.New(hcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	sign := sigv4Sign(awsCfg.Credentials, v4.NewSigner(), gatewaySigningService, cfg.Region)
	return &Gateway{
		Railway: newRailway("gateway", cfg.URL, cfg.ProjectID, cfg.EnvironmentID, client, sign, logger),
	}, nil
}

// sigv4Sign returns a signFunc that hashes the payload and signs the
// request for the given service and region.
func sigv4Sign(creds aws.CredentialsProvider, signer *v4.Signer, service, region string) signFunc {
	return func(ctx context.Context, req *http.Request, payload []byte) error {
		sum := sha256.Sum256(payload)
		payloadHash := hex.EncodeToString(sum[:])
		req.Header.Set("X-Amz-Content-Sha256", payloadHash)

		resolved, err := creds.Retrieve(ctx)
		if err != nil {
			return fmt.Errorf("unable to resolve AWS credentials: %w", err)
		}
		return signer.SignHTTP(ctx, resolved, req, payloadHash, service, region, time.Now())
	}
}
