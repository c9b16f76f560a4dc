// Package s3backend implements an alternate chunk store reachable over
// S3-compatible HTTP instead of the native framed session protocol
// (SPEC_FULL.md §4 expansion "Alternate remote backend"). It satisfies the
// same Store shape internal/chunkproto does, so internal/pipeline never
// knows which transport backs a given archive/extract run.
package s3backend

import (
	"fmt"
	"net/url"
	"strings"
)

// ProviderConfig names the endpoint/region/addressing-style defaults for one
// S3-compatible provider, so a user only needs to name a provider (plus
// credentials) rather than hand-tune every AWS SDK option.
type ProviderConfig struct {
	Name              string
	DefaultEndpoint   string
	RequiresRegion    bool
	RequiresPathStyle bool
	SupportedRegions  []string
	DefaultRegion     string
	EndpointTemplate  string // fmt template taking the region, when the host varies by region
}

// KnownProviders is the table of S3-compatible providers this backend has
// been validated against.
var KnownProviders = map[string]ProviderConfig{
	"aws": {
		Name:            "AWS S3",
		DefaultEndpoint: "https://s3.amazonaws.com",
		RequiresRegion:  true,
		DefaultRegion:   "us-east-1",
		SupportedRegions: []string{
			"us-east-1", "us-east-2", "us-west-1", "us-west-2",
			"eu-west-1", "eu-west-2", "eu-west-3", "eu-central-1",
			"ap-southeast-1", "ap-southeast-2", "ap-northeast-1",
			"ap-northeast-2", "sa-east-1", "ca-central-1",
		},
	},
	"minio": {
		Name:              "MinIO",
		DefaultEndpoint:   "http://localhost:9000",
		RequiresPathStyle: true,
		DefaultRegion:     "us-east-1",
	},
	"wasabi": {
		Name:            "Wasabi",
		DefaultEndpoint: "https://s3.wasabisys.com",
		RequiresRegion:  true,
		DefaultRegion:   "us-east-1",
		SupportedRegions: []string{
			"us-east-1", "us-east-2", "us-west-1", "eu-central-1",
			"ap-northeast-1", "ap-northeast-2",
		},
	},
	"backblaze": {
		Name:              "Backblaze B2",
		DefaultEndpoint:   "https://s3.us-west-000.backblazeb2.com",
		RequiresRegion:    true,
		RequiresPathStyle: true,
		DefaultRegion:     "us-west-000",
		EndpointTemplate:  "https://s3.%s.backblazeb2.com",
		SupportedRegions:  []string{"us-west-000", "us-west-001", "us-west-002", "us-west-004", "eu-central-003"},
	},
	"cloudflare": {
		Name:            "Cloudflare R2",
		DefaultEndpoint: "https://<account-id>.r2.cloudflarestorage.com",
		DefaultRegion:   "auto",
	},
	"digitalocean": {
		Name:             "DigitalOcean Spaces",
		DefaultEndpoint:  "https://nyc3.digitaloceanspaces.com",
		RequiresRegion:   true,
		DefaultRegion:    "nyc3",
		EndpointTemplate: "https://%s.digitaloceanspaces.com",
		SupportedRegions: []string{"nyc3", "ams3", "sgp1", "sfo3", "fra1", "blr1"},
	},
}

// GetProviderConfig looks up a provider by name (case-insensitive).
func GetProviderConfig(provider string) (ProviderConfig, error) {
	if provider == "" {
		return ProviderConfig{}, fmt.Errorf("s3backend: provider name is required")
	}
	cfg, ok := KnownProviders[strings.ToLower(provider)]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("s3backend: unknown provider %q (supported: %s)", provider, strings.Join(providerNames(), ", "))
	}
	return cfg, nil
}

// ResolveEndpointRegion fills in endpoint/region defaults for provider when
// the caller left either blank.
func ResolveEndpointRegion(endpoint, provider, region string) (string, string, error) {
	cfg, err := GetProviderConfig(provider)
	if err != nil {
		return "", "", err
	}
	if endpoint == "" {
		if cfg.EndpointTemplate != "" && region != "" {
			endpoint = fmt.Sprintf(cfg.EndpointTemplate, region)
		} else {
			endpoint = cfg.DefaultEndpoint
		}
	}
	endpoint = normalizeEndpoint(endpoint)
	if region == "" {
		region = cfg.DefaultRegion
	}
	return endpoint, region, nil
}

func normalizeEndpoint(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}
	return strings.TrimSuffix(endpoint, "/")
}

// ValidateEndpoint reports whether endpoint is a well-formed http(s) URL.
func ValidateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("s3backend: invalid endpoint URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("s3backend: endpoint must use http:// or https://")
	}
	if u.Host == "" {
		return fmt.Errorf("s3backend: endpoint must include a hostname")
	}
	return nil
}

// RequiresPathStyleAddressing reports whether provider needs path-style
// bucket addressing rather than virtual-hosted-style.
func RequiresPathStyleAddressing(provider string) bool {
	cfg, err := GetProviderConfig(provider)
	if err != nil {
		return false
	}
	return cfg.RequiresPathStyle
}

func providerNames() []string {
	names := make([]string, 0, len(KnownProviders))
	for name := range KnownProviders {
		names = append(names, name)
	}
	return names
}
