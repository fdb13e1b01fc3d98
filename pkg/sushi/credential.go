package sushi

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/ezpaarse-project/ezmesure-harvester/pkg/counter"
)

// Credential identifies one origin to harvest: an institution on a platform
// endpoint, with the secrets the endpoint requires.
type Credential struct {
	ID              string `yaml:"id" json:"id" mapstructure:"id"`
	InstitutionID   string `yaml:"institution_id" json:"institution_id" mapstructure:"institution_id"`
	InstitutionName string `yaml:"institution_name" json:"institution_name,omitempty" mapstructure:"institution_name"`
	EndpointID      string `yaml:"endpoint_id" json:"endpoint_id" mapstructure:"endpoint_id"`
	Vendor          string `yaml:"vendor" json:"vendor,omitempty" mapstructure:"vendor"`

	BaseURL     string `yaml:"base_url" json:"base_url" mapstructure:"base_url"`
	Version     string `yaml:"version" json:"version" mapstructure:"version"`
	CustomerID  string `yaml:"customer_id" json:"customer_id" mapstructure:"customer_id"`
	RequestorID string `yaml:"requestor_id" json:"-" mapstructure:"requestor_id"`
	APIKey      string `yaml:"api_key" json:"-" mapstructure:"api_key"`
	Platform    string `yaml:"platform" json:"platform,omitempty" mapstructure:"platform"`

	// Params override the report default parameters for this credential.
	Params map[string]string `yaml:"params" json:"params,omitempty" mapstructure:"params"`

	// Reports restricts the harvested reports. Empty means every report of the schedule.
	Reports []string `yaml:"reports" json:"reports,omitempty" mapstructure:"reports"`

	// MaxConcurrency overrides the limiter per-credential ceiling when > 0.
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency,omitempty" mapstructure:"max_concurrency"`

	// RequestsPerSecond paces outbound calls when > 0.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second,omitempty" mapstructure:"requests_per_second"`

	// Namespace is stored on every record, it usually names the target index.
	Namespace string `yaml:"namespace" json:"namespace,omitempty" mapstructure:"namespace"`
}

// Validate checks the fields needed to build a request.
func (c Credential) Validate() error {
	if c.ID == "" {
		return malformed(c, "missing id")
	}
	if c.CustomerID == "" {
		return malformed(c, "missing customer_id")
	}
	switch c.Version {
	case counter.Version5, counter.Version51:
	default:
		return malformed(c, fmt.Sprintf("unsupported COUNTER version %q", c.Version))
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return malformed(c, fmt.Sprintf("invalid base_url: %v", err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return malformed(c, fmt.Sprintf("base_url scheme must be http or https, got %q", u.Scheme))
	}
	if u.Host == "" {
		return malformed(c, "base_url has no host")
	}
	return nil
}

// WantsReport reports whether the credential harvests reportID.
func (c Credential) WantsReport(reportID string) bool {
	if len(c.Reports) == 0 {
		return true
	}
	for _, r := range c.Reports {
		if strings.EqualFold(r, reportID) {
			return true
		}
	}
	return false
}

func malformed(c Credential, msg string) *Error {
	return &Error{
		Kind:    KindMalformedCredential,
		Message: fmt.Sprintf("credential %q: %s", c.ID, msg),
		Err:     ErrMalformedCredential,
	}
}
