package registry

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"notebot/internal/providers"
	"notebot/internal/providers/custom_http"
	"notebot/internal/providers/openai_compat"
)

type BuildOptions struct {
	Kind        string
	BaseURL     string
	APIKey      string
	Model       string
	Headers     map[string]string
	Config      map[string]any
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

func Build(opts BuildOptions) (providers.Provider, error) {
	if opts.Config == nil {
		opts.Config = map[string]any{}
	}
	switch strings.ToLower(strings.TrimSpace(opts.Kind)) {
	case "openai_compat", "openai-compatible", "openai", "":
		return openai_compat.New(openai_compat.Config{
			BaseURL:     opts.BaseURL,
			APIKey:      opts.APIKey,
			Headers:     opts.Headers,
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		}), nil

	case "custom_http", "custom-http":
		bodyTemplate := ""
		if v, ok := opts.Config["body_template"].(string); ok {
			bodyTemplate = v
		}
		method := "POST"
		if v, ok := opts.Config["method"].(string); ok && v != "" {
			method = v
		}
		return custom_http.New(custom_http.Config{
			URL:          opts.BaseURL,
			APIKey:       opts.APIKey,
			Model:        opts.Model,
			Headers:      opts.Headers,
			BodyTemplate: bodyTemplate,
			Method:       method,
			HTTPClient:   opts.HTTPClient,
			MaxRetries:   opts.MaxRetries,
			BackoffBase:  opts.BackoffBase,
		}), nil

	default:
		return nil, fmt.Errorf("unsupported provider kind %q", opts.Kind)
	}
}
