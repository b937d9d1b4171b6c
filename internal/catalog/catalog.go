package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-cleanhttp"

	"github.com/bdougie/visionbatch/internal/errkind"
)

// Model names the tensors a served model consumes and produces.
type Model struct {
	Name     string
	Input    string
	Output   string
	Datatype string
}

// ConfigWarning reports that a model's names came from built-in defaults
// rather than the service's metadata.
type ConfigWarning struct {
	Model  string
	Reason string
}

func (w *ConfigWarning) Error() string {
	return fmt.Sprintf("model %s: using default tensor names: %s", w.Model, w.Reason)
}

// Defaults are the names the reference models are exported with.
var Defaults = map[string]Model{
	"densenet_onnx": {Name: "densenet_onnx", Input: "data_0", Output: "fc6_1", Datatype: "FP32"},
	"resnet50_onnx": {Name: "resnet50_onnx", Input: "data", Output: "resnetv24_dense0_fwd", Datatype: "FP32"},
}

type tensorMetadata struct {
	Name     string `json:"name"`
	Datatype string `json:"datatype"`
	Shape    []int  `json:"shape"`
}

type modelMetadata struct {
	Name    string           `json:"name"`
	Inputs  []tensorMetadata `json:"inputs"`
	Outputs []tensorMetadata `json:"outputs"`
}

// Catalog resolves model tensor names from the inference server's metadata
// endpoint and caches what it learns.
type Catalog struct {
	baseURL    string
	client     *http.Client
	logger     *slog.Logger
	defaults   map[string]Model
	maxRetries uint64
	cache      sync.Map // model name -> Model
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithHTTPClient replaces the default pooled client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Catalog) {
		c.client = client
	}
}

// WithDefaults replaces the built-in fallback names.
func WithDefaults(defaults map[string]Model) Option {
	return func(c *Catalog) {
		c.defaults = defaults
	}
}

// WithMaxRetries bounds metadata fetch retries.
func WithMaxRetries(n uint64) Option {
	return func(c *Catalog) {
		c.maxRetries = n
	}
}

// New creates a catalog. An empty baseURL disables lookups and every model
// resolves to its default with a warning.
func New(baseURL string, logger *slog.Logger, opts ...Option) *Catalog {
	c := &Catalog{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		client:     cleanhttp.DefaultPooledClient(),
		logger:     logger,
		defaults:   Defaults,
		maxRetries: 2,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve returns the tensor names for model. When metadata cannot be fetched
// the default names are returned together with a ConfigWarning. A model with
// neither metadata nor defaults is a config error.
func (c *Catalog) Resolve(ctx context.Context, model string) (Model, *ConfigWarning, error) {
	if cached, ok := c.cache.Load(model); ok {
		return cached.(Model), nil, nil
	}

	m, err := c.fetch(ctx, model)
	if err == nil {
		c.cache.Store(model, m)
		return m, nil, nil
	}

	def, ok := c.defaults[model]
	if !ok {
		return Model{}, nil, errkind.Wrap(errkind.Config, "resolve "+model, err)
	}
	warning := &ConfigWarning{Model: model, Reason: err.Error()}
	c.logger.Warn("falling back to default model tensor names",
		"model", warning.Model, "reason", warning.Reason,
		"input", def.Input, "output", def.Output)
	return def, warning, nil
}

func (c *Catalog) fetch(ctx context.Context, model string) (Model, error) {
	if c.baseURL == "" {
		return Model{}, fmt.Errorf("metadata endpoint not configured")
	}
	endpoint := fmt.Sprintf("%s/v2/models/%s", c.baseURL, url.PathEscape(model))

	var meta modelMetadata
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to fetch metadata: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("metadata endpoint returned %s", resp.Status)
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(fmt.Errorf("metadata endpoint returned %s", resp.Status))
		}
		if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode metadata: %w", err))
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, c.maxRetries), ctx)); err != nil {
		return Model{}, err
	}

	if len(meta.Inputs) == 0 || len(meta.Outputs) == 0 {
		return Model{}, fmt.Errorf("metadata for %s lists no inputs or outputs", model)
	}
	datatype := meta.Inputs[0].Datatype
	if datatype == "" {
		datatype = "FP32"
	}
	return Model{
		Name:     model,
		Input:    meta.Inputs[0].Name,
		Output:   meta.Outputs[0].Name,
		Datatype: datatype,
	}, nil
}
