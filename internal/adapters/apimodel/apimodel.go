// Package apimodel is the stock "api" model adapter for models served over
// HTTP. Such models are never read from files.
package apimodel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	xerrors "TestEngine-Core/internal/errors"
	"TestEngine-Core/pkg/plugin"
	"TestEngine-Core/pkg/schema"
)

// Name is the registry name and priority tag.
const Name = "api"

const CodeInvalidConfig xerrors.Code = "API_MODEL_INVALID_CONFIG"

func init() {
	xerrors.Register(CodeInvalidConfig, xerrors.Attributes{
		Message:  "api model configuration rejected",
		Category: xerrors.CategoryInput,
		Severity: xerrors.SeverityCritical,
	})
	plugin.RegisterFactory("stock.apimodel", func(plugin.Descriptor) (any, error) { return New(nil), nil })
}

// Descriptor describes the stock adapter.
func Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name: Name, Description: "model served behind an HTTP API", Version: "1.0.0",
		Category: plugin.CategoryModel, Priority: Name,
		Runtime: plugin.RuntimeBuiltin, Entry: "stock.apimodel",
		Capabilities: []plugin.Capability{plugin.CapabilityNetwork},
	}
}

// Plugin builds API-backed models.
type Plugin struct {
	client *http.Client
}

// New returns a plugin using client, or a client with a 30s timeout.
func New(client *http.Client) *Plugin {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Plugin{client: client}
}

// IsSupported implements plugin.ModelPlugin. Files are never API models.
func (*Plugin) IsSupported(context.Context, any) bool { return false }

// Wrap implements plugin.ModelPlugin.
func (*Plugin) Wrap(_ context.Context, obj any) (plugin.Model, error) {
	return nil, fmt.Errorf("api models are built from a schema and config, not %T", obj)
}

// ValidateConfig checks apiConfig against apiSchema. The config must also
// carry a base "url".
func (*Plugin) ValidateConfig(apiSchema, apiConfig map[string]any) error {
	if apiSchema == nil || apiConfig == nil {
		return xerrors.New(CodeInvalidConfig, "api schema and config are both required")
	}
	raw, err := json.Marshal(apiSchema)
	if err != nil {
		return xerrors.Wrap(CodeInvalidConfig, err, "encode api schema")
	}
	s, err := schema.Compile(raw)
	if err != nil {
		return xerrors.Wrap(CodeInvalidConfig, err, "compile api schema")
	}
	if err := s.Check("api config", apiConfig); err != nil {
		return xerrors.Wrap(CodeInvalidConfig, err, "")
	}
	if u, _ := apiConfig["url"].(string); u == "" {
		return xerrors.New(CodeInvalidConfig, "api config has no url")
	}
	return nil
}

// NewFromAPI implements plugin.APIModelPlugin.
func (p *Plugin) NewFromAPI(apiSchema, apiConfig map[string]any) (plugin.Model, error) {
	if err := p.ValidateConfig(apiSchema, apiConfig); err != nil {
		return nil, err
	}
	m := &Model{
		client:  p.client,
		baseURL: strings.TrimRight(apiConfig["url"].(string), "/"),
		name:    Name,
		headers: map[string]string{},
	}
	if name, ok := apiConfig["name"].(string); ok && name != "" {
		m.name = name
	}
	if hs, ok := apiConfig["headers"].(map[string]any); ok {
		for k, v := range hs {
			if s, ok := v.(string); ok {
				m.headers[k] = s
			}
		}
	}
	return m, nil
}

// Model calls <url>/predict and <url>/predict_proba with the table wire form.
type Model struct {
	client  *http.Client
	baseURL string
	name    string
	headers map[string]string

	mu      sync.Mutex
	classes []string
}

type predictResponse struct {
	Predictions   []any       `json:"predictions"`
	Probabilities [][]float64 `json:"probabilities"`
	Classes       []string    `json:"classes"`
	Error         string      `json:"error"`
}

func (m *Model) AlgorithmName() string { return m.name }
func (m *Model) Raw() any              { return m.baseURL }

// Predict implements plugin.Model.
func (m *Model) Predict(ctx context.Context, data plugin.Data) ([]any, error) {
	resp, err := m.post(ctx, "/predict", data)
	if err != nil {
		return nil, err
	}
	return resp.Predictions, nil
}

// PredictProba implements plugin.Model.
func (m *Model) PredictProba(ctx context.Context, data plugin.Data) ([][]float64, error) {
	resp, err := m.post(ctx, "/predict_proba", data)
	if err != nil {
		return nil, err
	}
	if len(resp.Classes) > 0 {
		m.mu.Lock()
		m.classes = resp.Classes
		m.mu.Unlock()
	}
	return resp.Probabilities, nil
}

// Classes implements plugin.Classifier.
func (m *Model) Classes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.classes...)
}

// Cleanup implements plugin.Model.
func (m *Model) Cleanup() error {
	m.client.CloseIdleConnections()
	return nil
}

func (m *Model) post(ctx context.Context, path string, data plugin.Data) (*predictResponse, error) {
	table, err := plugin.TableOf(data)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(map[string]any{"data": table})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range m.headers {
		req.Header.Set(k, v)
	}
	httpResp, err := m.client.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnection, err, "call model api")
	}
	defer httpResp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 64<<20))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnection, err, "read model api response")
	}
	var out predictResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode model api response: %w", err)
	}
	if httpResp.StatusCode >= http.StatusBadRequest {
		msg := out.Error
		if msg == "" {
			msg = httpResp.Status
		}
		return nil, xerrors.Wrap(xerrors.CodeConnection, errors.New(msg), "model api rejected request")
	}
	return &out, nil
}
