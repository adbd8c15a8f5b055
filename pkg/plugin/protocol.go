package plugin

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	xerrors "TestEngine-Core/internal/errors"
	"TestEngine-Core/pkg/dataset"
)

// Protocol operations understood by out-of-process plugins.
const (
	OpDeserialize   = "deserialize"
	OpIsSupported   = "is_supported"
	OpToMapping     = "to_mapping"
	OpPredict       = "predict"
	OpPredictProba  = "predict_proba"
	OpScore         = "score"
	OpAlgorithmName = "algorithm_name"
	OpGetPipeline   = "get_pipeline"
	OpNewPipeline   = "new_pipeline"
	OpGenerate      = "generate"
)

// Request is one newline-terminated JSON document written to a plugin's stdin.
type Request struct {
	Op                string         `json:"op"`
	Plugin            string         `json:"plugin,omitempty"`
	Path              string         `json:"path,omitempty"`
	Payload           *Payload       `json:"payload,omitempty"`
	Model             *Payload       `json:"model,omitempty"`
	Data              *dataset.Table `json:"data,omitempty"`
	GroundTruth       *dataset.Table `json:"ground_truth,omitempty"`
	GroundTruthColumn string         `json:"ground_truth_column,omitempty"`
	ModelType         string         `json:"model_type,omitempty"`
	DataPath          string         `json:"data_path,omitempty"`
	ModelPath         string         `json:"model_path,omitempty"`
	BasePath          string         `json:"base_path,omitempty"`
	Args              map[string]any `json:"args,omitempty"`
	Config            map[string]any `json:"config,omitempty"`
}

// Response is one JSON line read from a plugin's stdout. Lines carrying only
// progress precede the final response.
type Response struct {
	OK            bool           `json:"ok"`
	Error         string         `json:"error,omitempty"`
	Payload       *Payload       `json:"payload,omitempty"`
	Supported     bool           `json:"supported,omitempty"`
	Table         *dataset.Table `json:"table,omitempty"`
	Predictions   []any          `json:"predictions,omitempty"`
	Probabilities [][]float64    `json:"probabilities,omitempty"`
	Classes       []string       `json:"classes,omitempty"`
	Score         *float64       `json:"score,omitempty"`
	Name          string         `json:"name,omitempty"`
	Results       map[string]any `json:"results,omitempty"`
	Artifacts     []string       `json:"artifacts,omitempty"`
	Progress      *float64       `json:"progress,omitempty"`
}

func (r *Response) progressOnly() bool {
	return r.Progress != nil && r.Results == nil && !r.OK && r.Error == ""
}

// Transport carries protocol requests to an out-of-process plugin.
type Transport interface {
	// Call sends req and returns the final response.
	Call(ctx context.Context, req *Request) (*Response, error)
	// Stream is Call with progress lines forwarded to onProgress.
	Stream(ctx context.Context, req *Request, onProgress func(float64)) (*Response, error)
	Close(ctx context.Context) error
}

const maxResponseLine = 64 << 20

func encodeRequest(req *Request) ([]byte, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return append(raw, '\n'), nil
}

// decodeResponses reads JSON lines from r. Non-JSON lines are ignored so that
// plugins may print diagnostics to stdout.
func decodeResponses(r io.Reader, onProgress func(float64)) (*Response, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseLine)
	var final *Response
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}
		if resp.progressOnly() {
			if onProgress != nil {
				onProgress(*resp.Progress)
			}
			continue
		}
		final = &resp
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read plugin output: %w", err)
	}
	if final == nil {
		return nil, errors.New("plugin produced no response")
	}
	return final, nil
}

func callError(name, op string, err error) error {
	return xerrors.Wrap(CodePluginCall, err, fmt.Sprintf("plugin %s op %s", name, op),
		xerrors.WithMetadata("plugin", name), xerrors.WithMetadata("op", op))
}

func remoteFailure(resp *Response) error {
	msg := strings.TrimSpace(resp.Error)
	if msg == "" {
		msg = "plugin reported failure"
	}
	return errors.New(msg)
}
