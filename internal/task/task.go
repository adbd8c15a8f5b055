// Package task parses test task requests and defines the result record a run
// produces.
package task

import (
	"strings"
	"time"

	xerrors "TestEngine-Core/internal/errors"
	"TestEngine-Core/pkg/plugin"
)

// Mode says where the model under test comes from.
type Mode string

const (
	ModeUpload Mode = "upload"
	ModeAPI    Mode = "api"
)

// Request is the task JSON submitted by a caller.
type Request struct {
	ID                 string           `json:"id,omitempty"`
	Mode               Mode             `json:"mode"`
	TestDataset        string           `json:"testDataset"`
	ModelFile          string           `json:"modelFile,omitempty"`
	ModelType          plugin.ModelType `json:"modelType"`
	GroundTruthDataset string           `json:"groundTruthDataset,omitempty"`
	GroundTruth        string           `json:"groundTruth,omitempty"`
	AlgorithmID        string           `json:"algorithmId"`
	AlgorithmArgs      map[string]any   `json:"algorithmArgs,omitempty"`
	APISchema          map[string]any   `json:"apiSchema,omitempty"`
	APIConfig          map[string]any   `json:"apiConfig,omitempty"`
}

// Task is a parsed request bound to its algorithm.
type Task struct {
	Request
	GID    string
	CID    string
	Module *plugin.Module
	Plugin plugin.AlgorithmPlugin
	Meta   plugin.AlgorithmMeta
}

// Result is the record a successful run emits.
type Result struct {
	GID           string         `json:"gid"`
	CID           string         `json:"cid"`
	Version       string         `json:"version,omitempty"`
	StartTime     time.Time      `json:"startTime"`
	TimeTaken     float64        `json:"timeTaken"`
	TestArguments map[string]any `json:"testArguments"`
	Output        map[string]any `json:"output"`
	Artifacts     []string       `json:"artifacts"`
}

const (
	CodeMalformed          xerrors.Code = "TASK_MALFORMED"
	CodeInvalid            xerrors.Code = "TASK_INVALID"
	CodeAPIModeUnsupported xerrors.Code = "TASK_API_MODE_UNSUPPORTED"
	CodeAlgorithmNotFound  xerrors.Code = "TASK_ALGORITHM_NOT_FOUND"
	CodeModelTypeRejected  xerrors.Code = "TASK_MODEL_TYPE_UNSUPPORTED"
	CodeFileNotFound       xerrors.Code = "TASK_FILE_NOT_FOUND"
)

func init() {
	inp := func(msg string) xerrors.Attributes {
		return xerrors.Attributes{Message: msg, Category: xerrors.CategoryInput, Severity: xerrors.SeverityCritical}
	}
	xerrors.Register(CodeMalformed, inp("task request is not valid JSON"))
	xerrors.Register(CodeInvalid, inp("task request failed validation"))
	xerrors.Register(CodeAlgorithmNotFound, inp("algorithm is not installed"))
	xerrors.Register(CodeModelTypeRejected, inp("algorithm does not support the model type"))
	xerrors.Register(CodeFileNotFound, inp("task file does not exist"))
	xerrors.Register(CodeAPIModeUnsupported, xerrors.Attributes{
		Message:  "api mode is not supported",
		Category: xerrors.CategorySystem,
		Severity: xerrors.SeverityCritical,
	})
}

var secretKeys = []string{"password", "secret", "token", "apikey", "api_key", "credential"}

// Arguments echoes the request for the result record. API configuration is
// left out and secret-looking algorithm arguments are masked.
func (r Request) Arguments() map[string]any {
	out := map[string]any{
		"mode":        r.Mode,
		"testDataset": r.TestDataset,
		"modelType":   r.ModelType,
		"algorithmId": r.AlgorithmID,
	}
	if r.ID != "" {
		out["id"] = r.ID
	}
	if r.ModelFile != "" {
		out["modelFile"] = r.ModelFile
	}
	if r.GroundTruthDataset != "" {
		out["groundTruthDataset"] = r.GroundTruthDataset
	}
	if r.GroundTruth != "" {
		out["groundTruth"] = r.GroundTruth
	}
	args := make(map[string]any, len(r.AlgorithmArgs))
	for k, v := range r.AlgorithmArgs {
		if isSecret(k) {
			v = "***"
		}
		args[k] = v
	}
	out["algorithmArgs"] = args
	return out
}

func isSecret(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range secretKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
