package task

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"

	"TestEngine-Core/internal/bundle"
	xerrors "TestEngine-Core/internal/errors"
	"TestEngine-Core/internal/fetch"
	"TestEngine-Core/pkg/plugin"
	"TestEngine-Core/pkg/schema"
)

//go:embed schemas/task.schema.json
var taskSchemaJSON []byte

var taskSchema = schema.MustCompile(taskSchemaJSON)

// ParseFile reads a task request from path.
func ParseFile(path string, reg *plugin.Registry) (*Task, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(CodeMalformed, err, "read task "+path)
	}
	return Parse(raw, reg)
}

// Parse decodes and validates a task request and binds its algorithm from reg.
// Every failed check is reported; a single failure is returned as is.
func Parse(raw []byte, reg *plugin.Registry) (*Task, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, xerrors.Wrap(CodeMalformed, err, "decode task request")
	}
	if mode, _ := doc["mode"].(string); Mode(mode) == ModeAPI {
		return nil, xerrors.New(CodeAPIModeUnsupported, "api mode tasks are not supported, upload the model file instead")
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, xerrors.Wrap(CodeMalformed, err, "decode task request")
	}

	var problems []error
	schemaErr := taskSchema.Check("task request", doc)
	if schemaErr != nil {
		problems = append(problems, xerrors.Wrap(CodeInvalid, schemaErr, "task request"))
	}
	if schemaErr == nil && !req.ModelType.Valid() {
		problems = append(problems, xerrors.New(CodeInvalid, fmt.Sprintf("modelType %q is not recognized", req.ModelType)))
	}
	hasAPI := req.APISchema != nil || req.APIConfig != nil
	switch {
	case req.ModelFile == "" && !hasAPI:
		problems = append(problems, xerrors.New(CodeInvalid, "modelFile is required"))
	case req.ModelFile != "" && hasAPI:
		problems = append(problems, xerrors.New(CodeInvalid, "modelFile and apiSchema/apiConfig are mutually exclusive"))
	}

	t := &Task{Request: req}
	if gid, cid, ok := bundle.ParseAlgorithmID(req.AlgorithmID); ok {
		t.GID, t.CID = gid, cid
		if err := t.bind(reg); err != nil {
			problems = append(problems, err)
		}
	} else if schemaErr == nil {
		problems = append(problems, xerrors.New(CodeInvalid, fmt.Sprintf("algorithmId %q is not of the form algo:<gid>:<cid>", req.AlgorithmID)))
	}

	if t.Plugin != nil && t.Meta.RequireGroundTruth {
		if req.GroundTruth == "" {
			problems = append(problems, xerrors.New(CodeInvalid, fmt.Sprintf("algorithm %s requires groundTruth", req.AlgorithmID)))
		}
		if t.GroundTruthDataset == "" {
			t.GroundTruthDataset = req.TestDataset
		}
	}
	for _, f := range []struct{ field, path string }{
		{"testDataset", req.TestDataset},
		{"modelFile", req.ModelFile},
		{"groundTruthDataset", req.GroundTruthDataset},
	} {
		if f.path == "" || fetch.IsURL(f.path) {
			continue
		}
		if _, err := os.Stat(f.path); err != nil {
			problems = append(problems, xerrors.New(CodeFileNotFound, fmt.Sprintf("%s %s does not exist", f.field, f.path)))
		}
	}

	switch len(problems) {
	case 0:
	case 1:
		return nil, problems[0]
	default:
		return nil, xerrors.Wrap(CodeInvalid, errors.Join(problems...), fmt.Sprintf("task request has %d problems", len(problems)))
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return t, nil
}

func (t *Task) bind(reg *plugin.Registry) error {
	if reg == nil {
		return xerrors.New(CodeAlgorithmNotFound, "no plugin registry to resolve "+t.AlgorithmID)
	}
	mod, err := reg.Lookup(plugin.CategoryAlgorithm, t.AlgorithmID)
	if err != nil {
		return xerrors.Wrap(CodeAlgorithmNotFound, err, fmt.Sprintf("algorithm %s", t.AlgorithmID))
	}
	ap, ok := mod.Adapter.(plugin.AlgorithmPlugin)
	if !ok {
		return xerrors.New(CodeAlgorithmNotFound, fmt.Sprintf("%s is not an algorithm plugin", t.AlgorithmID))
	}
	t.Module, t.Plugin, t.Meta = mod, ap, ap.Meta()
	if t.ModelType.Valid() && !t.Meta.SupportsModelType(t.ModelType) {
		return xerrors.New(CodeModelTypeRejected, fmt.Sprintf("algorithm %s supports %v, not %s", t.AlgorithmID, t.Meta.ModelTypes, t.ModelType))
	}
	return nil
}
