// Package harness runs one test task end to end: it loads the dataset, model
// and ground truth, runs the algorithm and validates what it returns.
package harness

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"TestEngine-Core/internal/archive"
	xerrors "TestEngine-Core/internal/errors"
	"TestEngine-Core/internal/events"
	"TestEngine-Core/internal/manager"
	"TestEngine-Core/internal/metrics"
	"TestEngine-Core/internal/task"
	"TestEngine-Core/pkg/logger"
	"TestEngine-Core/pkg/plugin"
	"TestEngine-Core/pkg/progress"
)

const component = "harness"

const (
	CodeGroundTruthMissing xerrors.Code = "HARNESS_GROUND_TRUTH_MISSING"
	CodeRowMismatch        xerrors.Code = "HARNESS_ROW_MISMATCH"
	CodeClassesMismatch    xerrors.Code = "HARNESS_CLASSES_MISMATCH"
	CodeInvalidArguments   xerrors.Code = "HARNESS_INVALID_ARGUMENTS"
	CodeAlgorithmFailed    xerrors.Code = "HARNESS_ALGORITHM_FAILED"
	CodeOutputInvalid      xerrors.Code = "HARNESS_OUTPUT_INVALID"
)

func init() {
	attr := func(cat xerrors.Category, msg string) xerrors.Attributes {
		return xerrors.Attributes{Message: msg, Category: cat, Severity: xerrors.SeverityCritical}
	}
	xerrors.Register(CodeGroundTruthMissing, attr(xerrors.CategoryData, "ground-truth column missing"))
	xerrors.Register(CodeRowMismatch, attr(xerrors.CategoryData, "dataset and ground truth differ in rows"))
	xerrors.Register(CodeClassesMismatch, attr(xerrors.CategoryData, "model classes do not match its probabilities"))
	xerrors.Register(CodeInvalidArguments, attr(xerrors.CategoryInput, "algorithm arguments violate the input schema"))
	xerrors.Register(CodeAlgorithmFailed, attr(xerrors.CategoryAlgorithm, "algorithm failed"))
	xerrors.Register(CodeOutputInvalid, attr(xerrors.CategoryAlgorithm, "algorithm output violates the output schema"))
}

// Options configures a Harness.
type Options struct {
	Registry  *plugin.Registry
	Managers  *manager.Set
	Sink      events.Sink
	Collector *xerrors.Collector
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	// ErrorFile receives the collected errors as JSON when a run fails.
	ErrorFile string
}

// Harness executes parsed tasks.
type Harness struct {
	reg       *plugin.Registry
	managers  *manager.Set
	sink      events.Sink
	collector *xerrors.Collector
	logger    *slog.Logger
	metrics   *metrics.Recorder
	errorFile string
	now       func() time.Time
}

// New creates a Harness. Missing managers are installed on the registry.
func New(opts Options) *Harness {
	if opts.Registry == nil {
		opts.Registry = plugin.NewRegistry()
	}
	if opts.Collector == nil {
		opts.Collector = xerrors.Default()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Named(component)
	}
	if opts.Managers == nil {
		opts.Managers = manager.Install(opts.Registry, manager.Options{Collector: opts.Collector, Logger: opts.Logger})
	}
	if opts.Sink == nil {
		opts.Sink = events.Nop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	return &Harness{
		reg:       opts.Registry,
		managers:  opts.Managers,
		sink:      opts.Sink,
		collector: opts.Collector,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		errorFile: opts.ErrorFile,
		now:       time.Now,
	}
}

// RunRequest parses raw as a task request and runs it.
func (h *Harness) RunRequest(ctx context.Context, raw []byte) (*task.Result, error) {
	t, err := h.Parse(ctx, raw)
	if err != nil {
		return nil, err
	}
	return h.Run(ctx, t)
}

// Parse binds raw to a registered algorithm. A rejected request is handled
// like a failed run: recorded, written to the error file and published.
func (h *Harness) Parse(ctx context.Context, raw []byte) (*task.Task, error) {
	t, err := task.Parse(raw, h.reg)
	if err != nil {
		h.collector.Record(err, "task-parser")
		h.finishFailed(ctx, "", err)
		return nil, err
	}
	return t, nil
}

// Run executes t. The model is cleaned up on every path.
func (h *Harness) Run(ctx context.Context, t *task.Task) (*task.Result, error) {
	log := logger.ForTask(t.ID, t.AlgorithmID)
	log.Info("task started", "test_dataset", t.TestDataset, "model_file", t.ModelFile)

	began := h.now()
	res, err := h.run(ctx, t, log)
	if err != nil {
		log.Error("task failed", "error", err, "code", xerrors.CodeOf(err))
		h.metrics.ObserveTask(t.AlgorithmID, metrics.OutcomeFailed, h.now().Sub(began))
		h.metrics.ObserveFailure(t.AlgorithmID, string(xerrors.CategoryOf(err)))
		h.finishFailed(ctx, t.ID, err)
		return nil, err
	}
	h.metrics.ObserveTask(t.AlgorithmID, metrics.OutcomeSucceeded, h.now().Sub(began))
	if err := h.sink.Publish(ctx, events.Completed(t.ID, res)); err != nil {
		log.Warn("result event not delivered", "error", err)
	}
	logger.Audit().Info("task succeeded", "task_id", t.ID, "algorithm", t.AlgorithmID, "time_taken", res.TimeTaken)
	return res, nil
}

func (h *Harness) finishFailed(ctx context.Context, taskID string, err error) {
	if h.errorFile != "" {
		if werr := h.collector.WriteFile(h.errorFile); werr != nil {
			h.logger.Error("error file not written", "path", h.errorFile, "error", werr)
		}
	}
	if perr := h.sink.Publish(ctx, events.Failed(taskID, err.Error(), h.collector.Entries())); perr != nil {
		h.logger.Warn("error event not delivered", "task_id", taskID, "error", perr)
	}
	logger.Audit().Warn("task failed", "task_id", taskID, "error", err.Error(), "error_code", string(xerrors.CodeOf(err)))
}

// fail records an error raised by the harness itself. Manager errors are
// recorded where they happen.
func (h *Harness) fail(err error) error {
	h.collector.Record(err, component)
	return err
}

type loadedModel struct {
	model   plugin.Model
	raw     any
	release func()
}

func (h *Harness) run(ctx context.Context, t *task.Task, log *slog.Logger) (*task.Result, error) {
	if t.Mode == task.ModeAPI {
		return nil, h.fail(xerrors.New(task.CodeAPIModeUnsupported, "api mode tasks are not supported"))
	}
	if t.Plugin == nil {
		return nil, h.fail(xerrors.New(task.CodeAlgorithmNotFound, fmt.Sprintf("algorithm %s is not bound", t.AlgorithmID)))
	}
	meta := t.Meta
	if !meta.SupportsModelType(t.ModelType) {
		return nil, h.fail(xerrors.New(task.CodeModelTypeRejected,
			fmt.Sprintf("algorithm %s supports %v, not %s", t.AlgorithmID, meta.ModelTypes, t.ModelType)))
	}

	done := h.metrics.Time("load_data")
	dataRes, err := h.managers.Data.Read(ctx, t.TestDataset)
	done()
	if err != nil {
		return nil, err
	}
	defer dataRes.Close()
	data := dataRes.Data
	if dataRes.Mixed {
		log.Warn("dataset directory held several formats, using the first", "files", len(dataRes.Files))
	}

	done = h.metrics.Time("load_model")
	lm, err := h.loadModel(ctx, t.ModelFile)
	done()
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := lm.model.Cleanup(); cerr != nil {
			log.Warn("model cleanup failed", "error", cerr)
		}
		lm.release()
	}()

	original := data.Clone()
	var truth plugin.Data
	if meta.RequireGroundTruth {
		done = h.metrics.Time("ground_truth")
		var truthRes *manager.DataResult
		truth, truthRes, err = h.groundTruth(ctx, t, data)
		done()
		if err != nil {
			return nil, err
		}
		defer truthRes.Close()
	}

	args := t.AlgorithmArgs
	if args == nil {
		args = map[string]any{}
	}
	if meta.InputSchema != nil {
		args = meta.InputSchema.ApplyDefaults(args)
		if err := meta.InputSchema.Check("algorithm arguments", args); err != nil {
			return nil, h.fail(xerrors.Wrap(CodeInvalidArguments, err, "algorithm "+t.AlgorithmID))
		}
	}

	reporter := progress.New(0, func(percent int) {
		log.Debug("progress", "percent", percent)
		if err := h.sink.Publish(ctx, events.Progress(t.ID, percent)); err != nil {
			log.Warn("progress event not delivered", "error", err)
		}
	})
	start := h.now()
	alg, err := newAlgorithm(t.Plugin, plugin.AlgorithmInput{
		Data:              data,
		Model:             checkClasses(lm.model),
		GroundTruth:       truth,
		OriginalData:      original,
		OriginalModel:     lm.raw,
		GroundTruthColumn: t.GroundTruth,
		ModelType:         t.ModelType,
		Logger:            log,
		Progress:          func(p int) { reporter.Update(float64(p) / 100) },
		BasePath:          meta.BasePath,
		Args:              args,
		DataPath:          t.TestDataset,
		ModelPath:         t.ModelFile,
		GroundTruthPath:   t.GroundTruthDataset,
	})
	if err != nil {
		return nil, h.fail(err)
	}
	done = h.metrics.Time("algorithm")
	err = execute(ctx, alg)
	done()
	if err != nil {
		return nil, h.fail(err)
	}
	output, err := results(alg)
	if err != nil {
		return nil, h.fail(err)
	}
	if meta.OutputSchema != nil {
		if err := meta.OutputSchema.Check("algorithm output", output); err != nil {
			return nil, h.fail(xerrors.Wrap(CodeOutputInvalid, err, "algorithm "+t.AlgorithmID))
		}
	}
	elapsed := h.now().Sub(start)
	reporter.Update(1)

	var artifacts []string
	if ap, ok := alg.(plugin.ArtifactProducer); ok {
		artifacts = ap.Artifacts()
	}
	if artifacts == nil {
		artifacts = []string{}
	}
	return &task.Result{
		GID:           t.GID,
		CID:           t.CID,
		Version:       meta.Version,
		StartTime:     start.UTC(),
		TimeTaken:     elapsed.Seconds(),
		TestArguments: t.Arguments(),
		Output:        output,
		Artifacts:     artifacts,
	}, nil
}

// loadModel reads a model file, or a pipeline when path is a directory or an
// archive.
func (h *Harness) loadModel(ctx context.Context, path string) (*loadedModel, error) {
	if info, err := os.Stat(path); err == nil && (info.IsDir() || archive.IsArchive(path)) {
		res, err := h.managers.Pipeline.ReadPath(ctx, path)
		if err != nil {
			return nil, err
		}
		return &loadedModel{model: res.Pipeline, raw: res.Pipeline.Pipeline(), release: res.Close}, nil
	}
	res, err := h.managers.Model.ReadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return &loadedModel{model: res.Model, raw: res.Model.Raw(), release: func() {}}, nil
}

// groundTruth loads the ground-truth dataset, keeps only the ground-truth
// column there and drops it from data. The caller closes the returned result.
func (h *Harness) groundTruth(ctx context.Context, t *task.Task, data plugin.Data) (_ plugin.Data, _ *manager.DataResult, err error) {
	res, err := h.managers.Data.Read(ctx, t.GroundTruthDataset)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if err != nil {
			res.Close()
		}
	}()
	truth := res.Data
	if t.GroundTruthDataset == t.TestDataset {
		truth = truth.Clone()
	}
	col := t.GroundTruth
	if !slices.Contains(truth.Labels(), col) {
		return nil, nil, h.fail(xerrors.New(CodeGroundTruthMissing,
			fmt.Sprintf("ground-truth column %q not found in %s", col, t.GroundTruthDataset)))
	}
	if !slices.Contains(data.Labels(), col) {
		return nil, nil, h.fail(xerrors.New(CodeGroundTruthMissing,
			fmt.Sprintf("ground-truth column %q not found in %s", col, t.TestDataset)))
	}
	if err := truth.KeepOnly(col); err != nil {
		return nil, nil, h.fail(xerrors.Wrap(CodeGroundTruthMissing, err, "extract ground truth"))
	}
	if err := data.Drop(col); err != nil {
		return nil, nil, h.fail(xerrors.Wrap(CodeGroundTruthMissing, err, "drop ground truth from dataset"))
	}
	dataRows, _ := data.Shape()
	truthRows, _ := truth.Shape()
	if dataRows != truthRows {
		return nil, nil, h.fail(xerrors.New(CodeRowMismatch,
			fmt.Sprintf("dataset has %d rows, ground truth has %d", dataRows, truthRows)))
	}
	return truth, res, nil
}
