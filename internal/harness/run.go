package harness

import (
	"context"
	"fmt"

	xerrors "TestEngine-Core/internal/errors"
	"TestEngine-Core/internal/task"
	"TestEngine-Core/pkg/plugin"
)

// guard converts a panic inside an algorithm call into an ALG error.
func guard(stage string, err *error) {
	if r := recover(); r != nil {
		*err = xerrors.New(CodeAlgorithmFailed, fmt.Sprintf("algorithm panicked during %s: %v", stage, r))
	}
}

func algorithmError(stage string, err error) error {
	if xerrors.CodeOf(err) != xerrors.CodeUnknown {
		return err
	}
	return xerrors.Wrap(CodeAlgorithmFailed, err, stage)
}

func newAlgorithm(p plugin.AlgorithmPlugin, in plugin.AlgorithmInput) (alg plugin.Algorithm, err error) {
	defer guard("construction", &err)
	alg, err = p.New(in)
	if err != nil {
		return nil, algorithmError("construct algorithm", err)
	}
	if alg == nil {
		return nil, xerrors.New(CodeAlgorithmFailed, "algorithm plugin returned no instance")
	}
	return alg, nil
}

func execute(ctx context.Context, alg plugin.Algorithm) (err error) {
	defer guard("generate", &err)
	if err := alg.Setup(ctx); err != nil {
		return algorithmError("setup", err)
	}
	if err := alg.Generate(ctx); err != nil {
		return algorithmError("generate", err)
	}
	return nil
}

// results collects the algorithm output with non-finite numbers replaced.
func results(alg plugin.Algorithm) (out map[string]any, err error) {
	defer guard("results", &err)
	raw, err := alg.Results()
	if err != nil {
		return nil, algorithmError("results", err)
	}
	return task.SanitizeMap(raw), nil
}
