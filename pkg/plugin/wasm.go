package plugin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	xerrors "TestEngine-Core/internal/errors"
)

// WasmRuntime owns the wazero runtime shared by every wasm plugin.
type WasmRuntime struct {
	mu      sync.Mutex
	runtime wazero.Runtime
	closed  bool
}

// NewWasmRuntime creates a runtime with WASI preview1 instantiated.
func NewWasmRuntime(ctx context.Context) (*WasmRuntime, error) {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	r := wazero.NewRuntimeWithConfig(ctx, cfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}
	return &WasmRuntime{runtime: r}, nil
}

// Compile validates and compiles module bytes into a transport.
func (w *WasmRuntime) Compile(ctx context.Context, name string, module []byte, dir string, timeout time.Duration) (*WasmTransport, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, errors.New("wasm runtime closed")
	}
	compiled, err := w.runtime.CompileModule(ctx, module)
	if err != nil {
		return nil, fmt.Errorf("failed to compile module: %w", err)
	}
	return &WasmTransport{
		Name:     name,
		Dir:      dir,
		Timeout:  timeout,
		runtime:  w.runtime,
		compiled: compiled,
	}, nil
}

// Close releases every module compiled by this runtime.
func (w *WasmRuntime) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.runtime.Close(ctx)
}

// WasmTransport runs a WASI command module once per request. The plugin
// directory is mounted read-only at /plugin; paths in the request are
// remapped under /mnt.
type WasmTransport struct {
	Name    string
	Dir     string
	Timeout time.Duration

	runtime  wazero.Runtime
	compiled wazero.CompiledModule
}

// Call implements Transport.
func (t *WasmTransport) Call(ctx context.Context, req *Request) (*Response, error) {
	return t.Stream(ctx, req, nil)
}

// Stream implements Transport. Output is buffered, so progress lines are
// delivered after the module exits.
func (t *WasmTransport) Stream(ctx context.Context, req *Request, onProgress func(float64)) (*Response, error) {
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	if req.Plugin == "" {
		req.Plugin = t.Name
	}
	fsCfg := wazero.NewFSConfig()
	if t.Dir != "" {
		fsCfg = fsCfg.WithReadOnlyDirMount(t.Dir, "/plugin")
	}
	mapped := *req
	mounts := map[string]string{}
	remap := func(p string) string {
		if p == "" {
			return p
		}
		dir := filepath.Dir(p)
		guest, ok := mounts[dir]
		if !ok {
			guest = fmt.Sprintf("/mnt/%d", len(mounts))
			mounts[dir] = guest
			fsCfg = fsCfg.WithReadOnlyDirMount(dir, guest)
		}
		return guest + "/" + filepath.Base(p)
	}
	mapped.Path = remap(req.Path)
	mapped.DataPath = remap(req.DataPath)
	mapped.ModelPath = remap(req.ModelPath)
	if req.Payload != nil && req.Payload.Path != "" {
		p := *req.Payload
		p.Path = remap(p.Path)
		mapped.Payload = &p
	}

	payload, err := encodeRequest(&mapped)
	if err != nil {
		return nil, callError(t.Name, req.Op, err)
	}
	var stdout, stderr bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs(t.Name).
		WithStdin(bytes.NewReader(payload)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithFSConfig(fsCfg).
		WithStartFunctions("_start")

	mod, err := t.runtime.InstantiateModule(ctx, t.compiled, cfg)
	if mod != nil {
		defer func() { _ = mod.Close(context.Background()) }()
	}
	if err != nil {
		var exitErr *sys.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return nil, xerrors.New(xerrors.CodeTimeout,
				fmt.Sprintf("plugin %s op %s timed out after %s", t.Name, req.Op, t.Timeout))
		case errors.As(err, &exitErr) && exitErr.ExitCode() == 0:
		default:
			if msg := stderr.String(); msg != "" {
				err = fmt.Errorf("%w, stderr: %s", err, msg)
			}
			return nil, callError(t.Name, req.Op, err)
		}
	}
	resp, err := decodeResponses(&stdout, onProgress)
	if err != nil {
		return nil, callError(t.Name, req.Op, err)
	}
	if !resp.OK {
		return resp, callError(t.Name, req.Op, remoteFailure(resp))
	}
	return resp, nil
}

// Close implements Transport.
func (t *WasmTransport) Close(ctx context.Context) error {
	if t.compiled == nil {
		return nil
	}
	return t.compiled.Close(ctx)
}
