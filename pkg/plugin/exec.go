package plugin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	xerrors "TestEngine-Core/internal/errors"
)

// waitDelay bounds how long a killed plugin may hold its output open.
const waitDelay = 2 * time.Second

// ExecTransport runs a plugin executable once per request.
type ExecTransport struct {
	Name    string
	Path    string
	Dir     string
	Timeout time.Duration
	Env     []string
}

// Call implements Transport.
func (t *ExecTransport) Call(ctx context.Context, req *Request) (*Response, error) {
	return t.Stream(ctx, req, nil)
}

// Stream implements Transport.
func (t *ExecTransport) Stream(ctx context.Context, req *Request, onProgress func(float64)) (*Response, error) {
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	if req.Plugin == "" {
		req.Plugin = t.Name
	}
	payload, err := encodeRequest(req)
	if err != nil {
		return nil, callError(t.Name, req.Op, err)
	}

	cmd := exec.CommandContext(ctx, t.Path)
	cmd.Dir = t.Dir
	cmd.Env = append(os.Environ(), "TESTENGINE_PLUGIN_DIR="+t.Dir)
	cmd.Env = append(cmd.Env, t.Env...)
	cmd.Stdin = bytes.NewReader(payload)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.WaitDelay = waitDelay
	if err := cmd.Start(); err != nil {
		return nil, callError(t.Name, req.Op, err)
	}
	waitCh := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		_ = pw.Close()
		waitCh <- err
	}()
	resp, decodeErr := decodeResponses(pr, onProgress)
	_, _ = io.Copy(io.Discard, pr)
	waitErr := <-waitCh

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, xerrors.New(xerrors.CodeTimeout,
			fmt.Sprintf("plugin %s op %s timed out after %s", t.Name, req.Op, t.Timeout))
	}
	if waitErr != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			waitErr = fmt.Errorf("%w, stderr: %s", waitErr, msg)
		}
		return nil, callError(t.Name, req.Op, waitErr)
	}
	if decodeErr != nil {
		return nil, callError(t.Name, req.Op, decodeErr)
	}
	if !resp.OK {
		return resp, callError(t.Name, req.Op, remoteFailure(resp))
	}
	return resp, nil
}

// Close implements Transport.
func (t *ExecTransport) Close(context.Context) error { return nil }
