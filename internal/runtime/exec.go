package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// ErrExecStillRunning is returned when a command outlives the exit poll budget.
var ErrExecStillRunning = errors.New("exec still running")

// ExitError is returned by RunToCompletion when the command exits non-zero.
type ExitError struct {
	Cmd      []string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("command exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("command exited with code %d: %s", e.ExitCode, e.Stderr)
}

type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// RunToCompletion executes argv inside a running container and waits for it
// to exit. A non-zero exit yields an *ExitError carrying stderr.
func (c *Client) RunToCompletion(ctx context.Context, containerID string, argv []string) (ExecResult, error) {
	if len(argv) == 0 {
		return ExecResult{}, errors.New("exec: empty command")
	}
	created, err := c.docker.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec create: %w", mapErr(err))
	}
	attached, err := c.docker.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec attach: %w", mapErr(err))
	}
	defer attached.Close()

	stdout, stderr, err := demux(attached.Reader)
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec read output: %w", err)
	}
	code, err := c.waitExit(ctx, created.ID)
	if err != nil {
		return ExecResult{}, err
	}
	res := ExecResult{ExitCode: code, Stdout: stdout, Stderr: stderr}
	if code != 0 {
		return res, &ExitError{Cmd: argv, ExitCode: code, Stderr: trimOutput(stderr)}
	}
	return res, nil
}

// demux splits the engine's multiplexed stdout/stderr framing.
func demux(r io.Reader) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, r); err != nil {
		return nil, nil, err
	}
	return stdout.Bytes(), stderr.Bytes(), nil
}

// waitExit polls the exec until the engine reports it finished; the output
// stream can close slightly before the exit code is recorded.
func (c *Client) waitExit(ctx context.Context, execID string) (int, error) {
	for i := 0; ; i++ {
		info, err := c.docker.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 0, fmt.Errorf("exec inspect: %w", mapErr(err))
		}
		if !info.Running {
			return info.ExitCode, nil
		}
		if i+1 >= c.execMaxPolls {
			return 0, fmt.Errorf("exec %s: %w after %s", execID, ErrExecStillRunning, time.Duration(c.execMaxPolls)*c.execPoll)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(c.execPoll):
		}
	}
}

type AttachOptions struct {
	User  string
	Shell string
	TTY   bool
}

// AttachInteractive starts an interactive shell as opts.User and returns a
// duplex stream: writes go to the shell's stdin, reads yield plain output bytes.
func (c *Client) AttachInteractive(ctx context.Context, containerID string, opts AttachOptions) (io.ReadWriteCloser, error) {
	shell := opts.Shell
	if shell == "" {
		shell = "/bin/bash"
	}
	created, err := c.docker.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		User:         opts.User,
		Cmd:          []string{shell},
		Tty:          opts.TTY,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", mapErr(err))
	}
	attached, err := c.docker.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{Tty: opts.TTY})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", mapErr(err))
	}
	return newExecStream(attached, opts.TTY), nil
}

type execStream struct {
	resp      types.HijackedResponse
	r         io.Reader
	pr        *io.PipeReader
	closeOnce sync.Once
}

func newExecStream(resp types.HijackedResponse, tty bool) *execStream {
	s := &execStream{resp: resp, r: resp.Reader}
	if !tty {
		s.pr = demuxPipe(resp.Reader)
		s.r = s.pr
	}
	return s
}

// demuxPipe copies framed output into a pipe, merging stdout and stderr.
func demuxPipe(src io.Reader) *io.PipeReader {
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, src)
		_ = pw.CloseWithError(err)
	}()
	return pr
}

func (s *execStream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *execStream) Write(p []byte) (int, error) { return s.resp.Conn.Write(p) }

func (s *execStream) Close() error {
	s.closeOnce.Do(func() {
		s.resp.Close()
		if s.pr != nil {
			_ = s.pr.Close()
		}
	})
	return nil
}
