package agent

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// Transport frames the agent protocol: one JSON message per line.
type Transport interface {
	WriteLine(data []byte) error
	ReadLine() ([]byte, error)
	Close() error
}

// Process is the handle to the spawned agent subprocess.
type Process interface {
	PID() int
	Terminate() error
	Kill() error
	Done() <-chan error
}

// Command describes how to launch one agent backend.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// maxFrameSize bounds one protocol line; agent message chunks stay well
// under this.
const maxFrameSize = 8 * 1024 * 1024

type pipeTransport struct {
	w       io.WriteCloser
	writeMu sync.Mutex
	r       *bufio.Reader
	rc      io.Closer
}

func newPipeTransport(w io.WriteCloser, r io.ReadCloser) *pipeTransport {
	return &pipeTransport{
		w:  w,
		r:  bufio.NewReaderSize(r, 64*1024),
		rc: r,
	}
}

func (t *pipeTransport) WriteLine(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.w.Write(data); err != nil {
		return err
	}
	_, err := t.w.Write([]byte{'\n'})
	return err
}

func (t *pipeTransport) ReadLine() ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := t.r.ReadLine()
		if err != nil {
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > maxFrameSize {
			return nil, io.ErrShortBuffer
		}
		if !isPrefix {
			return line, nil
		}
	}
}

func (t *pipeTransport) Close() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.w.Close()
	return t.rc.Close()
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan error
}

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *execProcess) Done() <-chan error { return p.done }

// ExecLauncher spawns cmd with stdio pipes and a line-framed transport over
// stdin/stdout. Stderr is inherited so agent diagnostics land in the worker
// log.
func ExecLauncher(command Command) Launcher {
	return func(ctx context.Context) (Transport, Process, error) {
		cmd := exec.Command(command.Path, command.Args...)
		cmd.Dir = command.Dir
		cmd.Env = append(os.Environ(), command.Env...)
		cmd.Stderr = os.Stderr

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, nil, err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			stdin.Close()
			return nil, nil, err
		}
		if err := cmd.Start(); err != nil {
			stdin.Close()
			stdout.Close()
			return nil, nil, err
		}

		proc := &execProcess{cmd: cmd, done: make(chan error, 1)}
		go func() {
			proc.done <- cmd.Wait()
			close(proc.done)
		}()
		return newPipeTransport(stdin, stdout), proc, nil
	}
}
