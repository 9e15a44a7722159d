package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/pkg/errors"
)

type buildCmdConfig struct {
	dir string
	env []string
	out io.Writer
}

type threadSafeBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (b *threadSafeBuffer) Write(p []byte) (n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *threadSafeBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Bytes()
}

func (b *threadSafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// execBuildCmd runs the given shell command, tail-capturing combined
// output so a failure can be reported with what the build printed.
// Unlike git invocations elsewhere, builds inherit the full process
// environment; toolchains need PATH, HOME, caches and more.
func execBuildCmd(ctx context.Context, command string, config buildCmdConfig) (string, error) {
	c := exec.CommandContext(ctx, "/bin/sh", "-c", command)

	if config.dir != "" {
		c.Dir = config.dir
	}
	c.Env = append(os.Environ(), config.env...)
	stdOutAndStdErr := &threadSafeBuffer{}
	c.Stdout = stdOutAndStdErr
	c.Stderr = stdOutAndStdErr
	if config.out != nil {
		c.Stdout = io.MultiWriter(c.Stdout, config.out)
	}

	err := c.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return stdOutAndStdErr.String(), errors.Wrap(ctx.Err(), fmt.Sprintf("running build command: %s", command))
	} else if ctx.Err() == context.Canceled {
		return stdOutAndStdErr.String(), errors.Wrap(ctx.Err(), fmt.Sprintf("context was unexpectedly cancelled when running build command: %s", command))
	}
	return stdOutAndStdErr.String(), err
}
