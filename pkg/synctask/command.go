package synctask

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

const (
	outputTail = 512
	killGrace  = 2 * time.Second
)

// Command runs an external program as the sync task. The task name is passed in the
// SYNC_TASK environment variable and each param as SYNC_PARAM_<KEY>, the key upper-cased with
// anything outside [A-Z0-9_] turned into '_'. A non-zero exit is a failure carrying the tail
// of the output.
type Command struct {
	Argv []string
	Env  []string
}

// ParseCommand splits a command line on whitespace.
func ParseCommand(line string) (*Command, error) {
	argv := strings.Fields(line)
	if len(argv) == 0 {
		return nil, errors.New("synctask: empty command")
	}
	return &Command{Argv: argv}, nil
}

func (c *Command) Run(ctx context.Context, name string, params map[string]string) error {
	if len(c.Argv) == 0 {
		return errors.New("synctask: empty command")
	}
	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Env = append(append(os.Environ(), c.Env...), "SYNC_TASK="+name)
	for k, v := range params {
		cmd.Env = append(cmd.Env, "SYNC_PARAM_"+envKey(k)+"="+v)
	}
	cmd.WaitDelay = killGrace

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if tail := tailOf(out.Bytes()); tail != "" {
			return fmt.Errorf("%s: %w: %s", c.Argv[0], err, tail)
		}
		return fmt.Errorf("%s: %w", c.Argv[0], err)
	}
	return nil
}

func envKey(k string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, k)
}

func tailOf(b []byte) string {
	b = bytes.TrimSpace(b)
	if len(b) > outputTail {
		b = b[len(b)-outputTail:]
	}
	return string(b)
}
