//go:build unix

package backend

import (
	"os/exec"
	"syscall"
)

// isolate puts the shell in its own process group so a timeout can take
// down every child holding the output pipes.
func isolate(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killTree(c *exec.Cmd) {
	if c.Process == nil {
		return
	}
	if err := syscall.Kill(-c.Process.Pid, syscall.SIGKILL); err != nil {
		_ = c.Process.Kill()
	}
}
