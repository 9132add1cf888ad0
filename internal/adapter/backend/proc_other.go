//go:build !unix

package backend

import "os/exec"

func isolate(*exec.Cmd) {}

func killTree(c *exec.Cmd) {
	if c.Process != nil {
		_ = c.Process.Kill()
	}
}
