package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shellpilot/internal/domain"
)

func TestListTargets(t *testing.T) {
	targets := []domain.TargetDescriptor{
		domain.LocalTarget(),
		{Name: "web", Kind: domain.TargetSSH, Host: "10.0.0.5", User: "ops", Port: 2222, Password: "hunter2", Platform: domain.PlatformLinux},
		{Name: "win", Kind: domain.TargetManaged, InstanceID: "i-0abc", Region: "eu-west-1", Platform: domain.PlatformWindows, WorkDir: `C:\app`},
	}

	var buf bytes.Buffer
	require.NoError(t, listTargets(&buf, targets))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "NAME"))
	assert.Contains(t, lines[1], "local")
	assert.Contains(t, lines[2], "ops@10.0.0.5:2222")
	assert.Contains(t, lines[3], "i-0abc (eu-west-1)")
	assert.Contains(t, lines[3], `C:\app`)
	assert.NotContains(t, buf.String(), "hunter2")
}
