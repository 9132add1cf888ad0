package main

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"shellpilot/internal/domain"
	"shellpilot/internal/infra/config"
)

// Run implements the targets command. It reads the config only; no
// component is started.
func (TargetsCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return listTargets(os.Stdout, cfg.Descriptors())
}

func listTargets(w io.Writer, targets []domain.TargetDescriptor) error {
	cell := lipgloss.NewStyle().PaddingRight(2)
	t := table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderHeader(false).
		BorderColumn(false).
		Headers("NAME", "KIND", "ADDRESS", "PLATFORM", "WORKDIR").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.PaddingRight(2)
			}
			return cell
		})
	for _, d := range targets {
		t.Row(d.Name, string(d.Kind), targetAddress(d), orDash(string(d.Platform)), orDash(d.WorkDir))
	}
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

func targetAddress(t domain.TargetDescriptor) string {
	switch t.Kind {
	case domain.TargetSSH:
		addr := t.Host
		if t.User != "" {
			addr = t.User + "@" + addr
		}
		if t.Port != 0 {
			addr = fmt.Sprintf("%s:%d", addr, t.Port)
		}
		return addr
	case domain.TargetManaged:
		return fmt.Sprintf("%s (%s)", t.InstanceID, orDash(t.Region))
	default:
		return "-"
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
