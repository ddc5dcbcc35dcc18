package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/hkuds/filecage/internal/config"
	"github.com/hkuds/filecage/internal/result"
	"github.com/hkuds/filecage/internal/sandbox"
)

// Status display styles.
var (
	statusTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("205")).
				MarginBottom(1).
				Padding(0, 1)

	statusBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(1, 2).
			Width(60)

	statusSectionStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("39")).
				MarginTop(1)

	statusLabelStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("252")).
				Width(20)

	statusValueStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("255"))

	statusOKStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("82")).
			Bold(true)

	statusMutedStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240"))

	statusWarningStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("214"))

	statusErrorStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("196")).
				Bold(true)
)

// ShowStatus displays the current configuration and pool state.
func ShowStatus(cfg *config.Config, stats sandbox.PoolStats) error {
	var sb strings.Builder

	sb.WriteString(statusTitleStyle.Render("filecage Status"))
	sb.WriteString("\n\n")

	sb.WriteString(statusSectionStyle.Render("Container Runtime"))
	sb.WriteString("\n")
	sb.WriteString(renderRuntimeStatus(stats))
	sb.WriteString("\n")

	sb.WriteString(statusSectionStyle.Render("Sandbox"))
	sb.WriteString("\n")
	sb.WriteString(renderSandboxStatus(cfg))
	sb.WriteString("\n")

	sb.WriteString(statusSectionStyle.Render("Archive Limits"))
	sb.WriteString("\n")
	sb.WriteString(renderArchiveStatus(cfg))
	sb.WriteString("\n")

	sb.WriteString(statusSectionStyle.Render("Results"))
	sb.WriteString("\n")
	sb.WriteString(renderStoreStatus(cfg))

	fmt.Println(statusBoxStyle.Render(sb.String()))
	return nil
}

func renderRuntimeStatus(stats sandbox.PoolStats) string {
	var sb strings.Builder

	if stats.Degraded {
		sb.WriteString(renderStatusRow("Engine", statusErrorStyle.Render("unreachable (docker_required)")))
		sb.WriteString(renderStatusRow("", statusWarningStyle.Render("no verdicts until the runtime is back")))
		return sb.String()
	}

	sb.WriteString(renderStatusRow("Engine", statusOKStyle.Render("reachable")))
	if stats.WarmID != "" {
		sb.WriteString(renderStatusRow("Warm container", statusValueStyle.Render(shortID(stats.WarmID))))
		sb.WriteString(renderStatusRow("  State", statusValueStyle.Render(string(stats.WarmStatus))))
	} else if stats.WarmBroken {
		sb.WriteString(renderStatusRow("Warm container", statusWarningStyle.Render("broken, ephemeral-only")))
	} else {
		sb.WriteString(renderStatusRow("Warm container", statusMutedStyle.Render("not started")))
	}
	sb.WriteString(renderStatusRow("Max ephemeral", statusValueStyle.Render(fmt.Sprintf("%d", stats.MaxEphemeral))))

	return sb.String()
}

func renderSandboxStatus(cfg *config.Config) string {
	var sb strings.Builder

	sb.WriteString(renderStatusRow("Image", statusValueStyle.Render(cfg.Sandbox.Image)))
	sb.WriteString(renderStatusRow("Memory", statusValueStyle.Render(cfg.Sandbox.Memory)))
	sb.WriteString(renderStatusRow("CPU", statusValueStyle.Render(fmt.Sprintf("%.0f%%", cfg.Sandbox.CPUPercent*100))))
	sb.WriteString(renderStatusRow("Max wall time", statusValueStyle.Render(fmt.Sprintf("%ds", cfg.Sandbox.MaxWallTime))))
	sb.WriteString(renderStatusRow("Network", statusOKStyle.Render("none (always)")))
	sb.WriteString(renderStatusRow("Root filesystem", statusOKStyle.Render("read-only (always)")))

	return sb.String()
}

func renderArchiveStatus(cfg *config.Config) string {
	var sb strings.Builder

	sb.WriteString(renderStatusRow("Max entries", statusValueStyle.Render(fmt.Sprintf("%d", cfg.Archive.MaxEntries))))
	sb.WriteString(renderStatusRow("Max entry size", statusValueStyle.Render(cfg.Archive.MaxEntrySize)))
	sb.WriteString(renderStatusRow("Max total size", statusValueStyle.Render(cfg.Archive.MaxTotalSize)))
	sb.WriteString(renderStatusRow("Max depth", statusValueStyle.Render(fmt.Sprintf("%d", cfg.Archive.MaxDepth))))

	return sb.String()
}

func renderStoreStatus(cfg *config.Config) string {
	var sb strings.Builder

	sb.WriteString(renderStatusRow("Retention", statusValueStyle.Render(fmt.Sprintf("%dm", cfg.Store.TTLMinutes))))
	sb.WriteString(renderStatusRow("Eviction sweep", statusValueStyle.Render(fmt.Sprintf("%ds", cfg.Store.SweepSeconds))))

	return sb.String()
}

// ShowResult displays one job result.
func ShowResult(res result.ProcessingResult) {
	var sb strings.Builder

	sb.WriteString(statusTitleStyle.Render("Analysis Result"))
	sb.WriteString("\n\n")

	if res.DockerRequired {
		sb.WriteString(renderStatusRow("Verdict", statusErrorStyle.Render("unavailable (docker_required)")))
		fmt.Println(statusBoxStyle.Render(sb.String()))
		return
	}

	if res.Success {
		sb.WriteString(renderStatusRow("Status", statusOKStyle.Render("completed")))
	} else {
		sb.WriteString(renderStatusRow("Status", statusErrorStyle.Render("failed")))
		sb.WriteString(renderStatusRow("Reason", statusWarningStyle.Render(res.FailureReason)))
	}

	sb.WriteString(renderStatusRow("Preview type", statusValueStyle.Render(res.PreviewType)))
	sb.WriteString(renderStatusRow("Score", renderScore(res.BehavioralScore)))
	sb.WriteString(renderStatusRow("Sandboxed", renderBool(res.SecureProcessing)))
	sb.WriteString(renderStatusRow("Elapsed", statusValueStyle.Render(res.ExecutionTime.String())))

	if len(res.Behaviors) > 0 {
		sb.WriteString("\n")
		sb.WriteString(statusSectionStyle.Render("Behaviors"))
		sb.WriteString("\n")
		for _, b := range res.Behaviors {
			sb.WriteString(renderStatusRow("", statusWarningStyle.Render(b)))
		}
	}
	if len(res.ThreatIndicators) > 0 {
		sb.WriteString("\n")
		sb.WriteString(statusSectionStyle.Render("Threat Indicators"))
		sb.WriteString("\n")
		for _, ti := range res.ThreatIndicators {
			sb.WriteString(renderStatusRow("", statusErrorStyle.Render(ti)))
		}
	}

	fmt.Println(statusBoxStyle.Render(sb.String()))
}

func renderScore(score int) string {
	v := fmt.Sprintf("%d/100", score)
	switch {
	case score >= 80:
		return statusOKStyle.Render(v)
	case score >= 50:
		return statusWarningStyle.Render(v)
	default:
		return statusErrorStyle.Render(v)
	}
}

func renderBool(b bool) string {
	if b {
		return statusOKStyle.Render("yes")
	}
	return statusErrorStyle.Render("no")
}

// renderStatusRow renders a label-value row.
func renderStatusRow(label, value string) string {
	if label == "" {
		return fmt.Sprintf("  %s\n", value)
	}
	return fmt.Sprintf("  %s %s\n",
		statusLabelStyle.Render(label+":"),
		value,
	)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
