package reporting

import (
	"fmt"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/kvmcheck/pkg/vmtest"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorGray   = "\033[90m"
)

// maxOutputLines bounds the command output quoted for a failed command.
const maxOutputLines = 10

type painter bool

func (p painter) paint(color, s string) string {
	if !p {
		return s
	}
	return color + s + colorReset
}

// formatText generates a human-readable text report
func formatText(result *vmtest.RunResult, color bool) string {
	p := painter(color)
	var sb strings.Builder

	sb.WriteString(strings.Repeat("=", 80) + "\n")
	sb.WriteString("KVMCHECK REPORT\n")
	sb.WriteString(strings.Repeat("=", 80) + "\n\n")

	sb.WriteString("SUMMARY\n")
	sb.WriteString(strings.Repeat("-", 7) + "\n")
	fmt.Fprintf(&sb, "Run ID:         %s\n", result.RunID)
	fmt.Fprintf(&sb, "Status:         %s\n", p.status(result.Passed))
	fmt.Fprintf(&sb, "Duration:       %.2fs\n", result.Duration.Seconds())
	fmt.Fprintf(&sb, "Started:        %s\n", result.StartTime.Format(time.RFC3339))
	fmt.Fprintf(&sb, "Completed:      %s\n", result.EndTime.Format(time.RFC3339))
	fmt.Fprintf(&sb, "Failure policy: %s\n", result.FailurePolicy)
	fmt.Fprintf(&sb, "Cleanup policy: %s\n\n", result.CleanupPolicy)

	sb.WriteString("TEST CONTEXT\n")
	sb.WriteString(strings.Repeat("-", 12) + "\n")
	fmt.Fprintf(&sb, "VM:      %s\n", result.Context.VMName)
	fmt.Fprintf(&sb, "Image:   %s\n", valueOr(result.Context.Image, "(default simplestreams mirror)"))
	fmt.Fprintf(&sb, "Release: %s\n", result.Context.Release)
	fmt.Fprintf(&sb, "Arch:    %s\n\n", result.Context.Arch)

	sb.WriteString("STAGES\n")
	sb.WriteString(strings.Repeat("-", 6) + "\n")
	for i, stage := range result.Stages {
		fmt.Fprintf(&sb, "[%d/%d] %s %s", i+1, len(result.Stages), p.stageSymbol(stage), stage.Name)
		if stage.Skipped {
			fmt.Fprintf(&sb, " (skipped: %s)\n", stage.SkipReason)
			continue
		}
		fmt.Fprintf(&sb, " (%.2fs)\n", stage.Duration.Seconds())

		for _, cmd := range stage.Commands {
			symbol := p.paint(colorGreen, "✓")
			if !cmd.Passed {
				symbol = p.paint(colorRed, "✗")
			}
			fmt.Fprintf(&sb, "      %s %s (exit %d, %.2fs)\n", symbol, cmd.Command, cmd.ExitCode, cmd.Duration.Seconds())
			if !cmd.Passed {
				writeOutput(&sb, "stdout", cmd.Stdout)
				writeOutput(&sb, "stderr", cmd.Stderr)
			}
		}
		if stage.Error != "" {
			fmt.Fprintf(&sb, "      Error: %s\n", stage.Error)
		}
	}
	sb.WriteString("\n")

	if len(result.Events) > 0 {
		sb.WriteString("TIMELINE\n")
		sb.WriteString(strings.Repeat("-", 8) + "\n")
		for _, event := range result.Events {
			elapsed := event.Timestamp.Sub(result.StartTime).Seconds()
			fmt.Fprintf(&sb, "%07.2fs  %s\n", elapsed, formatEventDescription(event))
		}
		sb.WriteString("\n")
	}

	if failed := result.FailedStages(); len(failed) > 0 {
		sb.WriteString("FAILURES\n")
		sb.WriteString(strings.Repeat("-", 8) + "\n")
		for i, name := range failed {
			fmt.Fprintf(&sb, "[%d] Stage: %s\n", i+1, name)
			sb.WriteString(formatFailureGuidance(name))
			sb.WriteString("\n")
		}
	}

	sb.WriteString(strings.Repeat("=", 80) + "\n")
	fmt.Fprintf(&sb, "TEST RESULT: %s\n", p.status(result.Passed))
	sb.WriteString(strings.Repeat("=", 80) + "\n")

	return sb.String()
}

func (p painter) status(passed bool) string {
	if passed {
		return p.paint(colorGreen, "✓ PASSED")
	}
	return p.paint(colorRed, "✗ FAILED")
}

func (p painter) stageSymbol(stage vmtest.StageResult) string {
	switch {
	case stage.Skipped:
		return p.paint(colorYellow, "-")
	case stage.Passed:
		return p.paint(colorGreen, "✓")
	default:
		return p.paint(colorRed, "✗")
	}
}

func writeOutput(sb *strings.Builder, name, output string) {
	output = strings.TrimRight(output, "\n")
	if output == "" {
		return
	}
	lines := strings.Split(output, "\n")
	if len(lines) > maxOutputLines {
		lines = append(lines[:maxOutputLines], fmt.Sprintf("... (%d more lines)", len(lines)-maxOutputLines))
	}
	fmt.Fprintf(sb, "        %s:\n", name)
	for _, l := range lines {
		fmt.Fprintf(sb, "          %s\n", l)
	}
}

// formatEventDescription formats a lifecycle event description
func formatEventDescription(event vmtest.TestEvent) string {
	switch event.EventType {
	case "run_start":
		return "Run started (" + event.Details + ")"
	case "stage_start":
		return "Stage " + event.Details + " started"
	case "stage_passed":
		return "Stage " + event.Details + " passed"
	case "stage_failed":
		return "Stage failed: " + event.Details
	case "stage_skipped":
		return "Stage skipped: " + event.Details
	case "ssh_key_generated":
		return "SSH key pair generated (" + event.Details + ")"
	case "packages_installed":
		return "Packages installed (" + event.Details + ")"
	case "image_resolved":
		return "Local image " + event.Details
	case "image_synced":
		return "Image synced (" + event.Details + ")"
	case "vm_created":
		return "VM created"
	case "domain_inspected":
		return "Domain inspected (" + event.Details + ")"
	case "vm_verified":
		return "VM answered over SSH"
	case "vm_destroyed":
		return "VM destroyed"
	case "run_passed":
		return "Run passed"
	case "run_failed":
		return "Run failed (" + event.Details + ")"
	default:
		if event.Details != "" {
			return event.EventType + ": " + event.Details
		}
		return event.EventType
	}
}

// formatFailureGuidance provides troubleshooting guidance for a failed stage
func formatFailureGuidance(stage vmtest.StageName) string {
	var guidance strings.Builder

	guidance.WriteString("    Next Steps:\n")

	switch stage {
	case vmtest.StagePackages:
		guidance.WriteString("    1. Install uvtool manually: apt-get install uvtool uvtool-libvirt\n")
		guidance.WriteString("    2. Run with --sudo when not running as root\n")
	case vmtest.StageSSHKey:
		guidance.WriteString("    1. Check the permissions of the SSH key directory\n")
	case vmtest.StageHost:
		guidance.WriteString("    1. Check lsb_release and dpkg are available\n")
		guidance.WriteString("    2. Set release and arch explicitly in the config file\n")
	case vmtest.StageResolveImage:
		guidance.WriteString("    1. Check network access to the simplestreams mirror\n")
		guidance.WriteString("    2. List synced images: uvt-simplestreams-libvirt query\n")
	case vmtest.StageCreate:
		guidance.WriteString("    1. Check the user belongs to the libvirt group\n")
		guidance.WriteString("    2. Check the backing image exists and is a qcow2 cloud image\n")
		guidance.WriteString("    3. Check libvirtd is running: systemctl status libvirtd\n")
	case vmtest.StageWait:
		guidance.WriteString("    1. Inspect the VM console: virsh console <vm>\n")
		guidance.WriteString("    2. Check the VM obtained an address: uvt-kvm ip <vm>\n")
	case vmtest.StageVerify:
		guidance.WriteString("    1. Check the SSH key was injected: ~/.ssh/id_rsa.pub\n")
		guidance.WriteString("    2. Try manually: uvt-kvm ssh <vm>\n")
	case vmtest.StageCleanup:
		guidance.WriteString("    1. Remove leftovers: virsh destroy <vm>; virsh undefine <vm>\n")
		guidance.WriteString("    2. Purge images: uvt-simplestreams-libvirt purge\n")
	default:
		guidance.WriteString("    1. Review the log file for the failed commands\n")
	}

	return guidance.String()
}

// formatSummary formats a concise summary for the terminal
func formatSummary(result *vmtest.RunResult) string {
	p := painter(true)
	var sb strings.Builder

	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("=", 60) + "\n")
	sb.WriteString("TEST SUMMARY\n")
	sb.WriteString(strings.Repeat("=", 60) + "\n")
	fmt.Fprintf(&sb, "VM:       %s\n", result.Context.VMName)
	fmt.Fprintf(&sb, "Status:   %s\n", p.status(result.Passed))
	fmt.Fprintf(&sb, "Duration: %.2fs\n\n", result.Duration.Seconds())

	var passed, failed, skipped int
	for _, s := range result.Stages {
		switch {
		case s.Skipped:
			skipped++
		case s.Passed:
			passed++
		default:
			failed++
		}
	}
	fmt.Fprintf(&sb, "Stages:   %d total\n", len(result.Stages))
	fmt.Fprintf(&sb, "  %s\n", p.paint(colorGreen, fmt.Sprintf("✓ %d passed", passed)))
	if failed > 0 {
		fmt.Fprintf(&sb, "  %s\n", p.paint(colorRed, fmt.Sprintf("✗ %d failed", failed)))
	}
	if skipped > 0 {
		fmt.Fprintf(&sb, "  %s\n", p.paint(colorGray, fmt.Sprintf("- %d skipped", skipped)))
	}
	sb.WriteString(strings.Repeat("=", 60) + "\n")

	return sb.String()
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
