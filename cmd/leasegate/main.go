// Command leasegate runs the control plane and drives it as an operator.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/Mindburn-Labs/leasegate/pkg/gateerr"
)

// exitUsage is returned for bad invocations. Governance outcomes use the
// 0-3 range from gateerr.ExitCode.
const exitUsage = 64

var version = "dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return exitUsage
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "sign-lease":
		return runSignLease(args[2:], stdout, stderr)
	case "pause-rollout":
		return runRolloutCmd("pause-rollout", args[2:], stdout, stderr)
	case "resume-rollout":
		return runRolloutCmd("resume-rollout", args[2:], stdout, stderr)
	case "force-rollback":
		return runRolloutCmd("force-rollback", args[2:], stdout, stderr)
	case "approve-next-tier":
		return runRolloutCmd("approve-next-tier", args[2:], stdout, stderr)
	case "kill-switch":
		return runKillSwitch(args[2:], stdout, stderr)
	case "audit":
		return runAuditCmd(args[2:], stdout, stderr)
	case "keygen":
		return runKeygen(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintln(stdout, "leasegate", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return exitUsage
	}
}

func printUsage(w io.Writer) {
	bold := color.New(color.Bold)
	section := color.New(color.Bold, color.FgCyan)

	_, _ = bold.Fprintf(w, "leasegate %s\n", version)
	_, _ = fmt.Fprintln(w, "Capability-gated execution and staged deployment.")
	_, _ = fmt.Fprintln(w)
	_, _ = bold.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  leasegate <command> [flags]")
	_, _ = fmt.Fprintln(w)

	_, _ = section.Fprintln(w, "CONTROL PLANE:")
	printCommand(w, "serve", "Run the control plane HTTP server")

	_, _ = section.Fprintln(w, "GOVERNANCE:")
	printCommand(w, "sign-lease", "Cosign the pending lease request of an intent")
	printCommand(w, "pause-rollout", "Hold a rollout at its current tier")
	printCommand(w, "resume-rollout", "Lift a hold")
	printCommand(w, "force-rollback", "Roll a rollout back now")
	printCommand(w, "approve-next-tier", "End the current bake window early")
	printCommand(w, "kill-switch", "Engage or release the fleet-wide kill switch")

	_, _ = section.Fprintln(w, "AUDIT & KEYS:")
	printCommand(w, "audit", "Verify the audit chain or list events (verify|log)")
	printCommand(w, "keygen", "Generate an operator signing key")
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "Exit codes: 0 ok, 1 not found, 2 unauthorized, 3 invalid state, 64 usage.")
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %s %s\n", color.GreenString("%-18s", name), desc)
}

// installLogger sets the default slog logger to JSON at level.
func installLogger(w io.Writer, level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})))
}

// fail prints err and returns its governance exit code.
func fail(stderr io.Writer, err error) int {
	_, _ = fmt.Fprintf(stderr, "%s %v\n", color.RedString("✗"), err)
	if seq := gateerr.SeqOf(err); seq > 0 {
		_, _ = fmt.Fprintf(stderr, "  audit seq: %d\n", seq)
	}
	return gateerr.ExitCode(err)
}

func ok(stdout io.Writer, format string, a ...any) {
	_, _ = fmt.Fprintf(stdout, "%s %s\n", color.GreenString("✓"), fmt.Sprintf(format, a...))
}
