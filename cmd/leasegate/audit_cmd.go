package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/Mindburn-Labs/leasegate/pkg/config"
	"github.com/Mindburn-Labs/leasegate/pkg/controlplane"
	"github.com/Mindburn-Labs/leasegate/pkg/governance"
)

func runAuditCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: leasegate audit <verify|log> [flags]")
		return exitUsage
	}
	switch args[0] {
	case "verify":
		return runAuditVerify(args[1:], stdout, stderr)
	case "log":
		return runAuditLog(args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown audit subcommand: %s\n", args[0])
		return exitUsage
	}
}

// runAuditVerify checks the hash chain, either through the server or, with
// --local, by opening the ledger named by LEDGER_DRIVER and LEDGER_DSN.
func runAuditVerify(args []string, stdout, stderr io.Writer) int {
	var o operatorFlags
	fs := pflag.NewFlagSet("audit verify", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	o.bind(fs)
	local := fs.Bool("local", false, "open the ledger directly instead of asking the server")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	var st *governance.ChainStatus
	if *local {
		ledger, err := controlplane.OpenLedger(ctx, config.Load())
		if err != nil {
			return fail(stderr, err)
		}
		defer ledger.Close()
		if err := ledger.VerifyChain(); err != nil {
			return fail(stderr, err)
		}
		head, seq := ledger.Head()
		st = &governance.ChainStatus{OK: true, Head: head, Seq: seq}
	} else {
		c, err := o.client(false)
		if err != nil {
			return fail(stderr, err)
		}
		if st, err = c.VerifyAudit(ctx); err != nil {
			return fail(stderr, err)
		}
	}
	if o.json {
		return printJSON(stdout, stderr, st)
	}
	ok(stdout, "audit chain intact: %d events, head %s", st.Seq, st.Head)
	return 0
}

func runAuditLog(args []string, stdout, stderr io.Writer) int {
	var o operatorFlags
	fs := pflag.NewFlagSet("audit log", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	o.bind(fs)
	subject := fs.String("subject", "", "only events about this intent or lease")
	limit := fs.Int("limit", 50, "maximum events to print")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	c, err := o.client(false)
	if err != nil {
		return fail(stderr, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	events, err := c.Audit(ctx, *subject, *limit)
	if err != nil {
		return fail(stderr, err)
	}
	if o.json {
		return printJSON(stdout, stderr, events)
	}
	for _, e := range events {
		_, _ = fmt.Fprintf(stdout, "%6d  %s  %-28s %-16s %s\n",
			e.Seq, e.Timestamp.Format(time.RFC3339), color.CyanString("%s", e.Type), e.Actor, e.Subject)
	}
	return 0
}
