package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
	"github.com/Mindburn-Labs/leasegate/pkg/crypto"
	"github.com/Mindburn-Labs/leasegate/pkg/gateerr"
	"github.com/Mindburn-Labs/leasegate/pkg/governance"
)

const defaultServer = "http://localhost:8080"

// operatorFlags are shared by every command that talks to the governance API.
type operatorFlags struct {
	server  string
	keyFile string
	keyID   string
	timeout time.Duration
	json    bool
}

func (o *operatorFlags) bind(fs *pflag.FlagSet) {
	fs.StringVar(&o.server, "server", envOr("LEASEGATE_URL", defaultServer), "control plane base URL")
	fs.StringVar(&o.keyFile, "key-file", os.Getenv("LEASEGATE_OPERATOR_KEY_FILE"), "file holding the hex operator key")
	fs.StringVar(&o.keyID, "key-id", os.Getenv("LEASEGATE_OPERATOR_ID"), "operator key ID registered in the policy")
	fs.DurationVar(&o.timeout, "timeout", 10*time.Second, "request timeout")
	fs.BoolVar(&o.json, "json", false, "print the result as JSON")
}

// client builds a governance client. Commands that change state need the
// operator key; read-only ones pass needKey false.
func (o *operatorFlags) client(needKey bool) (*governance.Client, error) {
	if !needKey {
		return governance.NewClient(o.server, nil, o.timeout), nil
	}
	signer, err := loadOperatorKey(o.keyFile, o.keyID)
	if err != nil {
		return nil, err
	}
	return governance.NewClient(o.server, signer, o.timeout), nil
}

// loadOperatorKey reads a hex Ed25519 seed or private key from keyFile, or
// from LEASEGATE_OPERATOR_KEY when no file is given.
func loadOperatorKey(keyFile, keyID string) (*crypto.Ed25519Signer, error) {
	if keyID == "" {
		return nil, gateerr.New(gateerr.KindAuthorization, gateerr.CodeUnknownSigner, "no operator key ID (--key-id or LEASEGATE_OPERATOR_ID)")
	}
	raw := os.Getenv("LEASEGATE_OPERATOR_KEY")
	if keyFile != "" {
		data, err := os.ReadFile(keyFile) //nolint:gosec // operator-supplied path
		if err != nil {
			return nil, gateerr.Wrap(err, gateerr.KindAuthorization, gateerr.CodeUnknownSigner, "read operator key")
		}
		raw = string(data)
	}
	if strings.TrimSpace(raw) == "" {
		return nil, gateerr.New(gateerr.KindAuthorization, gateerr.CodeUnknownSigner, "no operator key (--key-file or LEASEGATE_OPERATOR_KEY)")
	}
	key, err := hex.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, gateerr.Wrap(err, gateerr.KindAuthorization, gateerr.CodeUnknownSigner, "operator key is not hex")
	}
	switch len(key) {
	case ed25519.SeedSize:
		return crypto.NewEd25519SignerFromKey(ed25519.NewKeyFromSeed(key), keyID), nil
	case ed25519.PrivateKeySize:
		return crypto.NewEd25519SignerFromKey(ed25519.PrivateKey(key), keyID), nil
	default:
		return nil, gateerr.New(gateerr.KindAuthorization, gateerr.CodeUnknownSigner,
			"operator key is %d bytes, want %d or %d", len(key), ed25519.SeedSize, ed25519.PrivateKeySize)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// parseTarget parses flags and returns the single positional argument.
func parseTarget(fs *pflag.FlagSet, args []string, what string, stderr io.Writer) (string, bool) {
	if err := fs.Parse(args); err != nil {
		return "", false
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintf(stderr, "Usage: leasegate %s <%s> [flags]\n", fs.Name(), what)
		return "", false
	}
	return fs.Arg(0), true
}

func runSignLease(args []string, stdout, stderr io.Writer) int {
	var o operatorFlags
	fs := pflag.NewFlagSet("sign-lease", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	o.bind(fs)
	intentID, okArgs := parseTarget(fs, args, "intent_id", stderr)
	if !okArgs {
		return exitUsage
	}

	c, err := o.client(true)
	if err != nil {
		return fail(stderr, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	res, err := c.SignLease(ctx, intentID)
	if err != nil {
		return fail(stderr, err)
	}
	if o.json {
		return printJSON(stdout, stderr, res)
	}
	if res.Ready {
		ok(stdout, "lease %s issued for intent %s (expires %s)",
			res.Token.LeaseID, intentID, res.Token.ExpiresAt.Format(time.RFC3339))
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "%s cosignature recorded for intent %s; waiting for more cosigners\n",
		color.YellowString("•"), intentID)
	return 0
}

func runRolloutCmd(name string, args []string, stdout, stderr io.Writer) int {
	var o operatorFlags
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	o.bind(fs)
	leaseID, okArgs := parseTarget(fs, args, "lease_id", stderr)
	if !okArgs {
		return exitUsage
	}

	c, err := o.client(true)
	if err != nil {
		return fail(stderr, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	var rec *contracts.DeploymentRecord
	switch name {
	case "pause-rollout":
		rec, err = c.PauseRollout(ctx, leaseID)
	case "resume-rollout":
		rec, err = c.ResumeRollout(ctx, leaseID)
	case "force-rollback":
		rec, err = c.ForceRollback(ctx, leaseID)
	case "approve-next-tier":
		rec, err = c.ApproveNextTier(ctx, leaseID)
	default:
		return exitUsage
	}
	if err != nil {
		return fail(stderr, err)
	}
	if o.json {
		return printJSON(stdout, stderr, rec)
	}
	ok(stdout, "%s: %s", name, describeRollout(rec))
	return 0
}

func runKillSwitch(args []string, stdout, stderr io.Writer) int {
	var o operatorFlags
	fs := pflag.NewFlagSet("kill-switch", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	o.bind(fs)
	reason := fs.String("reason", "", "why the fleet is being stopped")
	release := fs.Bool("release", false, "release an engaged kill switch")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if !*release && *reason == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --reason is required to engage the kill switch")
		return exitUsage
	}

	c, err := o.client(true)
	if err != nil {
		return fail(stderr, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	if *release {
		if err := c.ReleaseKillSwitch(ctx); err != nil {
			return fail(stderr, err)
		}
		ok(stdout, "kill switch released")
		return 0
	}
	if err := c.KillSwitch(ctx, *reason); err != nil {
		return fail(stderr, err)
	}
	ok(stdout, "kill switch engaged; in-flight rollouts are rolling back")
	return 0
}

func describeRollout(rec *contracts.DeploymentRecord) string {
	s := fmt.Sprintf("rollout %s is %s", rec.LeaseID, rec.Status)
	if len(rec.Tiers) > 0 {
		s += fmt.Sprintf(" at tier %d/%d", rec.CurrentTier+1, len(rec.Tiers))
	}
	if rec.Held {
		s += " (held)"
	}
	return s
}

func printJSON(stdout, stderr io.Writer, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fail(stderr, err)
	}
	return 0
}
