package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/leasegate/pkg/config"
	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
	"github.com/Mindburn-Labs/leasegate/pkg/crypto"
)

// runKeygen creates an operator key. The seed goes to --out (or stdout) and
// the policy entry registering its public half is printed as YAML.
func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.String("id", "", "key ID, usually the operator's handle (REQUIRED)")
	role := fs.String("role", contracts.RoleHuman, "keyring role: human or agent")
	out := fs.String("out", "", "write the hex seed to this file (mode 0600)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *id == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --id is required")
		return exitUsage
	}
	if *role != contracts.RoleHuman && *role != contracts.RoleAgent {
		_, _ = fmt.Fprintf(stderr, "Error: --role must be %s or %s\n", contracts.RoleHuman, contracts.RoleAgent)
		return exitUsage
	}

	signer, err := crypto.NewEd25519Signer(*id)
	if err != nil {
		return fail(stderr, err)
	}
	seed := hex.EncodeToString(signer.PrivateKey().Seed())

	entry := struct {
		Keys []config.KeyEntry `yaml:"keys"`
	}{Keys: []config.KeyEntry{{KeyID: *id, Role: *role, PublicKey: signer.PublicKeyHex()}}}
	doc, err := yaml.Marshal(entry)
	if err != nil {
		return fail(stderr, err)
	}

	if *out != "" {
		if err := os.WriteFile(*out, []byte(seed+"\n"), 0o600); err != nil {
			return fail(stderr, err)
		}
		ok(stderr, "seed written to %s", *out)
	} else {
		_, _ = fmt.Fprintf(stdout, "# seed (keep secret): %s\n", seed)
	}
	_, _ = stdout.Write(doc)
	return 0
}
