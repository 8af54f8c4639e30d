// coworkctl is the operator CLI: it mints service tokens and runs
// offline tamper checks on exported signature events.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"coworkd/internal/auth"
	"coworkd/internal/config"
	"coworkd/pkg/domain"
	"coworkd/pkg/payloadhash"
)

const usage = `usage:
  coworkctl token make --tenant <id> --actor <id> --secret <jwt secret> [--hours <n>]
  coworkctl event verify --event <path to exported event json>`

func main() {
	if len(os.Args) < 3 {
		fail(usage)
	}
	switch os.Args[1] + " " + os.Args[2] {
	case "token make":
		runTokenMake(os.Args[3:])
	case "event verify":
		runEventVerify(os.Args[3:])
	default:
		fail(usage)
	}
}

func runTokenMake(args []string) {
	fs := flag.NewFlagSet("token make", flag.ExitOnError)
	tenant := fs.String("tenant", "", "tenant id")
	actor := fs.String("actor", "", "actor id")
	secret := fs.String("secret", os.Getenv("JWT_SECRET"), "jwt signing secret")
	hours := fs.Int("hours", 24, "token lifetime in hours")
	_ = fs.Parse(args)

	if *tenant == "" || *actor == "" || *secret == "" {
		fail("token make: --tenant, --actor and --secret are required")
	}

	token, expiresAt, err := auth.GenerateToken(*tenant, *actor, &config.AuthConfig{
		JWTSecret:        *secret,
		TokenExpireHours: *hours,
	})
	if err != nil {
		fail("token make: " + err.Error())
	}
	writeJSON(map[string]any{"token": token, "expires_at": expiresAt})
}

func runEventVerify(args []string) {
	fs := flag.NewFlagSet("event verify", flag.ExitOnError)
	path := fs.String("event", "", "path to exported event json")
	_ = fs.Parse(args)

	if *path == "" {
		fail("event verify: --event is required")
	}
	data, err := os.ReadFile(*path)
	if err != nil {
		fail("event verify: " + err.Error())
	}
	var ev domain.SignatureEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		fail("event verify: " + err.Error())
	}
	if ev.Type != domain.EventSigned {
		fail(fmt.Sprintf("event verify: %s event carries no signed payload", ev.Type))
	}

	hashIntact := payloadhash.SumString(ev.Payload) == ev.PayloadHash
	writeJSON(map[string]any{
		"event_id":    ev.EventID,
		"workflow_id": ev.WorkflowID,
		"signer_id":   ev.SignerID,
		"hash_intact": hashIntact,
	})
	if !hashIntact {
		os.Exit(1)
	}
}

func writeJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
