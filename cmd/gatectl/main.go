// gatectl is the operator CLI for a gatetower control plane: key lifecycle,
// diagnostic token minting, resource listing, event history, and automation
// bundle distribution.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/gatetower/gatetower/internal/controlplane/apikeys"
	"github.com/gatetower/gatetower/internal/controlplane/audit"
	"github.com/gatetower/gatetower/internal/controlplane/automations"
	"github.com/gatetower/gatetower/internal/controlplane/bundles"
	"github.com/gatetower/gatetower/internal/controlplane/events"
	"github.com/gatetower/gatetower/internal/controlplane/store"
	"github.com/gatetower/gatetower/internal/shared/captoken"
	"github.com/gatetower/gatetower/internal/shared/ratelimit"
	"github.com/gatetower/gatetower/internal/tenant"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultServer = "http://localhost:8080"

type cliConfig struct {
	server     string
	apiKey     string
	dataRoot   string
	tenant     string
	jsonOutput bool
}

func main() {
	cfg, command, args, err := parseArgs(os.Args[1:])
	if errors.Is(err, errShowUsage) {
		printUsage()
		if len(os.Args) == 1 {
			os.Exit(1)
		}
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage()
		os.Exit(1)
	}

	ctx := context.Background()

	switch command {
	case "keys":
		err = runKeys(ctx, cfg, args)
	case "token":
		err = runToken(cfg, args)
	case "resources":
		err = runResources(cfg, args)
	case "events":
		err = runEvents(cfg, args)
	case "bundle":
		err = runBundle(ctx, cfg, args)
	case "version":
		fmt.Printf("gatectl %s (commit: %s, built: %s)\n", version, commit, date)
		return
	case "help", "--help", "-h":
		printUsage()
	default:
		err = fmt.Errorf("unknown command: %s", command)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var errShowUsage = errors.New("show usage")

func parseArgs(args []string) (cliConfig, string, []string, error) {
	cfg := cliConfig{
		server:   envOr("GATETOWER_SERVER", defaultServer),
		apiKey:   os.Getenv("GATETOWER_API_KEY"),
		dataRoot: envOr("GATETOWER_DATA_ROOT", os.Getenv("DATA_ROOT")),
		tenant:   os.Getenv("GATETOWER_TENANT"),
	}

	idx := 0
	for idx < len(args) {
		arg := args[idx]
		if !strings.HasPrefix(arg, "-") {
			break
		}
		switch arg {
		case "--help", "-h":
			return cfg, "", nil, errShowUsage
		case "--server", "-s":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--server requires a value")
			}
			cfg.server = args[idx+1]
			idx += 2
		case "--api-key":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--api-key requires a value")
			}
			cfg.apiKey = args[idx+1]
			idx += 2
		case "--data-root":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--data-root requires a value")
			}
			cfg.dataRoot = args[idx+1]
			idx += 2
		case "--tenant", "-t":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--tenant requires a value")
			}
			cfg.tenant = args[idx+1]
			idx += 2
		case "--json":
			cfg.jsonOutput = true
			idx++
		default:
			return cfg, "", nil, fmt.Errorf("unknown flag: %s", arg)
		}
	}

	if idx >= len(args) {
		return cfg, "", nil, errShowUsage
	}

	return cfg, args[idx], args[idx+1:], nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printUsage() {
	fmt.Print(`Usage: gatectl [--server <url>] [--api-key <key>] [--data-root <dir>] [--tenant <domain>] [--json] <command>

Commands:
  keys list                             List API keys
  keys create --name <n> --owner <o> --caps <c,...>
                                        Create an API key
  keys rotate <id> --requestor <user>   Rotate an API key
  keys revoke <id> --requestor <user>   Revoke an API key
  keys validate <raw-key>               Validate a key against the server
  token mint --subject <user> --caps <c,...>
                                        Mint a diagnostic capability token
  resources list                        List tenant resources
  events tail                           Show recent events
  bundle push <ref> --file <path>       Push an automation bundle to an OCI registry
  bundle pull <ref>                     Pull an automation bundle
  version                               Print version

keys list/create/rotate/revoke, token, resources, events and bundle pull
--import operate on the data root directly; keys validate talks to the
server. Environment: GATETOWER_SERVER, GATETOWER_API_KEY,
GATETOWER_DATA_ROOT, GATETOWER_TENANT, GATETOWER_SIGNING_KEY.
`)
}

// local opens the tenant's on-disk state the way the server does.
type local struct {
	fs    *store.FS
	paths tenant.Paths
	codec *captoken.Codec
}

func openLocal(cfg cliConfig) (*local, error) {
	if cfg.dataRoot == "" {
		return nil, fmt.Errorf("--data-root (or GATETOWER_DATA_ROOT) is required for this command")
	}
	if cfg.tenant == "" {
		return nil, fmt.Errorf("--tenant (or GATETOWER_TENANT) is required for this command")
	}
	paths, err := tenant.NewPaths(cfg.dataRoot, cfg.tenant)
	if err != nil {
		return nil, err
	}
	var master []byte
	if sk := envOr("GATETOWER_SIGNING_KEY", os.Getenv("SIGNING_KEY")); sk != "" {
		master = []byte(sk)
	}
	return &local{
		fs:    store.NewFS(),
		paths: paths,
		codec: captoken.NewCodec(captoken.NewKeyRing(master)),
	}, nil
}

func (l *local) keyService() *apikeys.Service {
	trail := audit.NewTrail(l.fs, l.paths.KeyAuditLog, nil, 1000)
	return apikeys.New(l.fs, l.paths, l.codec, ratelimit.NewLimiter(time.Hour), trail, nil)
}

func runKeys(ctx context.Context, cfg cliConfig, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: gatectl keys list|create|rotate|revoke|validate")
	}

	switch args[0] {
	case "list":
		l, err := openLocal(cfg)
		if err != nil {
			return err
		}
		keys, err := l.keyService().List()
		if err != nil {
			return err
		}
		if cfg.jsonOutput {
			return printJSON(os.Stdout, keys)
		}
		tbl := newTable("ID", "NAME", "OWNER", "SCOPE", "STATUS", "REQUESTS", "EXPIRES")
		for _, k := range keys {
			expires := "-"
			if k.ExpiresAt != nil {
				expires = k.ExpiresAt.Format(timeLayout)
			}
			tbl.add(
				truncate(k.ID, 18),
				truncate(k.Name, 24),
				truncate(k.OwnerID, 24),
				string(k.Scope),
				colorStatus(string(k.Status)),
				strconv.Itoa(k.Usage.RequestsCount),
				expires,
			)
		}
		tbl.write(os.Stdout)
		fmt.Fprintf(os.Stdout, "\nTotal: %d keys\n", len(keys))
		return nil

	case "create":
		var name, owner, capsArg, scope string
		expiresDays := 0
		for i := 1; i < len(args); i++ {
			var err error
			switch args[i] {
			case "--name":
				name, i, err = flagValue(args, i)
			case "--owner":
				owner, i, err = flagValue(args, i)
			case "--caps":
				capsArg, i, err = flagValue(args, i)
			case "--scope":
				scope, i, err = flagValue(args, i)
			case "--expires-days":
				var v string
				v, i, err = flagValue(args, i)
				if err == nil {
					expiresDays, err = strconv.Atoi(v)
				}
			default:
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			if err != nil {
				return err
			}
		}
		if name == "" || owner == "" || capsArg == "" {
			return fmt.Errorf("--name, --owner and --caps are required")
		}
		in := apikeys.CreateInput{
			Name:          name,
			Owner:         owner,
			Capabilities:  splitList(capsArg),
			ExpiresInDays: expiresDays,
		}
		if scope != "" {
			parsed, err := apikeys.ParseScope(scope)
			if err != nil {
				return err
			}
			in.Scope = parsed
		}
		l, err := openLocal(cfg)
		if err != nil {
			return err
		}
		key, raw, err := l.keyService().Create(in)
		if err != nil {
			return err
		}
		if cfg.jsonOutput {
			return printJSON(os.Stdout, map[string]any{"key": key, "raw_key": raw})
		}
		fmt.Printf("Raw Key: %s\n", raw)
		fmt.Printf("ID: %s\n", key.ID)
		fmt.Printf("Name: %s\n", key.Name)
		fmt.Printf("Owner: %s\n", key.OwnerID)
		fmt.Printf("Scope: %s\n", key.Scope)
		fmt.Printf("Capabilities: %s\n", strings.Join(key.Capabilities, ","))
		fmt.Printf("Rate Limit: %d/hour\n", key.RateLimitPerHour)
		fmt.Printf("Daily Quota: %d\n", key.DailyQuota)
		if key.ExpiresAt != nil {
			fmt.Printf("Expires: %s\n", key.ExpiresAt.Format("2006-01-02 15:04:05"))
		}
		fmt.Println("\nStore the raw key now; it cannot be recovered.")
		return nil

	case "rotate", "revoke":
		if len(args) < 2 {
			return fmt.Errorf("usage: gatectl keys %s <id> --requestor <user>", args[0])
		}
		keyID := args[1]
		requestor := ""
		for i := 2; i < len(args); i++ {
			var err error
			if args[i] == "--requestor" {
				requestor, i, err = flagValue(args, i)
			} else {
				err = fmt.Errorf("unknown flag: %s", args[i])
			}
			if err != nil {
				return err
			}
		}
		if requestor == "" {
			return fmt.Errorf("--requestor is required")
		}
		l, err := openLocal(cfg)
		if err != nil {
			return err
		}
		svc := l.keyService()
		if args[0] == "revoke" {
			if err := svc.Revoke(keyID, requestor); err != nil {
				return err
			}
			fmt.Printf("Key %s revoked\n", keyID)
			return nil
		}
		key, raw, err := svc.Rotate(keyID, requestor)
		if err != nil {
			return err
		}
		if cfg.jsonOutput {
			return printJSON(os.Stdout, map[string]any{"key": key, "raw_key": raw})
		}
		fmt.Printf("New Raw Key: %s\n", raw)
		fmt.Printf("ID: %s\n", key.ID)
		fmt.Println("\nStore the raw key now; it cannot be recovered.")
		return nil

	case "validate":
		if len(args) != 2 {
			return fmt.Errorf("usage: gatectl keys validate <raw-key>")
		}
		if cfg.tenant == "" {
			return fmt.Errorf("--tenant (or GATETOWER_TENANT) is required")
		}
		client := NewAPIClient(cfg.server, cfg.apiKey)
		result, err := client.ValidateKey(ctx, args[1], cfg.tenant)
		if err != nil {
			return err
		}
		if cfg.jsonOutput {
			return printJSON(os.Stdout, result)
		}
		fmt.Printf("Valid: %t\n", result.Valid)
		if result.ErrorMessage != "" {
			fmt.Printf("Error: %s\n", result.ErrorMessage)
		}
		if result.CapabilityToken != "" {
			fmt.Printf("Token: %s\n", result.CapabilityToken)
			fmt.Printf("Rate Limit Remaining: %d\n", result.RateLimitRemaining)
			fmt.Printf("Quota Remaining: %d\n", result.QuotaRemaining)
		}
		return nil

	default:
		return fmt.Errorf("unknown keys command: %s", args[0])
	}
}

func runToken(cfg cliConfig, args []string) error {
	if len(args) == 0 || args[0] != "mint" {
		return fmt.Errorf("usage: gatectl token mint --subject <user> --caps <c,...> [--ttl <duration>]")
	}
	var subject, capsArg string
	ttl := time.Hour
	for i := 1; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--subject":
			subject, i, err = flagValue(args, i)
		case "--caps":
			capsArg, i, err = flagValue(args, i)
		case "--ttl":
			var v string
			v, i, err = flagValue(args, i)
			if err == nil {
				ttl, err = time.ParseDuration(v)
			}
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
		if err != nil {
			return err
		}
	}
	if subject == "" || capsArg == "" {
		return fmt.Errorf("--subject and --caps are required")
	}

	l, err := openLocal(cfg)
	if err != nil {
		return err
	}
	caps := make([]captoken.Capability, 0)
	for _, res := range splitList(capsArg) {
		caps = append(caps, captoken.Capability{Resource: res, Actions: []string{"*"}})
	}
	claims := captoken.NewClaims(subject, cfg.tenant, caps, nil)
	token, err := l.codec.Mint(claims, ttl)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return printJSON(os.Stdout, map[string]any{"token": token, "expires_in": ttl.String()})
	}
	fmt.Printf("Token: %s\n", token)
	fmt.Printf("Subject: %s\n", subject)
	fmt.Printf("Tenant: %s\n", cfg.tenant)
	fmt.Printf("TTL: %s\n", ttl)
	return nil
}

func runResources(cfg cliConfig, args []string) error {
	if len(args) != 1 || args[0] != "list" {
		return fmt.Errorf("usage: gatectl resources list")
	}
	l, err := openLocal(cfg)
	if err != nil {
		return err
	}
	resources, err := store.New(l.fs, l.paths, nil).ListResources()
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return printJSON(os.Stdout, resources)
	}
	tbl := newTable("ID", "NAME", "TYPE", "OWNER", "GROUP", "CREATED")
	for _, r := range resources {
		tbl.add(
			truncate(r.ID, 18),
			truncate(r.Name, 24),
			string(r.Type),
			truncate(r.OwnerID, 24),
			string(r.AccessGroup),
			timeOrDash(r.CreatedAt),
		)
	}
	tbl.write(os.Stdout)
	fmt.Fprintf(os.Stdout, "\nTotal: %d resources\n", len(resources))
	return nil
}

func runEvents(cfg cliConfig, args []string) error {
	if len(args) == 0 || args[0] != "tail" {
		return fmt.Errorf("usage: gatectl events tail [--type <t>] [--user <u>] [--since <duration>] [--limit <n>]")
	}
	var eventType, user string
	since := 24 * time.Hour
	limit := 50
	for i := 1; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--type":
			eventType, i, err = flagValue(args, i)
		case "--user":
			user, i, err = flagValue(args, i)
		case "--since":
			var v string
			v, i, err = flagValue(args, i)
			if err == nil {
				since, err = time.ParseDuration(v)
			}
		case "--limit":
			var v string
			v, i, err = flagValue(args, i)
			if err == nil {
				limit, err = strconv.Atoi(v)
			}
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
		if err != nil {
			return err
		}
	}

	l, err := openLocal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	evs, err := events.NewBus(l.fs, l.paths, nil).History(now.Add(-since), now, eventType, user, limit)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return printJSON(os.Stdout, evs)
	}
	tbl := newTable("TIMESTAMP", "TYPE", "USER", "ID")
	for _, ev := range evs {
		tbl.add(
			ev.Timestamp.Format(timeLayout),
			ev.Type,
			truncate(ev.User, 24),
			truncate(ev.ID, 18),
		)
	}
	tbl.write(os.Stdout)
	fmt.Fprintf(os.Stdout, "\nTotal: %d events\n", len(evs))
	return nil
}

func runBundle(ctx context.Context, cfg cliConfig, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: gatectl bundle push|pull <ref>")
	}
	sub := args[0]
	ref, err := bundles.ParseRef(args[1])
	if err != nil {
		return err
	}

	var file, output, owner, username, password string
	plainHTTP := false
	doImport := false
	for i := 2; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--file", "-f":
			file, i, err = flagValue(args, i)
		case "--output", "-o":
			output, i, err = flagValue(args, i)
		case "--import":
			doImport = true
		case "--owner":
			owner, i, err = flagValue(args, i)
		case "--username":
			username, i, err = flagValue(args, i)
		case "--password":
			password, i, err = flagValue(args, i)
		case "--plain-http":
			plainHTTP = true
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
		if err != nil {
			return err
		}
	}

	client := bundles.NewClient(logr.Discard()).WithPlainHTTP(plainHTTP)
	if username != "" {
		client = client.WithAuth(username, password)
	}

	switch sub {
	case "push":
		if file == "" {
			return fmt.Errorf("--file is required")
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		b, err := bundles.Parse(data)
		if err != nil {
			return err
		}
		result, err := client.Push(ctx, ref, b)
		if err != nil {
			return err
		}
		if cfg.jsonOutput {
			return printJSON(os.Stdout, result)
		}
		fmt.Printf("Pushed: %s\n", result.Ref)
		fmt.Printf("Digest: %s\n", result.Digest)
		fmt.Printf("Automations: %s\n", strings.Join(result.Automations, ", "))
		return nil

	case "pull":
		b, result, err := client.Pull(ctx, ref)
		if err != nil {
			return err
		}
		if output != "" {
			data, err := b.Marshal()
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, data, 0640); err != nil {
				return err
			}
		}
		var imported []string
		if doImport {
			if owner == "" {
				return fmt.Errorf("--owner is required with --import")
			}
			l, err := openLocal(cfg)
			if err != nil {
				return err
			}
			st := automations.NewStore(l.fs, l.paths, nil, nil)
			imported, err = bundles.Import(b, owner, st)
			if err != nil {
				return err
			}
		}
		if cfg.jsonOutput {
			return printJSON(os.Stdout, map[string]any{"result": result, "imported": imported})
		}
		fmt.Printf("Pulled: %s\n", result.Ref)
		fmt.Printf("Digest: %s\n", result.Digest)
		fmt.Printf("Bundle: %s %s\n", b.Name, b.Version)
		fmt.Printf("Automations: %d\n", len(b.Automations))
		if output != "" {
			fmt.Printf("Written: %s\n", output)
		}
		for _, id := range imported {
			fmt.Printf("Imported: %s\n", id)
		}
		return nil

	default:
		return fmt.Errorf("unknown bundle command: %s", sub)
	}
}

func flagValue(args []string, i int) (string, int, error) {
	if i+1 >= len(args) {
		return "", i, fmt.Errorf("%s requires a value", args[i])
	}
	return args[i+1], i + 1, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
