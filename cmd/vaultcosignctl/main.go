// Command vaultcosignctl is the operator-facing CLI over the signing
// core: a thin wrapper around orchestrator.Dispatch plus the queue
// maintenance operations (inspect, replay, lock status) that don't flow
// through a command at all.
package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vaultco/cosigncore/internal/codec/keys"
	"github.com/vaultco/cosigncore/internal/domain"
	"github.com/vaultco/cosigncore/internal/observability"
	"github.com/vaultco/cosigncore/internal/orchestrator"
	"github.com/vaultco/cosigncore/internal/orchestrator/policy"
	"github.com/vaultco/cosigncore/internal/providerport"
	"github.com/vaultco/cosigncore/internal/queue"
	"github.com/vaultco/cosigncore/internal/queue/archive"
	"github.com/vaultco/cosigncore/internal/queue/lockredis"
	"github.com/vaultco/cosigncore/internal/queue/pgstore"
	"github.com/vaultco/cosigncore/internal/queue/sqlstore"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing, keeping main() a one-line os.Exit
// wrapper.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return 0
	}

	switch args[1] {
	case "dispatch":
		return runDispatchCmd(args[2:], stdout, stderr)
	case "queue":
		return runQueueCmd(args[2:], stdout, stderr)
	case "bundle":
		return runBundleCmd(args[2:], stdout, stderr)
	case "url-import":
		return runURLImportCmd(args[2:], stdout, stderr)
	case "lock":
		return runLockCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "vaultcosignctl - operator CLI for the Vault co-signing core")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  vaultcosignctl <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  dispatch            Send one command (JSON on stdin) to the orchestrator")
	fmt.Fprintln(w, "  queue inspect       List flow IDs per collection")
	fmt.Fprintln(w, "  queue replay        Rehydrate and verify every flow's transition log")
	fmt.Fprintln(w, "  bundle export       Export txs/messages as a signed bundle")
	fmt.Fprintln(w, "  bundle import       Import a bundle JSON file")
	fmt.Fprintln(w, "  url-import decode   Decode a single importTx/importSig/importMsg/importMsgSig URL payload")
	fmt.Fprintln(w, "  lock status         Acquire and report the writer lock")
	fmt.Fprintln(w, "  help                Show this help")
}

// storeFlags are the flags shared by every subcommand that touches the
// persisted store, with a DATABASE_URL / lite-mode style fallback.
type storeFlags struct {
	backend    string
	sqlitePath string
	postgresDSN string
}

func (f *storeFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.backend, "store", envOr("VAULTCOSIGN_STORE", "memory"), "store backend: memory|sqlite|postgres")
	fs.StringVar(&f.sqlitePath, "db", envOr("VAULTCOSIGN_DB_PATH", "cosigncore.db"), "sqlite file path (store=sqlite)")
	fs.StringVar(&f.postgresDSN, "dsn", envOr("DATABASE_URL", ""), "postgres DSN (store=postgres)")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (f *storeFlags) open() (queue.Store, func() error, error) {
	switch f.backend {
	case "memory", "":
		return queue.NewMemStore(), func() error { return nil }, nil
	case "sqlite":
		s, err := sqlstore.Open(f.sqlitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "postgres":
		s, err := pgstore.Open(f.postgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", f.backend)
	}
}

// buildKeyring derives a single MAC key from VAULTCOSIGN_PASSPHRASE and
// VAULTCOSIGN_SALT (hex), the CLI's stand-in for the browser's
// passphrase-unlock flow (§4.1). A fixed dev passphrase is used when
// VAULTCOSIGN_PASSPHRASE is unset, and a random salt when VAULTCOSIGN_SALT
// is unset (so the key and its key ID differ on every run), which keeps the
// CLI usable against a scratch store without operator setup.
func buildKeyring() (*keys.Keyring, string, error) {
	passphrase := envOr("VAULTCOSIGN_PASSPHRASE", "vaultcosignctl-dev-passphrase")
	saltHex := os.Getenv("VAULTCOSIGN_SALT")
	var salt []byte
	if saltHex == "" {
		salt = make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return nil, "", err
		}
	} else {
		var err error
		salt, err = hex.DecodeString(saltHex)
		if err != nil {
			return nil, "", fmt.Errorf("decode VAULTCOSIGN_SALT: %w", err)
		}
	}
	root := keys.DeriveRoot([]byte(passphrase), salt)
	sub, err := keys.DeriveSubkeys(root)
	if err != nil {
		return nil, "", err
	}
	keyID := hex.EncodeToString(salt)
	kr := keys.NewKeyring()
	if err := kr.Add(keyID, sub.MAC); err != nil {
		return nil, "", err
	}
	return kr, keyID, nil
}

// buildObservability constructs the OpenTelemetry provider backing the
// command_latency_budget_ms / rehydration_budget_ms SLOs (§6). It is
// disabled by default so a CLI invocation never blocks dialing an OTLP
// collector that isn't there; set VAULTCOSIGN_OTEL_ENABLED=true to export.
func buildObservability(ctx context.Context, logger *slog.Logger) (*observability.Provider, error) {
	cfg := observability.DefaultConfig()
	cfg.Enabled = envOr("VAULTCOSIGN_OTEL_ENABLED", "false") == "true"
	cfg.OTLPEndpoint = envOr("VAULTCOSIGN_OTEL_ENDPOINT", cfg.OTLPEndpoint)
	cfg.Insecure = envOr("VAULTCOSIGN_OTEL_INSECURE", "true") == "true"
	return observability.New(ctx, logger, cfg)
}

// rehydrationRecorder adapts *observability.Provider to queue.RehydrationRecorder:
// the provider's method takes a trailing variadic attrs param that the
// queue package's recorder interface doesn't carry.
type rehydrationRecorder struct{ provider *observability.Provider }

func (r rehydrationRecorder) RecordRehydrationDuration(ctx context.Context, d time.Duration) {
	r.provider.RecordRehydrationDuration(ctx, d)
}

func buildOrchestrator(ctx context.Context, store queue.Store) (*orchestrator.Orchestrator, func() error, error) {
	kr, _, err := buildKeyring()
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	o := orchestrator.New(store, kr, logger, "vaultcosignctl", func() int64 { return time.Now().UnixMilli() })
	evaluator, err := policy.NewEvaluator()
	if err != nil {
		return nil, nil, err
	}
	o.Policy = evaluator

	obs, err := buildObservability(ctx, logger)
	if err != nil {
		return nil, nil, err
	}
	o.Observability = obs

	if bucket := os.Getenv("VAULTCOSIGN_ARCHIVE_BUCKET"); bucket != "" {
		archiver, err := archive.NewBundleArchiver(ctx, bucket)
		if err != nil {
			return nil, nil, fmt.Errorf("init bundle archiver: %w", err)
		}
		o.Archiver = archiver
	}

	o.Dedup = buildEventDedup()

	return o, func() error { return obs.Shutdown(ctx) }, nil
}

// buildEventDedup picks the provider-event deduplicator backing §4.4's
// burst-absorption window: lockredis.EventDedup when a Redis address is
// configured (multi-replica deployments share one dedup window), the
// in-process Deduper otherwise.
func buildEventDedup() providerport.Deduplicator {
	addr := os.Getenv("VAULTCOSIGN_REDIS_ADDR")
	if addr == "" {
		return providerport.NewInProcessDeduplicator(providerport.NewDeduper(5*time.Second), time.Now)
	}
	db := 0
	if dbStr := os.Getenv("VAULTCOSIGN_REDIS_DB"); dbStr != "" {
		fmt.Sscanf(dbStr, "%d", &db)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv("VAULTCOSIGN_REDIS_PASSWORD"),
		DB:       db,
	})
	return lockredis.NewEventDedup(client, 5*time.Second)
}

// runDispatchCmd decodes a domain.Command from stdin JSON and prints the
// resulting domain.CommandResult, the CLI equivalent of one command-loop
// iteration.
func runDispatchCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("dispatch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var sf storeFlags
	sf.register(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, closeFn, err := sf.open()
	if err != nil {
		fmt.Fprintf(stderr, "open store: %v\n", err)
		return 2
	}
	defer closeFn()

	o, closeObs, err := buildOrchestrator(context.Background(), store)
	if err != nil {
		fmt.Fprintf(stderr, "init orchestrator: %v\n", err)
		return 2
	}
	defer closeObs()

	var cmd domain.Command
	dec := json.NewDecoder(bufio.NewReader(os.Stdin))
	if err := dec.Decode(&cmd); err != nil {
		fmt.Fprintf(stderr, "decode command: %v\n", err)
		return 2
	}

	result := o.Dispatch(context.Background(), cmd)
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		fmt.Fprintf(stderr, "encode result: %v\n", err)
		return 2
	}
	if !result.OK {
		return 1
	}
	return 0
}

func runQueueCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: vaultcosignctl queue <inspect|replay> [flags]")
		return 2
	}
	switch args[0] {
	case "inspect":
		return runQueueInspectCmd(args[1:], stdout, stderr)
	case "replay":
		return runQueueReplayCmd(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown queue subcommand: %s\n", args[0])
		return 2
	}
}

func runQueueInspectCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("queue inspect", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var sf storeFlags
	sf.register(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	store, closeFn, err := sf.open()
	if err != nil {
		fmt.Fprintf(stderr, "open store: %v\n", err)
		return 2
	}
	defer closeFn()

	ctx := context.Background()
	out := map[string][]string{}
	for _, c := range []queue.Collection{queue.CollectionTxs, queue.CollectionMessages, queue.CollectionExternalRequests} {
		keysList, err := store.Keys(ctx, c)
		if err != nil {
			fmt.Fprintf(stderr, "list %s: %v\n", c, err)
			return 2
		}
		out[string(c)] = keysList
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return encodeOrFail(enc, out, stderr)
}

func runQueueReplayCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("queue replay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var sf storeFlags
	var quarantine, archiveLogs bool
	sf.register(fs)
	fs.BoolVar(&quarantine, "quarantine", false, "quarantine diverged flows after reporting them")
	fs.BoolVar(&archiveLogs, "archive-transition-logs", false, "archive each replayed flow's transition log to VAULTCOSIGN_TRANSITION_LOG_ARCHIVE_BUCKET")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	store, closeFn, err := sf.open()
	if err != nil {
		fmt.Fprintf(stderr, "open store: %v\n", err)
		return 2
	}
	defer closeFn()

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(stderr, nil))
	obs, err := buildObservability(ctx, logger)
	if err != nil {
		fmt.Fprintf(stderr, "init observability: %v\n", err)
		return 2
	}
	defer obs.Shutdown(ctx)

	var logArchiver *archive.TransitionLogArchiver
	if archiveLogs {
		bucket := os.Getenv("VAULTCOSIGN_TRANSITION_LOG_ARCHIVE_BUCKET")
		if bucket == "" {
			fmt.Fprintln(stderr, "Error: --archive-transition-logs requires VAULTCOSIGN_TRANSITION_LOG_ARCHIVE_BUCKET")
			return 2
		}
		logArchiver, err = archive.NewTransitionLogArchiver(ctx, bucket)
		if err != nil {
			fmt.Fprintf(stderr, "init transition log archiver: %v\n", err)
			return 2
		}
		defer logArchiver.Close()
	}

	newReplayer := func(queue.Collection, string) queue.Replayer { return &queue.ChainedHashReplayer{} }
	results, err := queue.RehydrateAll(ctx, store, newReplayer, rehydrationRecorder{obs})
	if err != nil {
		fmt.Fprintf(stderr, "rehydrate: %v\n", err)
		return 2
	}

	if logArchiver != nil {
		for _, r := range results {
			records, err := store.ReadTransitionLog(ctx, r.FlowID)
			if err != nil {
				fmt.Fprintf(stderr, "read transition log %s: %v\n", r.FlowID, err)
				return 2
			}
			snapshot, err := json.Marshal(records)
			if err != nil {
				fmt.Fprintf(stderr, "encode transition log %s: %v\n", r.FlowID, err)
				return 2
			}
			if err := logArchiver.Put(ctx, r.FlowID, snapshot); err != nil {
				fmt.Fprintf(stderr, "archive transition log %s: %v\n", r.FlowID, err)
				return 2
			}
		}
	}

	diverged := queue.Diverged(results)
	if quarantine {
		for _, d := range diverged {
			if err := queue.QuarantineDiverged(ctx, store, d); err != nil {
				fmt.Fprintf(stderr, "quarantine %s: %v\n", d.FlowID, err)
				return 2
			}
		}
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	summary := map[string]any{
		"flows_replayed": len(results),
		"diverged":       diverged,
		"quarantined":    quarantine,
	}
	if code := encodeOrFail(enc, summary, stderr); code != 0 {
		return code
	}
	if len(diverged) > 0 {
		return 1
	}
	return 0
}

func runBundleCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: vaultcosignctl bundle <export|import> [flags]")
		return 2
	}
	switch args[0] {
	case "export":
		return runBundleExportCmd(args[1:], stdout, stderr)
	case "import":
		return runBundleImportCmd(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown bundle subcommand: %s\n", args[0])
		return 2
	}
}

func runBundleExportCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("bundle export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var sf storeFlags
	var exporterID, toolVersion string
	sf.register(fs)
	fs.StringVar(&exporterID, "exporter", "", "exporter address (REQUIRED, must be reachable via the connected provider)")
	fs.StringVar(&toolVersion, "tool-version", "0.1.0", "tool_version recorded in the bundle")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if exporterID == "" {
		fmt.Fprintln(stderr, "Error: --exporter is required")
		return 2
	}

	store, closeFn, err := sf.open()
	if err != nil {
		fmt.Fprintf(stderr, "open store: %v\n", err)
		return 2
	}
	defer closeFn()

	ctx := context.Background()
	o, closeObs, err := buildOrchestrator(ctx, store)
	if err != nil {
		fmt.Fprintf(stderr, "init orchestrator: %v\n", err)
		return 2
	}
	defer closeObs()

	var payloadHashes, messageHashes []string
	for _, c := range []queue.Collection{queue.CollectionTxs} {
		ks, _ := store.Keys(ctx, c)
		payloadHashes = ks
	}
	for _, c := range []queue.Collection{queue.CollectionMessages} {
		ks, _ := store.Keys(ctx, c)
		messageHashes = ks
	}

	result := o.Dispatch(ctx, domain.Command{
		Type:      domain.CmdExportBundle,
		CommandID: newCLICommandID(),
		Payload: map[string]any{
			"payload_hashes": payloadHashes,
			"message_hashes": messageHashes,
			"exporter_id":    exporterID,
			"tool_version":   toolVersion,
		},
	})

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if code := encodeOrFail(enc, result, stderr); code != 0 {
		return code
	}
	if !result.OK {
		return 1
	}
	return 0
}

func runBundleImportCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("bundle import", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var sf storeFlags
	var path string
	sf.register(fs)
	fs.StringVar(&path, "file", "", "path to a bundle JSON file (REQUIRED)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if path == "" {
		fmt.Fprintln(stderr, "Error: --file is required")
		return 2
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(stderr, "read %s: %v\n", path, err)
		return 2
	}

	store, closeFn, err := sf.open()
	if err != nil {
		fmt.Fprintf(stderr, "open store: %v\n", err)
		return 2
	}
	defer closeFn()

	ctx := context.Background()
	o, closeObs, err := buildOrchestrator(ctx, store)
	if err != nil {
		fmt.Fprintf(stderr, "init orchestrator: %v\n", err)
		return 2
	}
	defer closeObs()

	result := o.Dispatch(ctx, domain.Command{
		Type:      domain.CmdImportBundle,
		CommandID: newCLICommandID(),
		Payload:   map[string]any{"bundle_json": string(raw)},
	})

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if code := encodeOrFail(enc, result, stderr); code != 0 {
		return code
	}
	if !result.OK {
		return 1
	}
	return 0
}

func runURLImportCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "decode" {
		fmt.Fprintln(stderr, "Usage: vaultcosignctl url-import decode --key <key> --payload <payload>")
		return 2
	}
	fs := flag.NewFlagSet("url-import decode", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var sf storeFlags
	var key, payload string
	sf.register(fs)
	fs.StringVar(&key, "key", "", "importTx|importSig|importMsg|importMsgSig (REQUIRED)")
	fs.StringVar(&payload, "payload", "", "base64url payload (REQUIRED)")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	if key == "" || payload == "" {
		fmt.Fprintln(stderr, "Error: --key and --payload are required")
		return 2
	}

	store, closeFn, err := sf.open()
	if err != nil {
		fmt.Fprintf(stderr, "open store: %v\n", err)
		return 2
	}
	defer closeFn()

	ctx := context.Background()
	o, closeObs, err := buildOrchestrator(ctx, store)
	if err != nil {
		fmt.Fprintf(stderr, "init orchestrator: %v\n", err)
		return 2
	}
	defer closeObs()

	result := o.Dispatch(ctx, domain.Command{
		Type:      domain.CmdImportURLPayload,
		CommandID: newCLICommandID(),
		Payload:   map[string]any{"key": key, "payload": payload},
	})

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if code := encodeOrFail(enc, result, stderr); code != 0 {
		return code
	}
	if !result.OK {
		return 1
	}
	return 0
}

func runLockCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "status" {
		fmt.Fprintln(stderr, "Usage: vaultcosignctl lock status [flags]")
		return 2
	}
	fs := flag.NewFlagSet("lock status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var sf storeFlags
	var holderID, lockName string
	var ttlMs int64
	sf.register(fs)
	fs.StringVar(&holderID, "holder", "vaultcosignctl", "holder ID to acquire/renew the lock as")
	fs.StringVar(&lockName, "name", "global", "lock name (the safe_address, for a Redis-backed lock shared across replicas)")
	fs.Int64Var(&ttlMs, "ttl-ms", 30_000, "lock TTL in milliseconds")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	ctx := context.Background()
	var lock domain.WriterLock
	var err error
	if addr := os.Getenv("VAULTCOSIGN_REDIS_ADDR"); addr != "" {
		// A Redis address means this CLI invocation is one of several
		// replicas coordinating over a single safe_address; the in-process
		// store's CAS-based lock can't serialize across them.
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("VAULTCOSIGN_REDIS_PASSWORD"),
		})
		lock, err = lockredis.NewLock(client, lockName).Acquire(ctx, holderID, time.Duration(ttlMs)*time.Millisecond)
		if err != nil {
			fmt.Fprintf(stderr, "acquire writer lock: %v\n", err)
			return 1
		}
	} else {
		store, closeFn, err := sf.open()
		if err != nil {
			fmt.Fprintf(stderr, "open store: %v\n", err)
			return 2
		}
		defer closeFn()

		lock, err = queue.AcquireWriterLock(ctx, store, holderID, ttlMs, time.Now().UnixMilli())
		if err != nil {
			fmt.Fprintf(stderr, "acquire writer lock: %v\n", err)
			return 1
		}
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return encodeOrFail(enc, lock, stderr)
}

func encodeOrFail(enc *json.Encoder, v any, stderr io.Writer) int {
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(stderr, "encode output: %v\n", err)
		return 2
	}
	return 0
}

func newCLICommandID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
