package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/petralabs/riskgate/internal/account"
	"github.com/petralabs/riskgate/internal/alert"
	"github.com/petralabs/riskgate/internal/api"
	"github.com/petralabs/riskgate/internal/approval"
	"github.com/petralabs/riskgate/internal/auth"
	"github.com/petralabs/riskgate/internal/config"
	"github.com/petralabs/riskgate/internal/crypto"
	"github.com/petralabs/riskgate/internal/health"
	"github.com/petralabs/riskgate/internal/idempotency"
	"github.com/petralabs/riskgate/internal/ledger"
	"github.com/petralabs/riskgate/internal/risk"
	"github.com/petralabs/riskgate/internal/sched"
	"github.com/petralabs/riskgate/internal/store"
	"github.com/petralabs/riskgate/pkg/logger"
)

const defaultAddr = "http://localhost:8080"

func main() {
	_ = godotenv.Load()
	exitFn(run(os.Args, os.Stdout, os.Stderr))
}

var exitFn = os.Exit

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	switch args[1] {
	case "serve":
		return handleServe(args[2:], stdout, stderr)
	case "tick":
		return handleTick(args[2:], stdout, stderr)
	case "verify":
		return handleVerify(args[2:], stdout, stderr)
	case "approvals":
		return handleApprovals(args[2:], stdout, stderr)
	case "health":
		return handleHealth(args[2:], stdout, stderr)
	default:
		usage(stderr)
		return 2
	}
}

// core is the wired governance stack shared by serve and tick.
type core struct {
	cfg        config.Config
	log        zerolog.Logger
	db         *store.DB
	ledger     *ledger.Ledger
	signer     ledger.KeySigner
	dispatcher *alert.Dispatcher
	engine     *risk.Engine
	gate       *approval.Gate
	tracker    *idempotency.Tracker
	monitor    *health.Monitor
	scheduler  *sched.Scheduler
}

func buildCore(cfgPath string) (*core, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	log := logger.New(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})

	for _, dir := range []string{
		filepath.Dir(cfg.Storage.DBPath),
		filepath.Dir(cfg.Storage.LedgerPath),
		filepath.Dir(cfg.SigningKey.PrivateKeyPath),
		cfg.Storage.AlertDir,
	} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	db, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, err
	}
	led, err := ledger.Open(cfg.Storage.LedgerPath, ledger.WithLogger(log))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	priv, _, err := crypto.LoadOrCreateKeyPair(cfg.SigningKey.PrivateKeyPath)
	if err != nil {
		_ = led.Close()
		_ = db.Close()
		return nil, err
	}

	dispatcher := alert.NewDispatcher(cfg.Storage.AlertDir,
		alert.WithOutbox(db, cfg.Alerts.WebhookTargets),
		alert.WithLogger(log))

	src := account.NewFileSource(cfg.Sources.AccountSnapshotPath)
	engine := risk.NewEngine(cfg.Limits(), led, src, src,
		risk.WithSnapshots(risk.NewSQLSnapshots(db)),
		risk.WithAlerter(dispatcher),
		risk.WithLogger(log))
	gate := approval.NewGate(db, led,
		approval.WithAlerter(dispatcher),
		approval.WithLogger(log))
	tracker := idempotency.New(db, cfg.IdempotencyTTL(), idempotency.WithLogger(log))
	monitor := health.NewMonitor(cfg.HealthChecks(), src, src, src, engine,
		health.WithLogger(log))

	scheduler := sched.New(sched.Config{
		Interval: cfg.ScheduleInterval(),
		Engine:   engine,
		Gate:     gate,
		Tracker:  tracker,
		Monitor:  monitor,
		Alerts:   dispatcher,
		Ledger:   led,
	}, sched.WithLogger(log))

	return &core{
		cfg:        cfg,
		log:        log,
		db:         db,
		ledger:     led,
		signer:     ledger.KeySigner{ID: cfg.SigningKey.KeyID, Priv: priv},
		dispatcher: dispatcher,
		engine:     engine,
		gate:       gate,
		tracker:    tracker,
		monitor:    monitor,
		scheduler:  scheduler,
	}, nil
}

func (c *core) close() {
	_ = c.dispatcher.Close()
	_ = c.ledger.Close()
	_ = c.db.Close()
}

func handleServe(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", envOrDefault("RISKGATE_CONFIG_PATH", "riskgate.yaml"), "path to config file")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}

	c, err := buildCore(*cfgPath)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	defer c.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.engine.Restore(ctx); err != nil {
		fmt.Fprintln(stderr, "restore risk state:", err)
		return 1
	}
	// Anchor the chain head to the signing key at every boundary.
	if _, err := c.ledger.Checkpoint("riskgate", c.signer); err != nil {
		fmt.Fprintln(stderr, "startup checkpoint:", err)
		return 1
	}

	go alert.RunOutboxWorker(ctx, c.db, alert.NewWebhookPoster(), 2*time.Second, c.log)

	if err := c.scheduler.Start(ctx); err != nil {
		fmt.Fprintln(stderr, "start scheduler:", err)
		return 1
	}

	h := &api.Handler{
		Gate:    c.gate,
		Engine:  c.engine,
		Monitor: c.monitor,
		Ledger:  c.ledger,
		Log:     c.log,
	}
	server := &http.Server{
		Addr:              c.cfg.ListenAddr,
		Handler:           api.Router(h, &auth.TokenAuthenticator{Token: c.cfg.AuthToken}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	fmt.Fprintf(stdout, "riskgate listening on %s\n", c.cfg.ListenAddr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintln(stderr, "server error:", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	c.scheduler.Stop()

	if _, err := c.ledger.Checkpoint("riskgate", c.signer); err != nil {
		fmt.Fprintln(stderr, "shutdown checkpoint:", err)
		return 1
	}
	return 0
}

func handleTick(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("tick", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", envOrDefault("RISKGATE_CONFIG_PATH", "riskgate.yaml"), "path to config file")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}

	c, err := buildCore(*cfgPath)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	defer c.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.engine.Restore(ctx); err != nil {
		fmt.Fprintln(stderr, "restore risk state:", err)
		return 1
	}
	if err := c.scheduler.RunOnce(ctx); err != nil {
		fmt.Fprintln(stderr, "tick failed:", err)
		return 1
	}
	head, hash := c.ledger.Head()
	fmt.Fprintf(stdout, "tick ok head=%d head_hash=%s\n", head, hash)
	return 0
}

func handleVerify(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	ledgerPath := fs.String("ledger", "data/ledger.jsonl", "path to ledger file")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}

	led, err := ledger.Open(*ledgerPath)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	defer led.Close()

	if err := led.Verify(0, 0); err != nil {
		var integrity *ledger.IntegrityError
		if errors.As(err, &integrity) {
			fmt.Fprintf(stdout, "valid=false sequence=%d reason=%s\n", integrity.Sequence, integrity.Reason)
			return 1
		}
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	head, hash := led.Head()
	fmt.Fprintf(stdout, "valid=true head=%d head_hash=%s\n", head, hash)
	return 0
}

func handleApprovals(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	switch args[0] {
	case "list":
		return handleApprovalsList(args[1:], stdout, stderr)
	case "decide":
		return handleApprovalsDecide(args[1:], stdout, stderr)
	default:
		usage(stderr)
		return 2
	}
}

func handleApprovalsList(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("approvals list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", envOrDefault("RISKGATE_ADDR", defaultAddr), "riskgate API address")
	token := fs.String("token", os.Getenv("RISKGATE_TOKEN"), "bearer token")
	jsonOut := fs.Bool("json", false, "print raw JSON response")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}

	body, status, err := httpDo(http.MethodGet, *addr+"/v1/approvals/pending", *token, nil)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if status != http.StatusOK {
		fmt.Fprintf(stderr, "list failed: %s\n", strings.TrimSpace(string(body)))
		return 1
	}
	if *jsonOut {
		_, _ = stdout.Write(body)
		return 0
	}

	var payload struct {
		Pending []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			Action struct {
				Kind           string `json:"kind"`
				IdempotencyKey string `json:"idempotency_key"`
			} `json:"action"`
			CreatedAt string `json:"created_at"`
		} `json:"pending"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		fmt.Fprintln(stderr, "invalid response:", err)
		return 1
	}
	if payload.Count == 0 {
		fmt.Fprintln(stdout, "no pending approvals")
		return 0
	}
	for _, req := range payload.Pending {
		fmt.Fprintf(stdout, "%s kind=%s key=%s created_at=%s\n",
			req.ID, req.Action.Kind, req.Action.IdempotencyKey, req.CreatedAt)
	}
	return 0
}

func handleApprovalsDecide(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("approvals decide", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", envOrDefault("RISKGATE_ADDR", defaultAddr), "riskgate API address")
	token := fs.String("token", os.Getenv("RISKGATE_TOKEN"), "bearer token")
	operator := fs.String("operator", "", "operator identity (required)")
	decision := fs.String("decision", "", "approve or reject (required)")
	notes := fs.String("notes", "", "free-text notes")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}

	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "approvals decide requires <request_id>")
		fs.Usage()
		return 2
	}
	if *operator == "" || (*decision != "approve" && *decision != "reject") {
		fmt.Fprintln(stderr, "--operator and --decision approve|reject are required")
		return 2
	}

	payload, _ := json.Marshal(map[string]string{
		"operator": *operator,
		"decision": *decision,
		"notes":    *notes,
	})
	body, status, err := httpDo(http.MethodPost, *addr+"/v1/approvals/"+fs.Arg(0)+"/decision", *token, payload)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if status != http.StatusOK {
		fmt.Fprintf(stderr, "decide failed: %s\n", strings.TrimSpace(string(body)))
		return 1
	}

	var decided struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &decided); err != nil {
		fmt.Fprintln(stderr, "invalid response:", err)
		return 1
	}
	fmt.Fprintf(stdout, "%s status=%s\n", decided.ID, decided.Status)
	return 0
}

func handleHealth(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", envOrDefault("RISKGATE_ADDR", defaultAddr), "riskgate API address")
	token := fs.String("token", os.Getenv("RISKGATE_TOKEN"), "bearer token")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}

	body, status, err := httpDo(http.MethodGet, *addr+"/v1/health", *token, nil)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if status != http.StatusOK {
		fmt.Fprintf(stderr, "health failed: %s\n", strings.TrimSpace(string(body)))
		return 1
	}
	_, _ = stdout.Write(body)
	return 0
}

func httpDo(method, url, token string, payload []byte) ([]byte, int, error) {
	var body io.Reader
	if payload != nil {
		body = strings.NewReader(string(payload))
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, 0, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return respBody, resp.StatusCode, nil
}

func envOrDefault(key string, fallback string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return fallback
}

func usage(w io.Writer) {
	fmt.Fprint(w, `riskgate - risk and governance core

Usage:
  riskgate serve -config riskgate.yaml
  riskgate tick -config riskgate.yaml
  riskgate verify -ledger data/ledger.jsonl
  riskgate approvals list [--addr URL] [--token TOKEN] [--json]
  riskgate approvals decide <request_id> --operator NAME --decision approve|reject [--notes TEXT]
  riskgate health [--addr URL] [--token TOKEN]
`)
}
