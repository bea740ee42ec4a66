package main

import (
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ocbridge/chatgpt-bridge/internal/auditlog"
	"github.com/ocbridge/chatgpt-bridge/internal/automation"
	"github.com/ocbridge/chatgpt-bridge/internal/config"
	"github.com/ocbridge/chatgpt-bridge/internal/driver"
	"github.com/ocbridge/chatgpt-bridge/internal/extract"
	"github.com/ocbridge/chatgpt-bridge/internal/httpserver"
	ledgerasync "github.com/ocbridge/chatgpt-bridge/internal/ledger/async"
	ledgersql "github.com/ocbridge/chatgpt-bridge/internal/ledger/sqlite"
	"github.com/ocbridge/chatgpt-bridge/internal/logging"
	"github.com/ocbridge/chatgpt-bridge/internal/pollwait"
	"github.com/ocbridge/chatgpt-bridge/internal/session"
	"github.com/ocbridge/chatgpt-bridge/internal/version"
)

func main() {
	cfg, err := config.LoadBridgeConfig(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Initialize rotating file logging (enabled when BRIDGE_LOG_FILE is set)
	const maxLogBytes = int64(100 * 1024 * 1024) // 100MB
	if logTarget := strings.TrimSpace(cfg.LogFile); logTarget != "" {
		rot, err := logging.NewRotatingWriter(logTarget, maxLogBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		// Mirror to stdout as well for foreground runs
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		defer rot.Close()
	}
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetPrefix("[bridged] ")

	if cfg.Mode == "stdio" {
		log.Fatalf("BRIDGE_MODE=stdio is recognized but not served by bridged; run with BRIDGE_MODE=http")
	}
	if cfg.MarkerSecretEphemeral {
		log.Printf("MARKER_SECRET not set; using an ephemeral secret, markers will not survive a restart")
	}
	if cfg.Token == "" {
		log.Printf("CHATGPT_BRIDGE_TOKEN not set; authentication disabled")
	}

	if logging.DebugEnabled(cfg.LogLevel) {
		log.Printf("debug logging on: poll_interval=%.2fs stable_checks=%d max_wait=%ds job_timeout_ms=%d",
			cfg.PollIntervalSec, cfg.StableChecks, cfg.MaxWaitSec, cfg.JobTimeoutMs)
	}

	labels := extract.Labels{
		Regenerate:       cfg.UILabelRegenerate,
		ContinueGenerate: cfg.UILabelContinue,
		NewChat:          cfg.UILabelNewChat,
	}
	drv := driver.New(automation.New(), driver.Config{
		Poll: pollwait.Config{
			MaxWait:           time.Duration(cfg.MaxWaitSec) * time.Second,
			PollInterval:      time.Duration(cfg.PollIntervalSec * float64(time.Second)),
			StableChecks:      cfg.StableChecks,
			NoIndicatorStable: time.Duration(cfg.ExtractNoIndicatorStableMs) * time.Millisecond,
			ScrapeTimeout:     time.Duration(cfg.ScrapeCallTimeoutMs) * time.Millisecond,
			RequireIndicators: cfg.RequireCompletionIndicators,
			Patterns:          cfg.UIErrorPatterns,
			Labels:            labels,
		},
		Logf:   log.Printf,
		Labels: labels,
	})

	store, err := session.OpenStore(cfg.SessionBindingsPath)
	if err != nil {
		log.Fatalf("open session bindings: %v", err)
	}
	router := session.NewRouter(cfg.SessionBindingMode, cfg.SessionDefaultSlot, cfg.SessionBindingStrictOpen, store)

	sqlStore, err := ledgersql.New(cfg.LedgerPath)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	ledgerStore := ledgerasync.New(sqlStore, ledgerasync.Config{
		Logger: log.New(log.Writer(), "[bridged/ledger] ", log.LstdFlags),
	})
	defer ledgerStore.Close()

	var audit *auditlog.Logger
	if cfg.AuditEnabled {
		audit, err = auditlog.Open(auditlog.Options{
			Path:       cfg.AuditPath,
			MaxBytes:   cfg.AuditMaxBytes,
			MaxFiles:   cfg.AuditMaxFiles,
			MaxAgeDays: cfg.AuditMaxAgeDays,
			Sanitize:   cfg.AuditSanitize,
		})
		if err != nil {
			log.Fatalf("open audit log: %v", err)
		}
		defer audit.Close()
	}

	httpSrv := httpserver.New(cfg, drv, router, httpserver.Deps{
		Ledger: ledgerStore,
		Audit:  audit,
		Logger: log.New(log.Writer(), "[bridged/http] ", log.LstdFlags|log.Lmicroseconds),
	})
	defer httpSrv.Close()

	// A request may sit in the queue for up to the job timeout and then run
	// for up to the job timeout again before its response settles. The server
	// timeouts derive from that bound, with the header timeout at least one
	// second above it so slow clients are cut by the request deadline, not
	// the header one.
	jobTimeout := time.Duration(cfg.JobTimeoutMs) * time.Millisecond
	requestTimeout := jobTimeout + 5*time.Second
	addr := net.JoinHostPort(cfg.HTTPHost, strconv.Itoa(cfg.HTTPPort))
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpSrv.Router(),
		ReadHeaderTimeout: requestTimeout + time.Second,
		ReadTimeout:       requestTimeout + time.Second,
		WriteTimeout:      requestTimeout,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("bridge v%s listening on %s session_mode=%s queue_max=%d",
			version.Version, addr, cfg.SessionBindingMode, cfg.MaxQueueSize)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
