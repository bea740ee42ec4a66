package config

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ocbridge/chatgpt-bridge/internal/uierror"
)

const settingsFile = "config/bridge.ini"

// BridgeConfig describes runtime options for the bridge daemon. Values come
// from the environment first, then from config/bridge.ini, then defaults.
type BridgeConfig struct {
	// Transport
	Mode     string // http|stdio
	HTTPHost string
	HTTPPort int

	// Auth and marker
	Token                 string
	MarkerSecret          string
	MarkerSecretEphemeral bool

	// Queue and lifecycle
	MaxQueueSize int
	JobTimeoutMs int

	// Poll loop
	MaxWaitSec                 int
	PollIntervalSec            float64
	StableChecks               int
	ExtractNoIndicatorStableMs int
	ScrapeCallTimeoutMs        int

	// Size caps
	MaxPromptChars  int
	MaxMessageChars int
	MaxBodyBytes    int64

	// File-context expansion
	FileContextEnabled       bool
	FileContextAllowedRoots  []string
	FileContextMaxFiles      int
	FileContextMaxFileChars  int
	FileContextMaxTotalChars int

	// Rate limiting
	RateLimitRPM   int
	RateLimitBurst int

	// UI labels and error patterns
	UILabelNewChat              string
	UILabelRegenerate           string
	UILabelContinue             string
	RequireCompletionIndicators bool
	UIErrorPatterns             []uierror.Pattern

	// Session routing
	ResetChatEachRequest     bool
	ResetStrict              bool
	SessionBindingMode       string // off|sticky|explicit
	SessionDefaultSlot       string
	SessionBindingsPath      string
	SessionBindingStrictOpen bool

	// Logging
	LogFile  string
	LogLevel string

	// Raw audit log
	AuditEnabled    bool
	AuditPath       string
	AuditMaxBytes   int64
	AuditMaxFiles   int
	AuditMaxAgeDays int
	AuditSanitize   string // full|headers|metadata

	// Persistence
	LedgerPath        string
	IdempotencyTTLSec int
}

// patternsFile is the YAML shape accepted via UI_ERROR_PATTERNS_FILE.
type patternsFile struct {
	Labels struct {
		NewChat    string `yaml:"new_chat"`
		Regenerate string `yaml:"regenerate"`
		Continue   string `yaml:"continue"`
	} `yaml:"labels"`
	Patterns []uierror.Pattern `yaml:"patterns"`
}

// LoadBridgeConfig reads environment variables merged over the optional INI
// file under root.
func LoadBridgeConfig(root string) (BridgeConfig, error) {
	if root == "" {
		root = "."
	}
	merged, err := parseINI(filepath.Join(root, settingsFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			merged = map[string]string{}
		} else {
			return BridgeConfig{}, err
		}
	}
	get := func(envKey string) string {
		return firstNonEmpty(os.Getenv(envKey), merged[strings.ToLower(envKey)])
	}

	cfg := BridgeConfig{
		Mode:     strings.ToLower(firstNonEmpty(get("BRIDGE_MODE"), "http")),
		HTTPHost: firstNonEmpty(get("HTTP_HOST"), "127.0.0.1"),
		HTTPPort: parseOptionalInt(get("HTTP_PORT"), 8123),

		Token:        get("CHATGPT_BRIDGE_TOKEN"),
		MarkerSecret: get("MARKER_SECRET"),

		MaxQueueSize: parseOptionalInt(get("MAX_QUEUE_SIZE"), 20),
		JobTimeoutMs: parseOptionalInt(get("JOB_TIMEOUT_MS"), 0),

		MaxWaitSec:                 parseOptionalInt(get("MAX_WAIT_SEC"), 180),
		PollIntervalSec:            parseOptionalFloat(get("POLL_INTERVAL_SEC"), 1.0),
		StableChecks:               parseOptionalInt(get("STABLE_CHECKS"), 3),
		ExtractNoIndicatorStableMs: parseOptionalInt(get("EXTRACT_NO_INDICATOR_STABLE_MS"), 2500),
		ScrapeCallTimeoutMs:        parseOptionalInt(get("SCRAPE_CALL_TIMEOUT_MS"), 10000),

		MaxPromptChars:  parseOptionalInt(get("MAX_PROMPT_CHARS"), 512000),
		MaxMessageChars: parseOptionalInt(get("MAX_MESSAGE_CHARS"), 512000),
		MaxBodyBytes:    int64(parseOptionalInt(get("MAX_BODY_BYTES"), 2*1024*1024)),

		FileContextEnabled:       parseOptionalBool(get("FILE_CONTEXT_ENABLED"), true),
		FileContextAllowedRoots:  parseCSV(get("FILE_CONTEXT_ALLOWED_ROOTS")),
		FileContextMaxFiles:      parseOptionalInt(get("FILE_CONTEXT_MAX_FILES"), 8),
		FileContextMaxFileChars:  parseOptionalInt(get("FILE_CONTEXT_MAX_FILE_CHARS"), 120000),
		FileContextMaxTotalChars: parseOptionalInt(get("FILE_CONTEXT_MAX_TOTAL_CHARS"), 360000),

		RateLimitRPM:   parseOptionalInt(get("RATE_LIMIT_RPM"), 0),
		RateLimitBurst: parseOptionalInt(get("RATE_LIMIT_BURST"), 5),

		UILabelNewChat:              firstNonEmpty(get("UI_LABEL_NEW_CHAT"), "New chat"),
		UILabelRegenerate:           firstNonEmpty(get("UI_LABEL_REGENERATE"), "Regenerate"),
		UILabelContinue:             firstNonEmpty(get("UI_LABEL_CONTINUE"), "Continue generating"),
		RequireCompletionIndicators: parseOptionalBool(get("REQUIRE_COMPLETION_INDICATORS"), false),

		ResetChatEachRequest:     parseBool(get("RESET_CHAT_EACH_REQUEST")),
		ResetStrict:              parseBool(get("RESET_STRICT")),
		SessionBindingMode:       strings.ToLower(firstNonEmpty(get("SESSION_BINDING_MODE"), "off")),
		SessionDefaultSlot:       firstNonEmpty(get("SESSION_DEFAULT_SLOT"), "default"),
		SessionBindingsPath:      firstNonEmpty(get("SESSION_BINDINGS_PATH"), defaultStatePath("session_bindings.json")),
		SessionBindingStrictOpen: parseBool(get("SESSION_BINDING_STRICT_OPEN")),

		LogFile:  get("BRIDGE_LOG_FILE"),
		LogLevel: strings.ToLower(firstNonEmpty(get("BRIDGE_LOG_LEVEL"), "info")),

		AuditEnabled:    parseOptionalBool(get("AUDIT_LOG_ENABLED"), true),
		AuditPath:       firstNonEmpty(get("AUDIT_LOG_PATH"), defaultStatePath(filepath.Join("audit", "raw.jsonl"))),
		AuditMaxBytes:   int64(parseOptionalInt(get("AUDIT_LOG_MAX_BYTES"), 50*1024*1024)),
		AuditMaxFiles:   parseOptionalInt(get("AUDIT_LOG_MAX_FILES"), 5),
		AuditMaxAgeDays: parseOptionalInt(get("AUDIT_LOG_MAX_AGE_DAYS"), 14),
		AuditSanitize:   strings.ToLower(firstNonEmpty(get("AUDIT_LOG_SANITIZE"), "full")),

		LedgerPath:        firstNonEmpty(get("LEDGER_PATH"), defaultStatePath("ledger.db")),
		IdempotencyTTLSec: parseOptionalInt(get("IDEMPOTENCY_TTL_SEC"), 0),
	}

	switch cfg.Mode {
	case "http", "stdio":
	default:
		return BridgeConfig{}, fmt.Errorf("invalid BRIDGE_MODE %q (want http or stdio)", cfg.Mode)
	}
	switch cfg.SessionBindingMode {
	case "off", "sticky", "explicit":
	default:
		return BridgeConfig{}, fmt.Errorf("invalid SESSION_BINDING_MODE %q (want off, sticky or explicit)", cfg.SessionBindingMode)
	}
	switch cfg.AuditSanitize {
	case "full", "headers", "metadata":
	default:
		return BridgeConfig{}, fmt.Errorf("invalid AUDIT_LOG_SANITIZE %q (want full, headers or metadata)", cfg.AuditSanitize)
	}

	// The job timeout must never undercut the poll deadline, otherwise every
	// slow-but-successful ask would be reported as queue timeout.
	if floor := cfg.MaxWaitSec*1000 + 15000; cfg.JobTimeoutMs < floor {
		cfg.JobTimeoutMs = floor
	}

	if strings.TrimSpace(cfg.MarkerSecret) == "" {
		cfg.MarkerSecret = randomSecret()
		cfg.MarkerSecretEphemeral = true
	}

	cfg.UIErrorPatterns = uierror.DefaultPatterns()
	if raw := get("UI_ERROR_PATTERNS_JSON"); strings.TrimSpace(raw) != "" {
		patterns, err := uierror.ParseJSON(raw)
		if err != nil {
			return BridgeConfig{}, err
		}
		if len(patterns) > 0 {
			cfg.UIErrorPatterns = patterns
		}
	}
	if path := get("UI_ERROR_PATTERNS_FILE"); strings.TrimSpace(path) != "" {
		if err := cfg.applyPatternsFile(path); err != nil {
			return BridgeConfig{}, err
		}
	}

	return cfg, nil
}

func (cfg *BridgeConfig) applyPatternsFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read ui patterns file: %w", err)
	}
	var pf patternsFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return fmt.Errorf("parse ui patterns file %s: %w", path, err)
	}
	if len(pf.Patterns) > 0 {
		cfg.UIErrorPatterns = pf.Patterns
	}
	if pf.Labels.NewChat != "" {
		cfg.UILabelNewChat = pf.Labels.NewChat
	}
	if pf.Labels.Regenerate != "" {
		cfg.UILabelRegenerate = pf.Labels.Regenerate
	}
	if pf.Labels.Continue != "" {
		cfg.UILabelContinue = pf.Labels.Continue
	}
	return nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func parseOptionalFloat(v string, fallback float64) float64 {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
		return parsed
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseCSV(input string) []string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	var out []string
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is unrecoverable for a MAC key
		panic(fmt.Sprintf("generate marker secret: %v", err))
	}
	return hex.EncodeToString(buf)
}

func defaultStatePath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".ocbridge", name)
}
