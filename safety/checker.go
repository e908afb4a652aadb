// Package safety implements the PMA pre-flight checker guarding reactive
// agent turns (chat, dashboard): duplicate detection, a sliding-window rate
// limit and a circuit breaker, each independently switchable. Denials are
// structured and never persist to the flow store; every attempt lands in an
// append-only audit log, and window state survives restarts in a small
// bbolt database.
package safety

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"car.autorunner.dev/common"
	"car.autorunner.dev/config"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	bolt "go.etcd.io/bbolt"
)

// Denial reason codes.
const (
	ReasonDuplicate   = "duplicate_action"
	ReasonRateLimited = "rate_limited"
	ReasonBreakerOpen = "circuit_open"
)

const (
	bucketDedup = "dedup_windows"
	bucketRate  = "rate_windows"
)

// fingerprintPrefixLen bounds the message prefix hashed for dedup.
const fingerprintPrefixLen = 200

// ActionRequest describes one guarded action attempt.
type ActionRequest struct {
	Agent   string
	Source  string // e.g. "reactive", "chat", "dashboard"
	Message string
}

// Decision is the checker's structured verdict.
type Decision struct {
	Allowed bool           `json:"allowed"`
	Reason  string         `json:"reason,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// auditRecord is one line of audit.jsonl.
type auditRecord struct {
	Timestamp   string `json:"timestamp"`
	Agent       string `json:"agent"`
	Source      string `json:"source"`
	Fingerprint string `json:"fingerprint"`
	Allowed     bool   `json:"allowed"`
	Reason      string `json:"reason,omitempty"`
}

// Checker enforces the three safety layers.
type Checker struct {
	cfg       config.SafetyConfig
	auditPath string
	logger    *logrus.Entry
	now       func() time.Time

	db *bolt.DB

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewChecker opens the checker's state under `<dotDir>/pma/`.
func NewChecker(dotDir string, cfg config.SafetyConfig, logger *logrus.Entry) (*Checker, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	pmaDir := filepath.Join(dotDir, "pma")
	if err := os.MkdirAll(pmaDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create pma dir: %w", err)
	}
	db, err := bolt.Open(filepath.Join(pmaDir, "safety.db"), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open safety state: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range []string{bucketDedup, bucketRate} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare safety buckets: %w", err)
	}
	return &Checker{
		cfg:       cfg,
		auditPath: filepath.Join(pmaDir, "audit.jsonl"),
		logger:    logger,
		now:       time.Now,
		db:        db,
		breakers:  map[string]*gobreaker.CircuitBreaker{},
	}, nil
}

// Close releases the state database.
func (c *Checker) Close() error {
	return c.db.Close()
}

// Fingerprint hashes the truncated message for dedup keys and audit lines.
func Fingerprint(message string) string {
	trimmed := strings.TrimSpace(message)
	if len(trimmed) > fingerprintPrefixLen {
		trimmed = trimmed[:fingerprintPrefixLen]
	}
	sum := sha256.Sum256([]byte(trimmed))
	return hex.EncodeToString(sum[:8])
}

// Check runs the three layers in order (duplicate, rate, breaker) and
// records the attempt in the audit log.
func (c *Checker) Check(req ActionRequest) Decision {
	fingerprint := Fingerprint(req.Message)
	decision := c.evaluate(req, fingerprint)
	c.audit(req, fingerprint, decision)
	return decision
}

func (c *Checker) evaluate(req ActionRequest, fingerprint string) Decision {
	now := c.now()

	if c.cfg.DedupEnabled {
		key := req.Agent + "|" + fingerprint
		count, err := c.bumpWindow(bucketDedup, key, now, c.cfg.DedupWindow)
		if err != nil {
			c.logger.WithError(err).Warn("dedup window update failed")
		} else if count > c.cfg.MaxDuplicateActions {
			return Decision{
				Allowed: false,
				Reason:  ReasonDuplicate,
				Details: map[string]any{
					"fingerprint": fingerprint,
					"count":       count,
					"max":         c.cfg.MaxDuplicateActions,
				},
			}
		}
	}

	if c.cfg.RateLimitEnabled {
		key := req.Agent + "|" + req.Source
		count, err := c.bumpWindow(bucketRate, key, now, c.cfg.RateLimitWindow)
		if err != nil {
			c.logger.WithError(err).Warn("rate window update failed")
		} else if count > c.cfg.MaxActionsPerWindow {
			return Decision{
				Allowed: false,
				Reason:  ReasonRateLimited,
				Details: map[string]any{
					"count":  count,
					"max":    c.cfg.MaxActionsPerWindow,
					"window": c.cfg.RateLimitWindow.String(),
				},
			}
		}
	}

	if c.cfg.BreakerEnabled {
		breaker := c.breakerFor(req.Agent)
		if breaker.State() == gobreaker.StateOpen {
			return Decision{
				Allowed: false,
				Reason:  ReasonBreakerOpen,
				Details: map[string]any{"cooldown": c.cfg.BreakerCooldown.String()},
			}
		}
	}

	return Decision{Allowed: true}
}

// RecordResult feeds an action's outcome into the circuit breaker. A
// successful or neutral result resets the consecutive failure count.
func (c *Checker) RecordResult(req ActionRequest, success bool) {
	if !c.cfg.BreakerEnabled {
		return
	}
	breaker := c.breakerFor(req.Agent)
	_, _ = breaker.Execute(func() (any, error) {
		if success {
			return nil, nil
		}
		return nil, fmt.Errorf("guarded action failed")
	})
}

// BreakerState exposes the breaker state for diagnostics.
func (c *Checker) BreakerState(agent string) gobreaker.State {
	return c.breakerFor(agent).State()
}

func (c *Checker) breakerFor(agent string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if breaker, ok := c.breakers[agent]; ok {
		return breaker
	}
	threshold := uint32(c.cfg.BreakerThreshold)
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "pma-" + agent,
		Timeout: c.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	})
	c.breakers[agent] = breaker
	return breaker
}

// bumpWindow appends now to the key's sliding window, prunes entries older
// than the window and returns the surviving count.
func (c *Checker) bumpWindow(bucket, key string, now time.Time, window time.Duration) (int, error) {
	var count int
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s missing", bucket)
		}
		var stamps []int64
		if raw := b.Get([]byte(key)); raw != nil {
			if err := json.Unmarshal(raw, &stamps); err != nil {
				stamps = nil
			}
		}
		cutoff := now.Add(-window).UnixMilli()
		pruned := stamps[:0]
		for _, stamp := range stamps {
			if stamp >= cutoff {
				pruned = append(pruned, stamp)
			}
		}
		pruned = append(pruned, now.UnixMilli())
		count = len(pruned)
		encoded, err := json.Marshal(pruned)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), encoded)
	})
	return count, err
}

// audit appends one attempt record. Failures are logged only: the audit
// trail must never block the action path.
func (c *Checker) audit(req ActionRequest, fingerprint string, decision Decision) {
	record := auditRecord{
		Timestamp:   common.FormatTimestamp(c.now()),
		Agent:       req.Agent,
		Source:      req.Source,
		Fingerprint: fingerprint,
		Allowed:     decision.Allowed,
		Reason:      decision.Reason,
	}
	line, err := json.Marshal(record)
	if err != nil {
		c.logger.WithError(err).Warn("failed to marshal audit record")
		return
	}
	file, err := os.OpenFile(c.auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		c.logger.WithError(err).Warn("failed to open audit log")
		return
	}
	defer file.Close()
	if _, err := file.Write(append(line, '\n')); err != nil {
		c.logger.WithError(err).Warn("failed to append audit record")
	}
}
