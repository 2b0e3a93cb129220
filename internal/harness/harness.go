// Package harness governs what a skill agent may do during one run:
// which external domains it may reach, how many documents it may create,
// and how fast it may hit a single domain. Every decision lands in an
// append-only audit log.
package harness

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrDomainNotAllowed = errors.New("harness: domain not allowed")
	ErrRateLimited      = errors.New("harness: domain rate limit exceeded")
	ErrDocumentLimit    = errors.New("harness: document limit reached")
)

// Operations and models recorded in the audit log.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpFetch  = "fetch"

	ModelDocument = "document"
	ModelDomain   = "domain"
)

type Config struct {
	// AllowedDomains lists hosts the agent may reach. Subdomains of a
	// listed host are allowed too. Empty allows any host.
	AllowedDomains     []string
	MaxDocumentsPerRun int
	RateLimitPerDomain int // requests per minute
}

// AuditEntry is one governed side effect.
type AuditEntry struct {
	Operation string `json:"operation"`
	Model     string `json:"model"`
	ObjectID  int64  `json:"object_id,omitempty"`
	Domain    string `json:"domain,omitempty"`
	Allowed   bool   `json:"allowed"`
}

type AuditLog struct {
	Entries []AuditEntry `json:"entries"`
}

// CreatedDocumentIDs returns the ids of documents whose creation was allowed,
// in order, without duplicates.
func (l AuditLog) CreatedDocumentIDs() []int64 {
	var ids []int64
	seen := map[int64]bool{}
	for _, e := range l.Entries {
		if e.Allowed && e.Operation == OpCreate && e.Model == ModelDocument && e.ObjectID != 0 && !seen[e.ObjectID] {
			seen[e.ObjectID] = true
			ids = append(ids, e.ObjectID)
		}
	}
	return ids
}

// Map renders the log for run telemetry.
func (l AuditLog) Map() map[string]any {
	entries := make([]any, 0, len(l.Entries))
	for _, e := range l.Entries {
		m := map[string]any{
			"operation": e.Operation,
			"model":     e.Model,
			"allowed":   e.Allowed,
		}
		if e.ObjectID != 0 {
			m["object_id"] = e.ObjectID
		}
		if e.Domain != "" {
			m["domain"] = e.Domain
		}
		entries = append(entries, m)
	}
	return map[string]any{"entries": entries}
}

// Harness is safe for concurrent use, though one run drives it sequentially.
type Harness struct {
	cfg Config

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	created  int
	entries  []AuditEntry
	now      func() time.Time
}

func New(cfg Config) *Harness {
	return &Harness{
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
		now:      time.Now,
	}
}

func (h *Harness) Config() Config { return h.cfg }

// CheckDomain admits one request to rawHost (a host or URL).
func (h *Harness) CheckDomain(rawHost string) error {
	host := normalizeHost(rawHost)

	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.domainAllowed(host) {
		h.appendLocked(AuditEntry{Operation: OpFetch, Model: ModelDomain, Domain: host})
		return fmt.Errorf("%w: %s", ErrDomainNotAllowed, host)
	}
	if !h.limiterLocked(host).AllowN(h.now(), 1) {
		h.appendLocked(AuditEntry{Operation: OpFetch, Model: ModelDomain, Domain: host})
		return fmt.Errorf("%w: %s", ErrRateLimited, host)
	}
	h.appendLocked(AuditEntry{Operation: OpFetch, Model: ModelDomain, Domain: host, Allowed: true})
	return nil
}

// RecordCreate admits the creation of one object. Documents count against
// the per-run cap.
func (h *Harness) RecordCreate(model string, objectID int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if model == ModelDocument {
		if h.cfg.MaxDocumentsPerRun > 0 && h.created >= h.cfg.MaxDocumentsPerRun {
			h.appendLocked(AuditEntry{Operation: OpCreate, Model: model, ObjectID: objectID})
			return fmt.Errorf("%w (%d)", ErrDocumentLimit, h.cfg.MaxDocumentsPerRun)
		}
		h.created++
	}
	h.appendLocked(AuditEntry{Operation: OpCreate, Model: model, ObjectID: objectID, Allowed: true})
	return nil
}

// Record appends an entry without policy checks.
func (h *Harness) Record(e AuditEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appendLocked(e)
}

// Absorb re-validates entries reported by a remote agent. Entries the
// agent itself marked disallowed stay disallowed. Reported fetches are
// checked against the allowlist only and take no rate limit tokens.
func (h *Harness) Absorb(entries []AuditEntry) {
	for _, e := range entries {
		switch {
		case !e.Allowed:
			h.Record(e)
		case e.Operation == OpCreate:
			_ = h.RecordCreate(e.Model, e.ObjectID)
		case e.Domain != "":
			host := normalizeHost(e.Domain)
			h.Record(AuditEntry{Operation: OpFetch, Model: ModelDomain, Domain: host, Allowed: h.domainAllowed(host)})
		default:
			h.Record(e)
		}
	}
}

// AuditLog returns a copy of the log.
func (h *Harness) AuditLog() AuditLog {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]AuditEntry, len(h.entries))
	copy(out, h.entries)
	return AuditLog{Entries: out}
}

func (h *Harness) appendLocked(e AuditEntry) {
	h.entries = append(h.entries, e)
}

func (h *Harness) domainAllowed(host string) bool {
	if host == "" {
		return false
	}
	if len(h.cfg.AllowedDomains) == 0 {
		return true
	}
	for _, d := range h.cfg.AllowedDomains {
		d = normalizeHost(d)
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func (h *Harness) limiterLocked(host string) *rate.Limiter {
	l, ok := h.limiters[host]
	if !ok {
		perMin := h.cfg.RateLimitPerDomain
		if perMin <= 0 {
			l = rate.NewLimiter(rate.Inf, 0)
		} else {
			l = rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin)
		}
		h.limiters[host] = l
	}
	return l
}

func normalizeHost(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if strings.Contains(s, "://") {
		if u, err := url.Parse(s); err == nil {
			s = u.Hostname()
		}
	} else if i := strings.IndexAny(s, ":/"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSuffix(s, ".")
}
