// Package reconciliation audits locally tracked positions against the
// exchange's reported truth. The exchange always wins; local state is only
// ever flagged, never silently rewritten.
package reconciliation

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"execution-core/internal/alert"
	"execution-core/internal/events"
	"execution-core/internal/state"
	"execution-core/pkg/db"
	exchange "execution-core/pkg/exchanges/common"
	"execution-core/pkg/lock"
)

const (
	lockName   = "reconciliation"
	lockTTL    = 2 * time.Minute
	fetchRetry = 3
	retryPause = 2 * time.Second
)

// Mismatch kinds.
const (
	KindSizeDrift     = "size_drift"
	KindSizeMismatch  = "size_mismatch"
	KindMissingLocal  = "missing_on_exchange"
	KindUnknownRemote = "unknown_exchange_position"
)

// Config tunes severity classification.
type Config struct {
	Interval         time.Duration `json:"interval" yaml:"interval"`
	SizeTolerance    float64       `json:"size_tolerance" yaml:"size_tolerance"`
	SizeWarningRatio float64       `json:"size_warning_ratio" yaml:"size_warning_ratio"`
}

// DefaultConfig classifies sub-dust deltas as info and anything beyond five
// percent of position size as critical.
func DefaultConfig() Config {
	return Config{
		Interval:         5 * time.Minute,
		SizeTolerance:    1e-4,
		SizeWarningRatio: 0.05,
	}
}

// Finding is one divergence between local and exchange state.
type Finding struct {
	Severity    string
	Kind        string
	Symbol      string
	PositionID  string
	Description string
}

// Report summarizes one reconciliation run.
type Report struct {
	Ran      bool // false when the lock was held elsewhere
	Findings []Finding
	Critical bool
	At       time.Time
}

// Service runs the audit under a cluster-wide lock.
type Service struct {
	cfg     Config
	gateway exchange.Gateway
	limiter *exchange.RateLimiter
	stateMg *state.Manager
	queries *db.Queries
	locks   *lock.Manager
	alerts  *alert.KillSwitch
	bus     *events.Bus

	mu         sync.Mutex
	unresolved map[string]bool // findings already logged and not yet resolved
}

// NewService wires the audit.
func NewService(cfg Config, gw exchange.Gateway, limiter *exchange.RateLimiter, st *state.Manager,
	queries *db.Queries, locks *lock.Manager, ks *alert.KillSwitch, bus *events.Bus) *Service {
	return &Service{
		cfg:     cfg,
		gateway: gw,
		limiter: limiter,
		stateMg: st,
		queries: queries,
		locks:   locks,
		alerts:  ks,
		bus:     bus,
	}
}

// RunOnce executes one audit. It acquires the cluster lock with a single
// attempt; when another instance holds it the run is skipped and the report
// says so. Startup runs must complete before trading begins, so callers
// treat a skipped startup run as a retryable condition.
func (s *Service) RunOnce(ctx context.Context, startup bool) (Report, error) {
	report := Report{At: time.Now().UTC()}

	l, err := s.locks.Acquire(ctx, lockName, lockTTL)
	if err != nil {
		return report, fmt.Errorf("acquire reconciliation lock: %w", err)
	}
	if l == nil {
		log.Printf("[recon] lock held elsewhere, skipping cycle")
		return report, nil
	}
	defer func() {
		if relErr := s.locks.Release(ctx, l); relErr != nil {
			log.Printf("[recon] WARN: release lock: %v", relErr)
		}
	}()
	report.Ran = true

	remote, err := s.fetchPositions(ctx)
	if err != nil {
		return report, fmt.Errorf("fetch exchange positions: %w", err)
	}

	local := s.stateMg.Snapshot()
	report.Findings = compare(local, remote, s.cfg)

	// An unresolved finding is logged once, not on every run it persists.
	// The set resets when the divergence disappears, so a recurrence after
	// resolution is logged again.
	seen := make(map[string]bool, len(report.Findings))
	s.mu.Lock()
	for _, f := range report.Findings {
		fp := f.Kind + "|" + f.Symbol + "|" + f.PositionID + "|" + f.Severity
		if f.Severity == db.SeverityCritical {
			report.Critical = true
		}
		if seen[fp] || s.unresolved[fp] {
			seen[fp] = true
			continue
		}
		seen[fp] = true
		s.record(ctx, f)
	}
	s.unresolved = seen
	s.mu.Unlock()

	if report.Critical {
		detail := fmt.Sprintf("%d critical reconciliation findings", countCritical(report.Findings))
		if _, err := s.alerts.Engage(ctx, alert.TriggerReconciliation, detail); err != nil {
			log.Printf("[recon] WARN: engage kill switch: %v", err)
		}
	}

	kind := "interval"
	if startup {
		kind = "startup"
	}
	log.Printf("[recon] %s run complete: %d findings (critical=%v)", kind, len(report.Findings), report.Critical)
	return report, nil
}

// Start blocks until the startup audit has actually run, then audits on the
// configured interval until the context ends.
func (s *Service) Start(ctx context.Context) error {
	for {
		report, err := s.RunOnce(ctx, true)
		if err != nil {
			return fmt.Errorf("startup reconciliation: %w", err)
		}
		if report.Ran {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryPause):
		}
	}

	go func() {
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.RunOnce(ctx, false); err != nil {
					log.Printf("[recon] WARN: interval run: %v", err)
				}
			}
		}
	}()
	return nil
}

// fetchPositions reads the exchange's open positions with bounded retries.
func (s *Service) fetchPositions(ctx context.Context) (map[string]exchange.ExchangePosition, error) {
	var lastErr error
	for attempt := 0; attempt < fetchRetry; attempt++ {
		if err := s.limiter.Acquire(ctx, exchange.CallRead, 1); err != nil {
			return nil, err
		}
		positions, err := s.gateway.GetOpenPositions(ctx)
		if err == nil {
			out := make(map[string]exchange.ExchangePosition, len(positions))
			for _, p := range positions {
				out[p.Symbol+":"+p.Direction] = p
			}
			return out, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryPause):
		}
	}
	return nil, lastErr
}

func (s *Service) record(ctx context.Context, f Finding) {
	if err := s.queries.AppendReconciliation(ctx, db.ReconciliationRecord{
		Severity:    f.Severity,
		Kind:        f.Kind,
		Symbol:      f.Symbol,
		PositionID:  f.PositionID,
		Description: f.Description,
	}); err != nil {
		log.Printf("[recon] WARN: append record: %v", err)
	}
	if s.bus != nil {
		s.bus.Publish(events.EventReconMismatch, events.ReconEvent{
			Severity:    f.Severity,
			Kind:        f.Kind,
			Symbol:      f.Symbol,
			PositionID:  f.PositionID,
			Description: f.Description,
			At:          time.Now().UTC(),
		})
	}
	switch f.Severity {
	case db.SeverityCritical:
		log.Printf("[recon] CRITICAL %s %s: %s", f.Kind, f.Symbol, f.Description)
	case db.SeverityWarning:
		log.Printf("[recon] WARN %s %s: %s", f.Kind, f.Symbol, f.Description)
	default:
		log.Printf("[recon] info %s %s: %s", f.Kind, f.Symbol, f.Description)
	}
}

// compare classifies deltas between the local live set and the exchange's
// reported positions. Zero delta produces no finding.
func compare(local []db.Position, remote map[string]exchange.ExchangePosition, cfg Config) []Finding {
	var findings []Finding
	matched := make(map[string]bool, len(local))

	for _, p := range local {
		key := p.Symbol + ":" + p.Direction
		matched[key] = true

		r, ok := remote[key]
		if !ok {
			findings = append(findings, Finding{
				Severity:    db.SeverityCritical,
				Kind:        KindMissingLocal,
				Symbol:      p.Symbol,
				PositionID:  p.ID,
				Description: fmt.Sprintf("local %s %s size %.6f absent on exchange", p.Direction, p.Symbol, p.ExecutedSizeBase),
			})
			continue
		}

		delta := math.Abs(p.ExecutedSizeBase - r.SizeBase)
		if delta <= cfg.SizeTolerance {
			if delta > 0 {
				findings = append(findings, Finding{
					Severity:    db.SeverityInfo,
					Kind:        KindSizeDrift,
					Symbol:      p.Symbol,
					PositionID:  p.ID,
					Description: fmt.Sprintf("size drift %.8f within tolerance", delta),
				})
			}
			continue
		}

		severity := db.SeverityWarning
		ref := math.Max(p.ExecutedSizeBase, r.SizeBase)
		if ref > 0 && delta/ref > cfg.SizeWarningRatio {
			severity = db.SeverityCritical
		}
		kind := KindSizeMismatch
		if severity == db.SeverityWarning {
			kind = KindSizeDrift
		}
		findings = append(findings, Finding{
			Severity:    severity,
			Kind:        kind,
			Symbol:      p.Symbol,
			PositionID:  p.ID,
			Description: fmt.Sprintf("local %.6f vs exchange %.6f (delta %.6f)", p.ExecutedSizeBase, r.SizeBase, delta),
		})
	}

	for key, r := range remote {
		if matched[key] {
			continue
		}
		findings = append(findings, Finding{
			Severity:    db.SeverityCritical,
			Kind:        KindUnknownRemote,
			Symbol:      r.Symbol,
			Description: fmt.Sprintf("exchange reports %s %s size %.6f with no local position", r.Direction, r.Symbol, r.SizeBase),
		})
	}
	return findings
}

func countCritical(findings []Finding) int {
	n := 0
	for _, f := range findings {
		if f.Severity == db.SeverityCritical {
			n++
		}
	}
	return n
}
