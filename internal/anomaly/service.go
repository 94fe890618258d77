package anomaly

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/stockproof/stockproof/internal/costing"
	"github.com/stockproof/stockproof/internal/ledger"
	"github.com/stockproof/stockproof/internal/recon"
)

// LedgerPort is the read-side slice of the lot ledger used by detectors.
type LedgerPort interface {
	Positions(ctx context.Context) ([]ledger.Position, error)
	History(ctx context.Context, sku, location string, since time.Time) ([]ledger.Event, error)
}

// PostingPort reads COGS postings for margin checks.
type PostingPort interface {
	Postings(ctx context.Context, filter costing.PostingFilter) ([]costing.Posting, error)
}

// ParkedPort reads parked events for negative-stock cause hints.
type ParkedPort interface {
	ParkedEvents(ctx context.Context, includeResolved bool) ([]costing.ParkedEvent, error)
}

// ReconPort reads stored reconciliation records for shrinkage persistence.
type ReconPort interface {
	Periods(ctx context.Context, limit int) ([]string, error)
	Records(ctx context.Context, period string) ([]recon.Record, error)
}

// PricePort supplies sale prices for margin computation. Implemented by the
// external price feed adapter; ok=false skips the posting without error.
type PricePort interface {
	SalePrice(ctx context.Context, sku, location string, at time.Time) (price decimal.Decimal, ok bool, err error)
}

// FindingFilter narrows finding listings.
type FindingFilter struct {
	Type     FindingType
	Status   FindingStatus
	SKU      string
	Location string
	Limit    int
}

// RepositoryPort persists findings.
type RepositoryPort interface {
	InsertFindings(ctx context.Context, findings []Finding) error
	ListFindings(ctx context.Context, filter FindingFilter) ([]Finding, error)
	OpenFindings(ctx context.Context) ([]Finding, error)
	GetFinding(ctx context.Context, id string) (Finding, error)
	UpdateStatus(ctx context.Context, id string, status FindingStatus, note string) error
}

// ServiceConfig groups detector settings.
type ServiceConfig struct {
	NegativeStock NegativeStockConfig
	Margin        MarginConfig
	Shrinkage     ShrinkageConfig
	// ScanShards splits the negative-stock pass into independently
	// cancellable position shards.
	ScanShards int
}

// Service runs the detector suite over a consistent ledger snapshot and owns
// finding lifecycle. Detectors are pure read-side: nothing here mutates the
// ledger.
type Service struct {
	repo     RepositoryPort
	ledger   LedgerPort
	postings PostingPort
	parked   ParkedPort
	recon    ReconPort
	prices   PricePort
	margin   *MarginChecker
	logger   *slog.Logger
	cfg      ServiceConfig

	mu           sync.Mutex
	marginCursor time.Time
	marginSeen   map[string]struct{}
}

// NewService builds Service. recon and prices may be nil, disabling the
// shrinkage and margin detectors respectively.
func NewService(
	repo RepositoryPort,
	ledgerPort LedgerPort,
	postings PostingPort,
	parked ParkedPort,
	reconPort ReconPort,
	prices PricePort,
	logger *slog.Logger,
	cfg ServiceConfig,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ScanShards <= 0 {
		cfg.ScanShards = 4
	}
	if cfg.NegativeStock.ModerateAt.Sign() <= 0 {
		cfg.NegativeStock = DefaultNegativeStockConfig()
	}
	if cfg.Shrinkage.Periods < 2 {
		cfg.Shrinkage = DefaultShrinkageConfig()
	}
	return &Service{
		repo:     repo,
		ledger:   ledgerPort,
		postings: postings,
		parked:   parked,
		recon:    reconPort,
		prices:   prices,
		margin:   NewMarginChecker(cfg.Margin),
		logger:   logger.With(slog.String("component", "anomaly")),
		cfg:      cfg,
	}
}

// ScanResult summarises one detector pass.
type ScanResult struct {
	Positions  int
	Postings   int
	Periods    int
	Findings   int
	BySeverity map[Severity]int
	// Inserted carries the findings stored by this pass for downstream
	// alerting and metrics.
	Inserted []Finding
}

// Scan runs all detectors against the ledger state as of at. The
// negative-stock pass is sharded by (SKU, location) and each shard honours
// cancellation, so a timeout loses at most the in-flight shards.
func (s *Service) Scan(ctx context.Context, at time.Time) (ScanResult, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	open, err := s.openByKey(ctx)
	if err != nil {
		return ScanResult{}, err
	}

	var (
		result    ScanResult
		mu        sync.Mutex
		collected []Finding
	)
	collect := func(findings []Finding) {
		mu.Lock()
		collected = append(collected, findings...)
		mu.Unlock()
	}

	group, gctx := errgroup.WithContext(ctx)

	positions, err := s.ledger.Positions(ctx)
	if err != nil {
		return ScanResult{}, fmt.Errorf("anomaly: load positions: %w", err)
	}
	result.Positions = len(positions)

	parked, err := s.loadParked(ctx)
	if err != nil {
		return ScanResult{}, err
	}

	for _, shard := range shardPositions(positions, s.cfg.ScanShards) {
		group.Go(func() error {
			findings, err := detectNegativeStock(gctx, shard, s.ledger, parked, open, s.cfg.NegativeStock, at)
			if err != nil {
				return err
			}
			collect(findings)
			return nil
		})
	}

	if s.postings != nil && s.prices != nil {
		group.Go(func() error {
			findings, scanned, err := s.scanMargins(gctx, at)
			if err != nil {
				return err
			}
			mu.Lock()
			result.Postings = scanned
			mu.Unlock()
			collect(findings)
			return nil
		})
	}

	if s.recon != nil {
		group.Go(func() error {
			findings, periods, err := s.scanShrinkage(gctx, at, open)
			if err != nil {
				return err
			}
			mu.Lock()
			result.Periods = periods
			mu.Unlock()
			collect(findings)
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return ScanResult{}, err
	}

	if len(collected) > 0 {
		sort.Slice(collected, func(i, j int) bool { return collected[i].Key() < collected[j].Key() })
		if err := s.repo.InsertFindings(ctx, collected); err != nil {
			return ScanResult{}, fmt.Errorf("anomaly: store findings: %w", err)
		}
	}

	result.Findings = len(collected)
	result.Inserted = collected
	result.BySeverity = make(map[Severity]int)
	for _, finding := range collected {
		result.BySeverity[finding.Severity]++
		s.logger.Warn("anomaly detected",
			slog.String("type", string(finding.Type)),
			slog.String("sku", finding.SKU),
			slog.String("location", finding.Location),
			slog.String("severity", string(finding.Severity)),
		)
	}
	s.logger.Info("scan complete",
		slog.Int("positions", result.Positions),
		slog.Int("postings", result.Postings),
		slog.Int("findings", result.Findings),
	)
	return result, nil
}

func (s *Service) openByKey(ctx context.Context) (map[string]Finding, error) {
	openFindings, err := s.repo.OpenFindings(ctx)
	if err != nil {
		return nil, fmt.Errorf("anomaly: load open findings: %w", err)
	}
	open := make(map[string]Finding, len(openFindings))
	for _, finding := range openFindings {
		// Keep the earliest detection per key so age escalation measures
		// the full span of the condition.
		if prior, ok := open[finding.Key()]; ok && prior.DetectedAt.Before(finding.DetectedAt) {
			continue
		}
		open[finding.Key()] = finding
	}
	return open, nil
}

func (s *Service) loadParked(ctx context.Context) ([]costing.ParkedEvent, error) {
	if s.parked == nil {
		return nil, nil
	}
	parked, err := s.parked.ParkedEvents(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("anomaly: load parked events: %w", err)
	}
	return parked, nil
}

// scanMargins feeds postings newer than the cursor through the margin
// checker in posted order, then advances the cursor. The posting store's
// window is inclusive on From, so the ids sitting exactly on the cursor are
// remembered and skipped when the next pass fetches them again; each posting
// enters the margin window exactly once.
func (s *Service) scanMargins(ctx context.Context, at time.Time) ([]Finding, int, error) {
	s.mu.Lock()
	cursor := s.marginCursor
	seen := s.marginSeen
	s.mu.Unlock()

	postings, err := s.postings.Postings(ctx, costing.PostingFilter{From: cursor, To: at})
	if err != nil {
		return nil, 0, fmt.Errorf("anomaly: load postings: %w", err)
	}
	sort.Slice(postings, func(i, j int) bool { return postings[i].PostedAt.Before(postings[j].PostedAt) })

	var findings []Finding
	scanned := 0
	for _, posting := range postings {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		if _, done := seen[posting.ID]; done {
			continue
		}
		scanned++
		if posting.PostedAt.After(cursor) {
			cursor = posting.PostedAt
		}
		price, ok, err := s.prices.SalePrice(ctx, posting.SKU, posting.Location, posting.PostedAt)
		if err != nil {
			return nil, 0, fmt.Errorf("anomaly: sale price for %s/%s: %w", posting.SKU, posting.Location, err)
		}
		if !ok {
			continue
		}
		if finding, flagged := s.margin.Check(posting, price, at); flagged {
			findings = append(findings, finding)
		}
	}

	boundary := make(map[string]struct{})
	for _, posting := range postings {
		if posting.PostedAt.Equal(cursor) {
			boundary[posting.ID] = struct{}{}
		}
	}

	s.mu.Lock()
	if !cursor.Before(s.marginCursor) {
		s.marginCursor = cursor
		s.marginSeen = boundary
	}
	s.mu.Unlock()
	return findings, scanned, nil
}

func (s *Service) scanShrinkage(ctx context.Context, at time.Time, open map[string]Finding) ([]Finding, int, error) {
	periods, err := s.recon.Periods(ctx, s.cfg.Shrinkage.Periods)
	if err != nil {
		return nil, 0, fmt.Errorf("anomaly: load periods: %w", err)
	}
	recordsByPeriod := make(map[string][]recon.Record, len(periods))
	for _, period := range periods {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		records, err := s.recon.Records(ctx, period)
		if err != nil {
			return nil, 0, fmt.Errorf("anomaly: load records for %s: %w", period, err)
		}
		recordsByPeriod[period] = records
	}

	findings := detectShrinkage(periods, recordsByPeriod, s.cfg.Shrinkage, at)
	kept := findings[:0]
	for _, finding := range findings {
		if _, ok := open[finding.Key()]; ok {
			continue
		}
		kept = append(kept, finding)
	}
	return kept, len(periods), nil
}

func shardPositions(positions []ledger.Position, shards int) [][]ledger.Position {
	if shards <= 1 {
		return [][]ledger.Position{positions}
	}
	out := make([][]ledger.Position, shards)
	for _, pos := range positions {
		h := fnv.New32a()
		h.Write([]byte(pos.SKU))
		h.Write([]byte{0})
		h.Write([]byte(pos.Location))
		idx := int(h.Sum32() % uint32(shards))
		out[idx] = append(out[idx], pos)
	}
	return out
}

// Findings lists stored findings.
func (s *Service) Findings(ctx context.Context, filter FindingFilter) ([]Finding, error) {
	return s.repo.ListFindings(ctx, filter)
}

// Acknowledge moves an open finding to acknowledged.
func (s *Service) Acknowledge(ctx context.Context, id, note string) error {
	return s.transition(ctx, id, StatusAcknowledged, note)
}

// Resolve closes a finding with a note.
func (s *Service) Resolve(ctx context.Context, id, note string) error {
	if note == "" {
		return errors.New("anomaly: resolution note required")
	}
	return s.transition(ctx, id, StatusResolved, note)
}

func (s *Service) transition(ctx context.Context, id string, status FindingStatus, note string) error {
	finding, err := s.repo.GetFinding(ctx, id)
	if err != nil {
		return err
	}
	if err := ValidateFindingTransition(finding.Status, status); err != nil {
		return err
	}
	return s.repo.UpdateStatus(ctx, id, status, note)
}
