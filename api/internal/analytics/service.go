package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"kaapeh-copiloto/api/internal/models"
	"kaapeh-copiloto/shared/logx"
	"kaapeh-copiloto/shared/metricsx"
)

const (
	DefaultIssueLimit = 10
	MaxIssueLimit     = 50
	DefaultTrendDays  = 30
	MinTrendDays      = 7
	MaxDays           = 365
	DefaultUserLimit  = 20
	MaxUserLimit      = 100
	FeedbackTopN      = 10

	// CacheNamespace prefixes every cached analytics response.
	CacheNamespace = "analytics"
)

// ParamError reports an out-of-range query parameter.
type ParamError struct {
	Field   string
	Message string
}

func (e *ParamError) Error() string {
	return e.Field + ": " + e.Message
}

type Store interface {
	IssueStats(ctx context.Context, from *time.Time) ([]models.IssueStat, error)
	LocationIssueStats(ctx context.Context) ([]models.LocationIssueStat, error)
	DailyIssueCounts(ctx context.Context, from time.Time) ([]models.DailyIssueCount, error)
	FeedbackStats(ctx context.Context) ([]models.FeedbackStat, error)
	UserIssueStats(ctx context.Context) ([]models.UserIssueStat, error)
	CountUsers(ctx context.Context) (int, error)
}

type Cache interface {
	Key(parts ...string) string
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

type Service struct {
	store  Store
	cache  Cache
	ttl    time.Duration
	logger logx.Logger
	now    func() time.Time
}

func NewService(store Store, logger logx.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

// WithCache enables read-through caching. A nil cache or zero ttl leaves
// caching off.
func (s *Service) WithCache(cache Cache, ttl time.Duration) *Service {
	if cache != nil && ttl > 0 {
		s.cache = cache
		s.ttl = ttl
	}
	return s
}

func (s *Service) FrequentIssues(ctx context.Context, limit int, days int) (FrequentIssues, error) {
	if limit == 0 {
		limit = DefaultIssueLimit
	}
	if limit < 1 || limit > MaxIssueLimit {
		return FrequentIssues{}, &ParamError{Field: "limit", Message: fmt.Sprintf("must be between 1 and %d", MaxIssueLimit)}
	}
	if days < 0 || days > MaxDays {
		return FrequentIssues{}, &ParamError{Field: "days", Message: fmt.Sprintf("must be between 0 (all time) and %d", MaxDays)}
	}

	var out FrequentIssues
	err := s.cached(ctx, &out, func() error {
		var from *time.Time
		if days > 0 {
			f := s.now().UTC().AddDate(0, 0, -days)
			from = &f
		}
		stats, err := s.store.IssueStats(ctx, from)
		if err != nil {
			return err
		}
		out = BuildFrequentIssues(stats, limit, days)
		return nil
	}, "frequent-issues", strconv.Itoa(limit), strconv.Itoa(days))
	return out, err
}

// Categories is never cached; the timestamp reflects the read.
func (s *Service) Categories(ctx context.Context) (CategoryDistribution, error) {
	stats, err := s.store.IssueStats(ctx, nil)
	if err != nil {
		return CategoryDistribution{}, fmt.Errorf("load issue stats: %w", err)
	}
	return BuildCategoryDistribution(stats, s.now().UTC()), nil
}

func (s *Service) Heatmap(ctx context.Context) (Heatmap, error) {
	var out Heatmap
	err := s.cached(ctx, &out, func() error {
		rows, err := s.store.LocationIssueStats(ctx)
		if err != nil {
			return err
		}
		out = BuildHeatmap(rows)
		return nil
	}, "heatmap")
	return out, err
}

func (s *Service) Trends(ctx context.Context, days int, interval string) (Trend, error) {
	if days == 0 {
		days = DefaultTrendDays
	}
	if interval == "" {
		interval = IntervalDay
	}
	if days < MinTrendDays || days > MaxDays {
		return Trend{}, &ParamError{Field: "days", Message: fmt.Sprintf("must be between %d and %d", MinTrendDays, MaxDays)}
	}
	if !ValidInterval(interval) {
		return Trend{}, &ParamError{Field: "interval", Message: "must be one of day, week, month"}
	}

	var out Trend
	err := s.cached(ctx, &out, func() error {
		rows, err := s.store.DailyIssueCounts(ctx, s.now().UTC().AddDate(0, 0, -days))
		if err != nil {
			return err
		}
		out = BuildTrend(rows, interval, days)
		return nil
	}, "trends", strconv.Itoa(days), interval)
	return out, err
}

func (s *Service) FeedbackAnalysis(ctx context.Context) (FeedbackAnalysis, error) {
	var out FeedbackAnalysis
	err := s.cached(ctx, &out, func() error {
		rows, err := s.store.FeedbackStats(ctx)
		if err != nil {
			return err
		}
		out = BuildFeedbackAnalysis(rows, FeedbackTopN)
		return nil
	}, "feedback-analysis")
	return out, err
}

func (s *Service) ActiveUsers(ctx context.Context, limit int) (ActiveUsers, error) {
	if limit == 0 {
		limit = DefaultUserLimit
	}
	if limit < 1 || limit > MaxUserLimit {
		return ActiveUsers{}, &ParamError{Field: "limit", Message: fmt.Sprintf("must be between 1 and %d", MaxUserLimit)}
	}

	var out ActiveUsers
	err := s.cached(ctx, &out, func() error {
		rows, err := s.store.UserIssueStats(ctx)
		if err != nil {
			return err
		}
		total, err := s.store.CountUsers(ctx)
		if err != nil {
			return err
		}
		out = BuildActiveUsers(rows, total, limit)
		return nil
	}, "active-users", strconv.Itoa(limit))
	return out, err
}

// cached fills dest from the cache when possible, otherwise runs load and
// stores the result. Cache failures degrade to a direct load.
func (s *Service) cached(ctx context.Context, dest any, load func() error, parts ...string) error {
	if s.cache == nil {
		return load()
	}
	key := s.cache.Key(append([]string{CacheNamespace}, parts...)...)
	hit, err := s.cache.GetJSON(ctx, key, dest)
	if err != nil {
		s.logger.Warn(ctx, "cache_read_failed", "analytics cache read failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
	if hit {
		metricsx.IncCacheHit()
		return nil
	}
	metricsx.IncCacheMiss()

	if err := load(); err != nil {
		return err
	}
	if err := s.cache.SetJSON(ctx, key, dest, s.ttl); err != nil {
		s.logger.Warn(ctx, "cache_write_failed", "analytics cache write failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
	return nil
}
