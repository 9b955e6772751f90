package analytics

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"kaapeh-copiloto/api/internal/metrics"
	"kaapeh-copiloto/api/internal/models"
)

const (
	IntervalDay   = "day"
	IntervalWeek  = "week"
	IntervalMonth = "month"
)

type IssueFrequency struct {
	Issue         string  `json:"issue"`
	Count         int     `json:"count"`
	Percentage    float64 `json:"percentage"`
	AvgConfidence float64 `json:"avg_confidence"`
}

type FrequentIssues struct {
	TotalDiagnoses int              `json:"total_diagnoses"`
	Period         string           `json:"period"`
	Issues         []IssueFrequency `json:"issues"`
}

type CategoryDistribution struct {
	Categories     map[string]int `json:"categories"`
	TotalDiagnoses int            `json:"total_diagnoses"`
	Timestamp      time.Time      `json:"timestamp"`
}

type LocationSummary struct {
	Location        string  `json:"location"`
	DiagnosesCount  int     `json:"diagnoses_count"`
	MostCommonIssue string  `json:"most_common_issue"`
	AvgConfidence   float64 `json:"avg_confidence"`
}

type Heatmap struct {
	TotalLocations int               `json:"total_locations"`
	Locations      []LocationSummary `json:"locations"`
}

type TrendPoint struct {
	Date           string         `json:"date"`
	Start          time.Time      `json:"-"`
	TotalDiagnoses int            `json:"total_diagnoses"`
	ByCategory     map[string]int `json:"by_category"`
}

type Trend struct {
	Period          string       `json:"period"`
	Interval        string       `json:"interval"`
	TotalDataPoints int          `json:"total_data_points"`
	DataPoints      []TrendPoint `json:"data_points"`
}

type IssueAccuracy struct {
	Issue     string  `json:"issue"`
	Total     int     `json:"total"`
	Correct   int     `json:"correct"`
	Incorrect int     `json:"incorrect"`
	Accuracy  float64 `json:"accuracy"`
}

type FeedbackAnalysis struct {
	TotalWithFeedback    int             `json:"total_with_feedback"`
	CorrectDiagnoses     int             `json:"correct_diagnoses"`
	IncorrectDiagnoses   int             `json:"incorrect_diagnoses"`
	AccuracyRate         float64         `json:"accuracy_rate"`
	IssuesWithMostErrors []IssueAccuracy `json:"issues_with_most_errors"`
}

type ActiveUser struct {
	UserID          uuid.UUID `json:"user_id"`
	Username        string    `json:"username"`
	DisplayName     string    `json:"display_name"`
	TotalDiagnoses  int       `json:"total_diagnoses"`
	LastActivity    time.Time `json:"last_activity"`
	MostCommonIssue string    `json:"most_common_issue"`
}

type ActiveUsers struct {
	TotalUsers  int          `json:"total_users"`
	Showing     int          `json:"showing"`
	ActiveUsers []ActiveUser `json:"active_users"`
}

func PeriodLabel(days int) string {
	if days <= 0 {
		return "all_time"
	}
	return fmt.Sprintf("last_%d_days", days)
}

// rankCounts orders labels by count desc and label asc. The secondary key
// keeps "most common" answers reproducible across runs.
func rankCounts(counts map[string]int) []string {
	labels := make([]string, 0, len(counts))
	for label := range counts {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if counts[labels[i]] != counts[labels[j]] {
			return counts[labels[i]] > counts[labels[j]]
		}
		return labels[i] < labels[j]
	})
	return labels
}

func mostCommon(counts map[string]int) string {
	ranked := rankCounts(counts)
	if len(ranked) == 0 {
		return ""
	}
	return ranked[0]
}

// BuildFrequentIssues ranks every label in the window and keeps the top
// limit. Percentages are relative to all diagnoses in the window, not just
// the ones shown.
func BuildFrequentIssues(stats []models.IssueStat, limit int, days int) FrequentIssues {
	total := 0
	byIssue := make(map[string]models.IssueStat, len(stats))
	counts := make(map[string]int, len(stats))
	for _, s := range stats {
		total += s.Count
		byIssue[s.Issue] = s
		counts[s.Issue] = s.Count
	}

	ranked := rankCounts(counts)
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	issues := make([]IssueFrequency, 0, len(ranked))
	for _, label := range ranked {
		s := byIssue[label]
		pct := 0.0
		if total > 0 {
			pct = metrics.Round(float64(s.Count)/float64(total)*100, 2)
		}
		issues = append(issues, IssueFrequency{
			Issue:         label,
			Count:         s.Count,
			Percentage:    pct,
			AvgConfidence: metrics.Round(s.AvgConfidence, 3),
		})
	}
	return FrequentIssues{TotalDiagnoses: total, Period: PeriodLabel(days), Issues: issues}
}

// BuildCategoryDistribution rolls labels up into categories. Every category
// is present, zero-filled.
func BuildCategoryDistribution(stats []models.IssueStat, now time.Time) CategoryDistribution {
	out := CategoryDistribution{Categories: EmptyCategoryCounts(), Timestamp: now}
	for _, s := range stats {
		out.Categories[Categorize(s.Issue)] += s.Count
		out.TotalDiagnoses += s.Count
	}
	return out
}

func BuildHeatmap(rows []models.LocationIssueStat) Heatmap {
	type acc struct {
		count   int
		confSum float64
		issues  map[string]int
	}
	byLocation := map[string]*acc{}
	for _, row := range rows {
		loc := strings.TrimSpace(row.Location)
		if loc == "" || row.Count <= 0 {
			continue
		}
		a := byLocation[loc]
		if a == nil {
			a = &acc{issues: map[string]int{}}
			byLocation[loc] = a
		}
		a.count += row.Count
		a.confSum += row.ConfidenceSum
		a.issues[row.Issue] += row.Count
	}

	locations := make([]LocationSummary, 0, len(byLocation))
	for loc, a := range byLocation {
		locations = append(locations, LocationSummary{
			Location:        loc,
			DiagnosesCount:  a.count,
			MostCommonIssue: mostCommon(a.issues),
			AvgConfidence:   metrics.Round(a.confSum/float64(a.count), 3),
		})
	}
	sort.Slice(locations, func(i, j int) bool {
		if locations[i].DiagnosesCount != locations[j].DiagnosesCount {
			return locations[i].DiagnosesCount > locations[j].DiagnosesCount
		}
		return locations[i].Location < locations[j].Location
	})
	return Heatmap{TotalLocations: len(locations), Locations: locations}
}

func ValidInterval(interval string) bool {
	switch interval {
	case IntervalDay, IntervalWeek, IntervalMonth:
		return true
	}
	return false
}

// BucketStart returns the UTC start of the bucket containing t. Weeks start
// on Monday.
func BucketStart(t time.Time, interval string) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch interval {
	case IntervalWeek:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case IntervalMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return day
	}
}

// BucketKey formats the bucket: YYYY-MM-DD for day and week (the Monday),
// YYYY-MM for month.
func BucketKey(t time.Time, interval string) string {
	start := BucketStart(t, interval)
	if interval == IntervalMonth {
		return start.Format("2006-01")
	}
	return start.Format("2006-01-02")
}

// BuildTrend folds per-day counts into buckets. Only buckets with at least
// one diagnosis are emitted, ascending by key.
func BuildTrend(rows []models.DailyIssueCount, interval string, days int) Trend {
	points := map[string]*TrendPoint{}
	for _, row := range rows {
		if row.Count <= 0 {
			continue
		}
		key := BucketKey(row.Day, interval)
		p := points[key]
		if p == nil {
			p = &TrendPoint{Date: key, Start: BucketStart(row.Day, interval), ByCategory: EmptyCategoryCounts()}
			points[key] = p
		}
		p.TotalDiagnoses += row.Count
		p.ByCategory[Categorize(row.Issue)] += row.Count
	}

	out := make([]TrendPoint, 0, len(points))
	for _, p := range points {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return Trend{Period: PeriodLabel(days), Interval: interval, TotalDataPoints: len(out), DataPoints: out}
}

func BuildFeedbackAnalysis(rows []models.FeedbackStat, top int) FeedbackAnalysis {
	var out FeedbackAnalysis
	perIssue := make([]IssueAccuracy, 0, len(rows))
	for _, row := range rows {
		if row.Total <= 0 {
			continue
		}
		incorrect := row.Total - row.Correct
		out.TotalWithFeedback += row.Total
		out.CorrectDiagnoses += row.Correct
		out.IncorrectDiagnoses += incorrect
		perIssue = append(perIssue, IssueAccuracy{
			Issue:     row.Issue,
			Total:     row.Total,
			Correct:   row.Correct,
			Incorrect: incorrect,
			Accuracy:  metrics.Round(float64(row.Correct)/float64(row.Total)*100, 2),
		})
	}
	out.AccuracyRate = metrics.TPP(out.CorrectDiagnoses, out.TotalWithFeedback)

	sort.Slice(perIssue, func(i, j int) bool {
		if perIssue[i].Incorrect != perIssue[j].Incorrect {
			return perIssue[i].Incorrect > perIssue[j].Incorrect
		}
		return perIssue[i].Issue < perIssue[j].Issue
	})
	if top > 0 && len(perIssue) > top {
		perIssue = perIssue[:top]
	}
	out.IssuesWithMostErrors = perIssue
	return out
}

// DisplayName prefers the stored display name, then the part of the
// username before '@'.
func DisplayName(username string, stored *string) string {
	if stored != nil && strings.TrimSpace(*stored) != "" {
		return strings.TrimSpace(*stored)
	}
	if before, _, ok := strings.Cut(username, "@"); ok && before != "" {
		return before
	}
	return username
}

func BuildActiveUsers(rows []models.UserIssueStat, totalUsers int, limit int) ActiveUsers {
	type acc struct {
		user   ActiveUser
		issues map[string]int
	}
	byUser := map[uuid.UUID]*acc{}
	for _, row := range rows {
		if row.Count <= 0 {
			continue
		}
		a := byUser[row.UserID]
		if a == nil {
			a = &acc{
				user: ActiveUser{
					UserID:      row.UserID,
					Username:    row.Username,
					DisplayName: DisplayName(row.Username, row.DisplayName),
				},
				issues: map[string]int{},
			}
			byUser[row.UserID] = a
		}
		a.user.TotalDiagnoses += row.Count
		if row.LastActivity.After(a.user.LastActivity) {
			a.user.LastActivity = row.LastActivity
		}
		a.issues[row.Issue] += row.Count
	}

	users := make([]ActiveUser, 0, len(byUser))
	for _, a := range byUser {
		a.user.MostCommonIssue = mostCommon(a.issues)
		users = append(users, a.user)
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].TotalDiagnoses != users[j].TotalDiagnoses {
			return users[i].TotalDiagnoses > users[j].TotalDiagnoses
		}
		return users[i].Username < users[j].Username
	})
	if limit > 0 && len(users) > limit {
		users = users[:limit]
	}
	return ActiveUsers{TotalUsers: totalUsers, Showing: len(users), ActiveUsers: users}
}
