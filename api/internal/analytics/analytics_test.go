package analytics

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"kaapeh-copiloto/api/internal/models"
)

func TestCategorizeKnownLabels(t *testing.T) {
	counts := map[string]int{}
	for label, want := range KnownLabels() {
		if got := Categorize(label); got != want {
			t.Fatalf("Categorize(%q) = %q, want %q", label, got, want)
		}
		counts[want]++
	}
	if counts[CategoryNutrition] != 9 || counts[CategoryDisease] != 3 || counts[CategoryPest] != 2 || counts[CategoryHealthy] != 1 {
		t.Fatalf("unexpected label table: %#v", counts)
	}
}

func TestCategorizeIsTotal(t *testing.T) {
	for _, label := range []string{"", "   ", "Something new", "Leaf rust", "🌱"} {
		if got := Categorize(label); got != CategoryOther {
			t.Fatalf("Categorize(%q) = %q, want %q", label, got, CategoryOther)
		}
	}
}

func TestCategorizeNormalizes(t *testing.T) {
	cases := map[string]string{
		"roya del cafe":                CategoryDisease,
		"  ROYA   DEL CAFÉ ":           CategoryDisease,
		"Arana Roja":                   CategoryPest,
		"deficiencia de nitrogeno (n)": CategoryNutrition,
	}
	for label, want := range cases {
		if got := Categorize(label); got != want {
			t.Fatalf("Categorize(%q) = %q, want %q", label, got, want)
		}
	}
}

func TestBuildFrequentIssues(t *testing.T) {
	stats := []models.IssueStat{
		{Issue: "b", Count: 2, AvgConfidence: 0.81234},
		{Issue: "a", Count: 2, AvgConfidence: 0.5},
		{Issue: "c", Count: 5, AvgConfidence: 0.9},
		{Issue: "d", Count: 1, AvgConfidence: 0.7},
	}
	got := BuildFrequentIssues(stats, 3, 30)
	if got.TotalDiagnoses != 10 || got.Period != "last_30_days" {
		t.Fatalf("unexpected header: %#v", got)
	}
	if len(got.Issues) != 3 {
		t.Fatalf("expected 3 issues, got %d", len(got.Issues))
	}
	order := []string{got.Issues[0].Issue, got.Issues[1].Issue, got.Issues[2].Issue}
	if order[0] != "c" || order[1] != "a" || order[2] != "b" {
		t.Fatalf("order = %v", order)
	}
	if got.Issues[0].Percentage != 50 || got.Issues[1].Percentage != 20 {
		t.Fatalf("percentages = %v, %v", got.Issues[0].Percentage, got.Issues[1].Percentage)
	}
	if got.Issues[2].AvgConfidence != 0.812 {
		t.Fatalf("avg confidence = %v", got.Issues[2].AvgConfidence)
	}
}

func TestBuildFrequentIssuesPercentageRounding(t *testing.T) {
	got := BuildFrequentIssues([]models.IssueStat{{Issue: "a", Count: 1}, {Issue: "b", Count: 2}}, 10, 0)
	if got.Period != "all_time" {
		t.Fatalf("period = %s", got.Period)
	}
	if got.Issues[0].Percentage != 66.67 || got.Issues[1].Percentage != 33.33 {
		t.Fatalf("percentages = %#v", got.Issues)
	}
}

func TestBuildFrequentIssuesEmpty(t *testing.T) {
	got := BuildFrequentIssues(nil, 10, 7)
	if got.TotalDiagnoses != 0 || got.Issues == nil || len(got.Issues) != 0 {
		t.Fatalf("unexpected empty result: %#v", got)
	}
}

func TestBuildCategoryDistributionZeroFills(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	got := BuildCategoryDistribution([]models.IssueStat{
		{Issue: "Roya del Café", Count: 3},
		{Issue: "Mancha de Phoma", Count: 1},
		{Issue: "unmapped", Count: 2},
	}, now)
	if len(got.Categories) != len(Categories) {
		t.Fatalf("categories = %#v", got.Categories)
	}
	if got.Categories[CategoryDisease] != 4 || got.Categories[CategoryOther] != 2 || got.Categories[CategoryPest] != 0 {
		t.Fatalf("categories = %#v", got.Categories)
	}
	if got.TotalDiagnoses != 6 || !got.Timestamp.Equal(now) {
		t.Fatalf("unexpected totals: %#v", got)
	}
}

func TestBuildHeatmap(t *testing.T) {
	rows := []models.LocationIssueStat{
		{Location: "Chiapas, México", Issue: "Araña Roja", Count: 2, ConfidenceSum: 1.6},
		{Location: "Chiapas, México", Issue: "Roya del Café", Count: 2, ConfidenceSum: 1.8},
		{Location: "Veracruz", Issue: "Planta Saludable", Count: 4, ConfidenceSum: 3.6},
		{Location: "  ", Issue: "x", Count: 9},
	}
	got := BuildHeatmap(rows)
	if got.TotalLocations != 2 {
		t.Fatalf("total locations = %d", got.TotalLocations)
	}
	first, second := got.Locations[0], got.Locations[1]
	if first.Location != "Chiapas, México" || second.Location != "Veracruz" {
		t.Fatalf("tie on count should order by location: %#v", got.Locations)
	}
	if first.MostCommonIssue != "Araña Roja" {
		t.Fatalf("tie on issue should pick lexically first, got %q", first.MostCommonIssue)
	}
	if first.AvgConfidence != 0.85 {
		t.Fatalf("avg confidence = %v", first.AvgConfidence)
	}
}

func TestBucketKeys(t *testing.T) {
	cases := []struct {
		at       time.Time
		interval string
		want     string
	}{
		{time.Date(2024, 5, 8, 23, 59, 0, 0, time.UTC), IntervalDay, "2024-05-08"},
		// Wednesday -> Monday of the same week.
		{time.Date(2024, 5, 8, 10, 0, 0, 0, time.UTC), IntervalWeek, "2024-05-06"},
		// Monday is its own week start.
		{time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC), IntervalWeek, "2024-05-06"},
		// Sunday belongs to the week that started six days earlier.
		{time.Date(2024, 5, 12, 18, 0, 0, 0, time.UTC), IntervalWeek, "2024-05-06"},
		// Week crossing a month boundary.
		{time.Date(2024, 6, 2, 12, 0, 0, 0, time.UTC), IntervalWeek, "2024-05-27"},
		{time.Date(2024, 2, 29, 12, 0, 0, 0, time.UTC), IntervalMonth, "2024-02"},
		// Non-UTC input is bucketed by its UTC day.
		{time.Date(2024, 5, 5, 20, 0, 0, 0, time.FixedZone("CST", -6*3600)), IntervalDay, "2024-05-06"},
	}
	for _, tc := range cases {
		if got := BucketKey(tc.at, tc.interval); got != tc.want {
			t.Fatalf("BucketKey(%s, %s) = %s, want %s", tc.at, tc.interval, got, tc.want)
		}
	}
}

func TestBuildTrend(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2024, 5, d, 0, 0, 0, 0, time.UTC) }
	rows := []models.DailyIssueCount{
		{Day: day(14), Issue: "Araña Roja", Count: 1},
		{Day: day(6), Issue: "Roya del Café", Count: 2},
		{Day: day(8), Issue: "Planta Saludable", Count: 1},
		{Day: day(12), Issue: "desconocido", Count: 3},
	}
	got := BuildTrend(rows, IntervalWeek, 30)
	if got.Interval != IntervalWeek || got.Period != "last_30_days" {
		t.Fatalf("unexpected header: %#v", got)
	}
	if got.TotalDataPoints != 2 {
		t.Fatalf("expected 2 buckets, got %#v", got.DataPoints)
	}
	w1, w2 := got.DataPoints[0], got.DataPoints[1]
	if w1.Date != "2024-05-06" || w2.Date != "2024-05-13" {
		t.Fatalf("bucket keys = %s, %s", w1.Date, w2.Date)
	}
	if w1.TotalDiagnoses != 6 || w1.ByCategory[CategoryDisease] != 2 || w1.ByCategory[CategoryHealthy] != 1 || w1.ByCategory[CategoryOther] != 3 {
		t.Fatalf("first bucket = %#v", w1)
	}
	if len(w2.ByCategory) != len(Categories) || w2.ByCategory[CategoryPest] != 1 {
		t.Fatalf("second bucket = %#v", w2)
	}
}

func TestBuildTrendNoEmptyBuckets(t *testing.T) {
	rows := []models.DailyIssueCount{
		{Day: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Issue: "a", Count: 1},
		{Day: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), Issue: "a", Count: 1},
	}
	got := BuildTrend(rows, IntervalMonth, 90)
	if got.TotalDataPoints != 2 || got.DataPoints[0].Date != "2024-01" || got.DataPoints[1].Date != "2024-03" {
		t.Fatalf("unexpected months: %#v", got.DataPoints)
	}
}

func TestBuildFeedbackAnalysis(t *testing.T) {
	rows := []models.FeedbackStat{
		{Issue: "Roya del Café", Total: 10, Correct: 9},
		{Issue: "Araña Roja", Total: 4, Correct: 1},
		{Issue: "Mancha de Phoma", Total: 5, Correct: 2},
	}
	got := BuildFeedbackAnalysis(rows, 10)
	if got.TotalWithFeedback != 19 || got.CorrectDiagnoses != 12 || got.IncorrectDiagnoses != 7 {
		t.Fatalf("totals = %#v", got)
	}
	if got.AccuracyRate != 63.16 {
		t.Fatalf("accuracy = %v", got.AccuracyRate)
	}
	ranked := got.IssuesWithMostErrors
	if ranked[0].Issue != "Araña Roja" || ranked[1].Issue != "Mancha de Phoma" || ranked[2].Issue != "Roya del Café" {
		t.Fatalf("ranking = %#v", ranked)
	}
	if ranked[0].Accuracy != 25 || ranked[1].Accuracy != 40 {
		t.Fatalf("accuracies = %v %v", ranked[0].Accuracy, ranked[1].Accuracy)
	}
}

func TestBuildFeedbackAnalysisEmpty(t *testing.T) {
	got := BuildFeedbackAnalysis(nil, 10)
	if got.AccuracyRate != 0 || got.TotalWithFeedback != 0 {
		t.Fatalf("unexpected: %#v", got)
	}
}

func TestBuildActiveUsers(t *testing.T) {
	ana, beto := uuid.New(), uuid.New()
	seen := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	shown := "Ana María"
	rows := []models.UserIssueStat{
		{UserID: ana, Username: "ana@dev-1", DisplayName: &shown, Issue: "Roya del Café", Count: 2, LastActivity: seen},
		{UserID: ana, Username: "ana@dev-1", DisplayName: &shown, Issue: "Araña Roja", Count: 2, LastActivity: seen},
		{UserID: beto, Username: "beto@dev-2", Issue: "Planta Saludable", Count: 1, LastActivity: seen},
	}
	got := BuildActiveUsers(rows, 5, 1)
	if got.TotalUsers != 5 || got.Showing != 1 {
		t.Fatalf("totals = %#v", got)
	}
	u := got.ActiveUsers[0]
	if u.UserID != ana || u.TotalDiagnoses != 4 || u.MostCommonIssue != "Araña Roja" || u.DisplayName != "Ana María" {
		t.Fatalf("user = %#v", u)
	}

	all := BuildActiveUsers(rows, 5, 20)
	if all.ActiveUsers[1].DisplayName != "beto" {
		t.Fatalf("display name fallback = %q", all.ActiveUsers[1].DisplayName)
	}
}

func TestDisplayName(t *testing.T) {
	if DisplayName("juan", nil) != "juan" {
		t.Fatalf("plain username should pass through")
	}
	blank := "  "
	if DisplayName("juan@abc", &blank) != "juan" {
		t.Fatalf("blank stored name should fall back")
	}
}
