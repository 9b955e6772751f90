package influxx

import (
	"context"
	"errors"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"kaapeh-copiloto/shared/config"
)

const (
	MeasurementSnapshot = "copiloto_metrics"
	MeasurementIssues   = "copiloto_issue_counts"
	MeasurementTrend    = "copiloto_trend"
)

type Client struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
	org    string
	bucket string
}

func New(cfg config.Config) (*Client, error) {
	if !cfg.InfluxEnabled() {
		return nil, errors.New("INFLUX_URL/INFLUX_TOKEN/INFLUX_ORG/INFLUX_BUCKET are required")
	}
	opts := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(uint(max(cfg.InfluxTimeoutMS/1000, 1)))
	client := influxdb2.NewClientWithOptions(cfg.InfluxURL, cfg.InfluxToken, opts)
	return &Client{
		client: client,
		write:  client.WriteAPIBlocking(cfg.InfluxOrg, cfg.InfluxBucket),
		org:    cfg.InfluxOrg,
		bucket: cfg.InfluxBucket,
	}, nil
}

func (c *Client) WritePoints(ctx context.Context, points ...*write.Point) error {
	if c == nil || c.client == nil {
		return errors.New("influx client not initialized")
	}
	if len(points) == 0 {
		return nil
	}
	return c.write.WritePoint(ctx, points...)
}

// Snapshot is the subset of a metrics snapshot exported as time series.
type Snapshot struct {
	TPP            float64
	CPM            float64
	NAS            *float64
	TotalDiagnoses int
	Distribution   map[string]int
	WindowDays     int
	TakenAt        time.Time
}

// SnapshotPoints renders one aggregate point plus one point per issue label.
// NAS is omitted as a field when it is unavailable.
func SnapshotPoints(env string, s Snapshot) []*write.Point {
	ts := s.TakenAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	fields := map[string]any{
		"tpp":             s.TPP,
		"cpm":             s.CPM,
		"total_diagnoses": s.TotalDiagnoses,
		"window_days":     s.WindowDays,
	}
	if s.NAS != nil {
		fields["nas"] = *s.NAS
	}
	points := []*write.Point{
		influxdb2.NewPoint(MeasurementSnapshot, map[string]string{"env": env}, fields, ts),
	}
	for issue, count := range s.Distribution {
		points = append(points, influxdb2.NewPoint(
			MeasurementIssues,
			map[string]string{"env": env, "issue": issue},
			map[string]any{"count": count},
			ts,
		))
	}
	return points
}

// TrendBucket is one bucket of a temporal trend, keyed by its start time.
type TrendBucket struct {
	Start      time.Time
	Interval   string
	Total      int
	ByCategory map[string]int
}

func TrendPoints(env string, buckets []TrendBucket) []*write.Point {
	points := make([]*write.Point, 0, len(buckets))
	for _, b := range buckets {
		fields := map[string]any{"total": b.Total}
		for category, n := range b.ByCategory {
			fields[category] = n
		}
		points = append(points, influxdb2.NewPoint(
			MeasurementTrend,
			map[string]string{"env": env, "interval": b.Interval},
			fields,
			b.Start,
		))
	}
	return points
}

func (c *Client) WriteSnapshot(ctx context.Context, env string, s Snapshot) error {
	return c.WritePoints(ctx, SnapshotPoints(env, s)...)
}

func (c *Client) WriteTrend(ctx context.Context, env string, buckets []TrendBucket) error {
	return c.WritePoints(ctx, TrendPoints(env, buckets)...)
}

func (c *Client) Query(ctx context.Context, flux string) (*api.QueryTableResult, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("influx client not initialized")
	}
	return c.client.QueryAPI(c.org).Query(ctx, flux)
}

func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errors.New("influx client not initialized")
	}
	ok, err := c.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("influx ping failed")
	}
	return nil
}

func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Close()
}
