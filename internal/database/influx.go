package database

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hanzch/qds/internal/executor"
	"github.com/hanzch/qds/pkg/config"
	"github.com/hanzch/qds/pkg/models"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	influxhttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"
)

const influxBatchSize = 5000

// pointWriter is the part of api.WriteAPIBlocking the store needs
type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxStore appends datasets to InfluxDB. The table name becomes the
// measurement and the instrument code a tag.
type InfluxStore struct {
	client   influxdb2.Client
	writeAPI pointWriter
	queryAPI api.QueryAPI
	logger   *logrus.Entry
	bucket   string
}

// NewInfluxStore creates a new InfluxDB store
func NewInfluxStore(cfg *config.InfluxConfig, logger *logrus.Logger) *InfluxStore {
	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetHTTPRequestTimeout(uint(cfg.Timeout.Seconds())).
			SetLogLevel(0),
	)

	return &InfluxStore{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		logger:   logger.WithField("component", "influxdb"),
		bucket:   cfg.Bucket,
	}
}

// Close closes the InfluxDB client
func (s *InfluxStore) Close() {
	s.client.Close()
}

// Health checks InfluxDB health
func (s *InfluxStore) Health(ctx context.Context) error {
	health, err := s.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("influxdb health check failed: %s", msg)
	}

	return nil
}

// Append writes ds to measurement table in batches
func (s *InfluxStore) Append(ctx context.Context, table string, ds *models.Dataset) error {
	points := toPoints(table, ds)
	for lo := 0; lo < len(points); lo += influxBatchSize {
		hi := lo + influxBatchSize
		if hi > len(points) {
			hi = len(points)
		}
		if err := s.writeAPI.WritePoint(ctx, points[lo:hi]...); err != nil {
			return fmt.Errorf("failed to write %d points to %s: %w", hi-lo, table, influxError(err))
		}
	}

	s.logger.WithFields(logrus.Fields{
		"measurement": table,
		"points":      len(points),
	}).Debug("Dataset written")
	return nil
}

func toPoints(table string, ds *models.Dataset) []*write.Point {
	points := make([]*write.Point, 0, ds.Len())
	for _, b := range ds.Bars {
		points = append(points, influxdb2.NewPoint(
			table,
			map[string]string{"code": b.Code},
			map[string]interface{}{
				"open":   b.Open,
				"high":   b.High,
				"low":    b.Low,
				"close":  b.Close,
				"volume": b.Volume,
				"amount": b.Amount,
			},
			b.Timestamp,
		))
	}
	for _, f := range ds.Factors {
		points = append(points, influxdb2.NewPoint(
			table,
			map[string]string{"code": f.Code},
			map[string]interface{}{"adj_factor": f.Factor},
			f.Date,
		))
	}
	return points
}

// influxError marks rejections that will repeat for every task as fatal:
// a missing bucket, bad credentials or a field type conflict.
func influxError(err error) error {
	var herr *influxhttp.Error
	if !errors.As(err, &herr) {
		return err
	}
	switch herr.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %w", executor.ErrFatalStore, err)
	}
	return err
}

// StoredRange returns the earliest and latest timestamps stored for code
// in table, with the row count of the close field.
func (s *InfluxStore) StoredRange(ctx context.Context, table, code string) (earliest, latest time.Time, count int64, err error) {
	base := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: 0)
		|> filter(fn: (r) => r._measurement == "%s")
		|> filter(fn: (r) => r.code == "%s")
		|> filter(fn: (r) => r._field == "close" or r._field == "adj_factor")
	`, s.bucket, table, code)

	earliestResult, err := s.queryAPI.Query(ctx, base+"|> first()")
	if err != nil {
		return time.Time{}, time.Time{}, 0, fmt.Errorf("failed to query earliest: %w", err)
	}
	defer earliestResult.Close()
	if earliestResult.Next() {
		earliest = earliestResult.Record().Time()
	}

	latestResult, err := s.queryAPI.Query(ctx, base+"|> last()")
	if err != nil {
		return time.Time{}, time.Time{}, 0, fmt.Errorf("failed to query latest: %w", err)
	}
	defer latestResult.Close()
	if latestResult.Next() {
		latest = latestResult.Record().Time()
	}

	countResult, err := s.queryAPI.Query(ctx, base+"|> count()")
	if err != nil {
		return earliest, latest, 0, fmt.Errorf("failed to query count: %w", err)
	}
	defer countResult.Close()
	if countResult.Next() {
		if v, ok := countResult.Record().Value().(int64); ok {
			count = v
		}
	}

	return earliest, latest, count, nil
}
