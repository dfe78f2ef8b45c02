package database

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/hanzch/qds/internal/executor"
	"github.com/hanzch/qds/pkg/logger"
	"github.com/hanzch/qds/pkg/models"
	influxhttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func sampleDataset(n int) *models.Dataset {
	ds := &models.Dataset{Kind: models.KindDay}
	day := models.MustDate("20240102")
	for i := 0; i < n; i++ {
		ds.Bars = append(ds.Bars, models.Bar{Code: "000001.SZ", Timestamp: models.AddDays(day, i), Close: float64(i)})
	}
	return ds
}

type fakeWriter struct {
	batches [][]*write.Point
	err     error
}

func (w *fakeWriter) WritePoint(ctx context.Context, points ...*write.Point) error {
	if w.err != nil {
		return w.err
	}
	w.batches = append(w.batches, points)
	return nil
}

func TestInfluxAppendBatches(t *testing.T) {
	w := &fakeWriter{}
	s := &InfluxStore{writeAPI: w, logger: logger.Discard().WithField("component", "test")}

	if err := s.Append(context.Background(), "tushare_day", sampleDataset(influxBatchSize+10)); err != nil {
		t.Fatal(err)
	}
	if len(w.batches) != 2 || len(w.batches[0]) != influxBatchSize || len(w.batches[1]) != 10 {
		t.Fatalf("batches = %d", len(w.batches))
	}
	p := w.batches[0][0]
	if p.Name() != "tushare_day" {
		t.Errorf("measurement = %s", p.Name())
	}
	if len(p.FieldList()) != 6 {
		t.Errorf("fields = %d, want 6", len(p.FieldList()))
	}
}

func TestToPointsFactors(t *testing.T) {
	ds := &models.Dataset{Kind: models.KindAdj, Factors: []models.AdjFactor{
		{Code: "A", Date: models.MustDate("20240102"), Factor: 1.5},
	}}
	points := toPoints("tushare_adj", ds)
	if len(points) != 1 || len(points[0].FieldList()) != 1 || points[0].FieldList()[0].Key != "adj_factor" {
		t.Errorf("points = %v", points)
	}
}

func TestInfluxErrorClassification(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fatal bool
	}{
		{"field type conflict", &influxhttp.Error{StatusCode: http.StatusUnprocessableEntity, Message: "field type conflict"}, true},
		{"bucket not found", &influxhttp.Error{StatusCode: http.StatusNotFound, Message: "bucket not found"}, true},
		{"unauthorized", &influxhttp.Error{StatusCode: http.StatusUnauthorized}, true},
		{"server busy", &influxhttp.Error{StatusCode: http.StatusServiceUnavailable}, false},
		{"network", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &fakeWriter{err: tt.err}
			s := &InfluxStore{writeAPI: w, logger: logger.Discard().WithField("component", "test")}
			err := s.Append(context.Background(), "m", sampleDataset(1))
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, executor.ErrFatalStore); got != tt.fatal {
				t.Errorf("fatal = %v, want %v (%v)", got, tt.fatal, err)
			}
		})
	}
}

type fakeCopier struct {
	tables  []pgx.Identifier
	columns [][]string
	rows    int
	err     error
}

func (c *fakeCopier) CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error) {
	if c.err != nil {
		return 0, c.err
	}
	c.tables = append(c.tables, table)
	c.columns = append(c.columns, columns)
	var n int64
	for src.Next() {
		values, err := src.Values()
		if err != nil {
			return n, err
		}
		if len(values) != len(columns) {
			return n, errors.New("column count mismatch")
		}
		n++
	}
	c.rows += int(n)
	return n, src.Err()
}

func TestPostgresAppend(t *testing.T) {
	c := &fakeCopier{}
	s := &PostgresStore{db: c, schema: "quant", logger: logger.Discard().WithField("component", "test")}

	ds := sampleDataset(3)
	ds.Factors = []models.AdjFactor{{Code: "A", Date: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Factor: 2}}
	if err := s.Append(context.Background(), "tushare_day", ds); err != nil {
		t.Fatal(err)
	}
	if c.rows != 4 || len(c.tables) != 2 {
		t.Fatalf("rows = %d, copies = %d", c.rows, len(c.tables))
	}
	if got := c.tables[0].Sanitize(); got != `"quant"."tushare_day"` {
		t.Errorf("table = %s", got)
	}
	if c.columns[1][2] != "adj_factor" {
		t.Errorf("factor columns = %v", c.columns[1])
	}
}

func TestPostgresErrorClassification(t *testing.T) {
	tests := []struct {
		code  string
		fatal bool
	}{
		{"42P01", true},
		{"42703", true},
		{"28P01", true},
		{"23505", false},
		{"57014", false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			c := &fakeCopier{err: &pgconn.PgError{Code: tt.code, Message: "boom"}}
			s := &PostgresStore{db: c, schema: "quant", logger: logger.Discard().WithField("component", "test")}
			err := s.Append(context.Background(), "t", sampleDataset(1))
			if got := errors.Is(err, executor.ErrFatalStore); got != tt.fatal {
				t.Errorf("fatal = %v, want %v", got, tt.fatal)
			}
		})
	}
}
