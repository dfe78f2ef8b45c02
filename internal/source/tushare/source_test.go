package tushare

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hanzch/qds/internal/source"
	"github.com/hanzch/qds/pkg/config"
	"github.com/hanzch/qds/pkg/logger"
	"github.com/hanzch/qds/pkg/models"
)

type fakeAPI struct {
	calls    atomic.Int32
	failures int32
	handle   func(req request) interface{}
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := f.calls.Add(1)
	if n <= f.failures {
		http.Error(w, "busy", http.StatusServiceUnavailable)
		return
	}
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	json.NewEncoder(w).Encode(f.handle(req))
}

func newTestSource(t *testing.T, api *fakeAPI) *Source {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	src, err := New(&config.TushareConfig{
		Token:         "token",
		URL:           srv.URL,
		Concurrency:   2,
		RatePerMinute: 60000,
		Retries:       3,
		Timeout:       5 * time.Second,
	}, time.FixedZone("CST", 8*3600), logger.Discard())
	if err != nil {
		t.Fatal(err)
	}
	return src
}

func result(fields []string, items ...[]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"code": 0,
		"msg":  "",
		"data": map[string]interface{}{"fields": fields, "items": items},
	}
}

func TestFetchDaily(t *testing.T) {
	var got request
	api := &fakeAPI{handle: func(req request) interface{} {
		got = req
		return result([]string{"ts_code", "trade_date", "open", "high", "low", "close", "vol", "amount"},
			[]interface{}{"000001.SZ", "20240110", 9.1, 9.3, 9.0, 9.2, 1000.0, 9200.0},
			[]interface{}{"600000.SH", "20240110", 7.1, 7.2, 7.0, 7.15, 500.0, 3575.0},
		)
	}}
	src := newTestSource(t, api)

	task := models.DownloadTask{Codes: []string{"000001.SZ", "600000.SH"}, Start: models.MustDate("20240110"), End: models.MustDate("20240110")}
	ds, err := source.Fetch(context.Background(), src, models.KindDay, task)
	if err != nil {
		t.Fatal(err)
	}
	if got.APIName != "daily" || got.Params["ts_code"] != "000001.SZ,600000.SH" || got.Token != "token" {
		t.Errorf("request = %+v", got)
	}
	if len(ds.Bars) != 2 || ds.Bars[1].Close != 7.15 {
		t.Fatalf("bars = %+v", ds.Bars)
	}
	if models.FormatDate(models.Day(ds.Bars[0].Timestamp)) != "20240110" {
		t.Errorf("timestamp = %v", ds.Bars[0].Timestamp)
	}
}

func TestFetchMinutesOneCodePerRequest(t *testing.T) {
	api := &fakeAPI{handle: func(req request) interface{} {
		return result([]string{"ts_code", "trade_time", "open", "high", "low", "close", "vol", "amount"},
			[]interface{}{req.Params["ts_code"], "2024-01-10 09:31:00", 1.0, 1.0, 1.0, 1.0, 1.0, 1.0},
		)
	}}
	src := newTestSource(t, api)

	ds, err := src.FetchBars(context.Background(), []string{"A", "B"}, models.MustDate("20240110"), models.MustDate("20240111"), models.KindMinute, source.AdjustNone)
	if err != nil {
		t.Fatal(err)
	}
	if api.calls.Load() != 2 || len(ds.Bars) != 2 || ds.Bars[1].Code != "B" {
		t.Errorf("calls = %d, bars = %+v", api.calls.Load(), ds.Bars)
	}
	if ds.Bars[0].Timestamp.Hour() != 9 {
		t.Errorf("timestamp = %v", ds.Bars[0].Timestamp)
	}
}

func TestQueryRetries(t *testing.T) {
	api := &fakeAPI{failures: 1, handle: func(req request) interface{} {
		return result([]string{"ts_code", "trade_date", "adj_factor"},
			[]interface{}{"000001.SZ", "20240110", 108.031},
		)
	}}
	src := newTestSource(t, api)

	ds, err := src.FetchAdjustment(context.Background(), []string{"000001.SZ"}, models.MustDate("20240110"), models.MustDate("20240110"))
	if err != nil {
		t.Fatalf("FetchAdjustment() error = %v", err)
	}
	if api.calls.Load() != 2 || len(ds.Factors) != 1 || ds.Factors[0].Factor != 108.031 {
		t.Errorf("calls = %d, factors = %+v", api.calls.Load(), ds.Factors)
	}
}

func TestQueryAPIError(t *testing.T) {
	api := &fakeAPI{handle: func(req request) interface{} {
		return map[string]interface{}{"code": 40203, "msg": "rate limited"}
	}}
	src := newTestSource(t, api)
	src.client.retries = 1

	_, err := src.Directory(context.Background())
	if err == nil {
		t.Fatal("Directory() error = nil")
	}
}

func TestDirectoryAndSuspended(t *testing.T) {
	api := &fakeAPI{handle: func(req request) interface{} {
		switch req.APIName {
		case "stock_basic":
			return result([]string{"ts_code", "list_date"},
				[]interface{}{"000001.SZ", "19910403"},
				[]interface{}{"688999.SH", "bad"},
			)
		case "suspend_d":
			if req.Params["ts_code"] == "000001.SZ" {
				return result([]string{"ts_code", "trade_date"}, []interface{}{"000001.SZ", "20240110"})
			}
			return result([]string{"ts_code", "trade_date"})
		}
		return map[string]interface{}{"code": -1, "msg": "unknown api"}
	}}
	src := newTestSource(t, api)
	ctx := context.Background()

	insts, err := src.Directory(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(insts) != 1 || models.FormatDate(insts[0].ListingDate) != "19910403" {
		t.Errorf("Directory() = %+v", insts)
	}

	day := models.MustDate("20240110")
	if ok, err := src.Suspended(ctx, "000001.SZ", day, day); err != nil || !ok {
		t.Errorf("Suspended(000001.SZ) = %v, %v", ok, err)
	}
	if ok, err := src.Suspended(ctx, "600000.SH", day, day); err != nil || ok {
		t.Errorf("Suspended(600000.SH) = %v, %v", ok, err)
	}
}

func TestProfile(t *testing.T) {
	src := &Source{concurrency: 4}
	day, _ := src.Profile(models.KindDay)
	if !day.MultiCode || day.RowLimit != 5900 || day.Table != "tushare_day" {
		t.Errorf("day profile = %+v", day)
	}
	minute, _ := src.Profile(models.KindMinute)
	if minute.MultiCode || minute.RowLimit != 7920 || models.FormatDate(minute.EarliestDate) != "20090101" {
		t.Errorf("minute profile = %+v", minute)
	}
	if _, err := src.Profile("tick"); !errors.Is(err, models.ErrInput) {
		t.Errorf("Profile(tick) error = %v", err)
	}
}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(&config.TushareConfig{}, time.UTC, logger.Discard()); !errors.Is(err, models.ErrInput) {
		t.Errorf("New() error = %v, want ErrInput", err)
	}
}
