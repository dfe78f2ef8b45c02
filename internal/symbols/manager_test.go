package symbols

import (
	"context"
	"errors"
	"testing"

	"github.com/hanzch/qds/internal/source/sourcetest"
	"github.com/hanzch/qds/pkg/logger"
	"github.com/hanzch/qds/pkg/models"
)

type memCatalog struct {
	rows map[string][]models.Instrument
}

func (c *memCatalog) Instruments(ctx context.Context, source string) ([]models.Instrument, error) {
	return c.rows[source], nil
}

func (c *memCatalog) Upsert(ctx context.Context, source string, list []models.Instrument) error {
	if c.rows == nil {
		c.rows = map[string][]models.Instrument{}
	}
	c.rows[source] = append([]models.Instrument(nil), list...)
	return nil
}

func instruments() []models.Instrument {
	return []models.Instrument{
		{Code: "600000.SH", ListingDate: models.MustDate("19991110")},
		{Code: "000001.SZ", ListingDate: models.MustDate("19910403")},
		{Code: "000003.SZ", ListingDate: models.MustDate("19910114"), Delisted: true},
	}
}

func codes(list []models.Instrument) []string {
	out := make([]string, len(list))
	for i, inst := range list {
		out[i] = inst.Code
	}
	return out
}

func TestUniverse(t *testing.T) {
	m := NewManager(sourcetest.New(instruments()...), nil, logger.Discard())

	tests := []struct {
		name      string
		requested []string
		want      []string
	}{
		{"all listed", nil, []string{"000001.SZ", "600000.SH"}},
		{"subset", []string{"600000.SH"}, []string{"600000.SH"}},
		{"delisted on request", []string{"000003.SZ"}, []string{"000003.SZ"}},
		{"duplicates", []string{"600000.SH", "600000.SH"}, []string{"600000.SH"}},
		{"unknown code", []string{"688001.SH"}, []string{"688001.SH"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Universe(context.Background(), tt.requested)
			if err != nil {
				t.Fatal(err)
			}
			if g := codes(got); len(g) != len(tt.want) {
				t.Fatalf("Universe() = %v, want %v", g, tt.want)
			} else {
				for i := range g {
					if g[i] != tt.want[i] {
						t.Errorf("Universe()[%d] = %s, want %s", i, g[i], tt.want[i])
					}
				}
			}
		})
	}

	got, _ := m.Universe(context.Background(), []string{"688001.SH"})
	if !got[0].ListingDate.IsZero() {
		t.Errorf("unknown code listing date = %v, want zero", got[0].ListingDate)
	}
}

func TestUpdate(t *testing.T) {
	src := sourcetest.New(instruments()...)
	cat := &memCatalog{}
	m := NewManager(src, cat, logger.Discard())

	n, err := m.Update(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 || len(cat.rows["mem"]) != 3 {
		t.Errorf("updated %d, catalog holds %d", n, len(cat.rows["mem"]))
	}
	if len(m.All()) != 3 {
		t.Errorf("cache holds %d instruments", len(m.All()))
	}
}

func TestLoadPrefersCatalog(t *testing.T) {
	cat := &memCatalog{rows: map[string][]models.Instrument{
		"mem": {{Code: "000001.SZ", ListingDate: models.MustDate("19910403")}},
	}}
	m := NewManager(sourcetest.New(instruments()...), cat, logger.Discard())
	if err := m.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := codes(m.All()); len(got) != 1 || got[0] != "000001.SZ" {
		t.Errorf("All() = %v", got)
	}
}

func TestUpdateWithoutCatalog(t *testing.T) {
	m := NewManager(sourcetest.New(), nil, logger.Discard())
	if _, err := m.Update(context.Background()); !errors.Is(err, models.ErrInput) {
		t.Errorf("Update() error = %v, want ErrInput", err)
	}
}
