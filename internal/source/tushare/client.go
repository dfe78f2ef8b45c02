// Package tushare adapts the Tushare Pro HTTP API to source.Source.
package tushare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hanzch/qds/pkg/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type request struct {
	APIName string            `json:"api_name"`
	Token   string            `json:"token"`
	Params  map[string]string `json:"params"`
	Fields  string            `json:"fields"`
}

type response struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data *struct {
		Fields []string        `json:"fields"`
		Items  [][]interface{} `json:"items"`
	} `json:"data"`
}

// table is a decoded Tushare result set
type table struct {
	fields map[string]int
	items  [][]interface{}
}

func (t *table) str(row []interface{}, field string) string {
	i, ok := t.fields[field]
	if !ok || i >= len(row) || row[i] == nil {
		return ""
	}
	switch v := row[i].(type) {
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func (t *table) num(row []interface{}, field string) float64 {
	i, ok := t.fields[field]
	if !ok || i >= len(row) {
		return 0
	}
	if v, ok := row[i].(float64); ok {
		return v
	}
	return 0
}

// Client performs rate limited, retried calls against the Tushare API
type Client struct {
	http    *http.Client
	url     string
	token   string
	retries int
	limiter *rate.Limiter
	logger  *logrus.Entry
}

// NewClient creates a Tushare API client
func NewClient(cfg *config.TushareConfig, logger *logrus.Logger) *Client {
	perMinute := cfg.RatePerMinute
	if perMinute <= 0 {
		perMinute = 500
	}
	return &Client{
		http:    &http.Client{Timeout: cfg.Timeout},
		url:     cfg.URL,
		token:   cfg.Token,
		retries: cfg.Retries,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
		logger:  logger.WithField("component", "tushare"),
	}
}

// query calls apiName and retries transport and API errors
func (c *Client) query(ctx context.Context, apiName string, params map[string]string, fields string) (*table, error) {
	attempts := c.retries
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		t, err := c.do(ctx, apiName, params, fields)
		if err == nil {
			return t, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.WithError(err).WithFields(logrus.Fields{
			"api":     apiName,
			"attempt": attempt,
		}).Warn("Tushare request failed")

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	return nil, fmt.Errorf("failed to query %s after %d attempts: %w", apiName, attempts, lastErr)
}

func (c *Client) do(ctx context.Context, apiName string, params map[string]string, fields string) (*table, error) {
	body, err := json.Marshal(request{APIName: apiName, Token: c.token, Params: params, Fields: fields})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error: status=%d, body=%s", resp.StatusCode, string(b))
	}

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if r.Code != 0 {
		return nil, fmt.Errorf("API error: code=%d, msg=%s", r.Code, r.Msg)
	}

	t := &table{fields: map[string]int{}}
	if r.Data != nil {
		for i, f := range r.Data.Fields {
			t.fields[f] = i
		}
		t.items = r.Data.Items
	}
	return t, nil
}
