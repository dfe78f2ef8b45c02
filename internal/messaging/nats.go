package messaging

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hanzch/qds/pkg/config"
	"github.com/hanzch/qds/pkg/models"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Subjects of the SYNC stream. The last token is the source name.
const (
	SubjectProgress = "sync.progress"
	SubjectError    = "sync.error"
	SubjectComplete = "sync.complete"
)

// ProgressEvent reports how many tasks of a run have settled
type ProgressEvent struct {
	Source    string          `json:"source"`
	Kind      models.DataKind `json:"kind"`
	Done      int             `json:"done"`
	Total     int             `json:"total"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrorEvent reports one failed task
type ErrorEvent struct {
	Source    string          `json:"source"`
	Kind      models.DataKind `json:"kind"`
	Task      string          `json:"task"`
	Failure   string          `json:"failure"`
	Reason    string          `json:"reason"`
	Timestamp time.Time       `json:"timestamp"`
}

type publisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// NATSClient publishes sync events to JetStream
type NATSClient struct {
	conn   *nats.Conn
	js     publisher
	logger *logrus.Entry
	cfg    *config.NATSConfig

	subs   map[string]*nats.Subscription
	subsMu sync.RWMutex
}

// NewNATSClient connects to NATS and makes sure the SYNC stream exists
func NewNATSClient(cfg *config.NATSConfig, logger *logrus.Logger) (*NATSClient, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnect),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Debug("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     "SYNC",
		Subjects: []string{"sync.>"},
		Storage:  nats.FileStorage,
		MaxAge:   7 * 24 * time.Hour,
		MaxMsgs:  100000,
		Replicas: 1,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		conn.Close()
		return nil, fmt.Errorf("failed to create SYNC stream: %w", err)
	}

	return &NATSClient{
		conn:   conn,
		js:     js,
		logger: logger.WithField("component", "nats"),
		cfg:    cfg,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Close drains subscriptions and closes the connection
func (nc *NATSClient) Close() error {
	nc.subsMu.Lock()
	for _, sub := range nc.subs {
		sub.Unsubscribe()
	}
	nc.subs = make(map[string]*nats.Subscription)
	nc.subsMu.Unlock()

	if nc.conn == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		nc.conn.Drain()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(nc.cfg.DrainTimeout):
		nc.logger.Warn("NATS drain timed out")
	}
	nc.conn.Close()
	return nil
}

// IsConnected checks if NATS is connected
func (nc *NATSClient) IsConnected() bool {
	return nc.conn != nil && nc.conn.IsConnected()
}

// PublishSyncProgress publishes the settled task count of a run
func (nc *NATSClient) PublishSyncProgress(source string, kind models.DataKind, done, total int) error {
	return nc.publish(subject(SubjectProgress, source), ProgressEvent{
		Source:    source,
		Kind:      kind,
		Done:      done,
		Total:     total,
		Timestamp: time.Now(),
	})
}

// PublishSyncError publishes one failed task
func (nc *NATSClient) PublishSyncError(source string, kind models.DataKind, rec models.ErrorRecord) error {
	return nc.publish(subject(SubjectError, source), ErrorEvent{
		Source:    source,
		Kind:      kind,
		Task:      rec.Task.String(),
		Failure:   rec.Kind,
		Reason:    rec.Reason,
		Timestamp: time.Now(),
	})
}

// PublishSyncComplete publishes the summary of a finished cycle or replay
func (nc *NATSClient) PublishSyncComplete(summary models.SyncSummary) error {
	return nc.publish(subject(SubjectComplete, summary.Source), summary)
}

func (nc *NATSClient) publish(subj string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", subj, err)
	}

	nc.logger.WithField("subject", subj).Debug("Publishing sync event")

	if _, err := nc.js.Publish(subj, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subj, err)
	}
	return nil
}

// SubscribeSync delivers every sync event of source, or of all sources when
// source is empty, as the subject and raw JSON payload.
func (nc *NATSClient) SubscribeSync(source string, handler func(subject string, data []byte)) error {
	subj := "sync.*.*"
	if source != "" {
		subj = "sync.*." + token(source)
	}

	sub, err := nc.conn.Subscribe(subj, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subj, err)
	}

	nc.subsMu.Lock()
	nc.subs[subj] = sub
	nc.subsMu.Unlock()
	return nil
}

func subject(prefix, source string) string {
	return prefix + "." + token(source)
}

// token makes source usable as a single subject token
func token(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}
