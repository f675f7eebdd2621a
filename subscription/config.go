package subscription

import (
	"errors"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/arloliu/solo/internal/logging"
	"github.com/arloliu/solo/internal/metrics"
	"github.com/arloliu/solo/types"
)

// ActiveConsumerConfig configures an ActiveConsumer.
//
// Required fields:
//   - StreamName
//   - ConsumerName
//   - FilterSubjects
//
// Optional tuning fields are documented inline below. Zero values are replaced by
// sensible defaults via applyDefaults().
type ActiveConsumerConfig struct {
	// StreamName is the JetStream stream to consume from.
	StreamName string

	// ConsumerName is the durable name shared by every member of the group.
	// Invalid characters are replaced with underscores.
	ConsumerName string

	// FilterSubjects selects the subjects the consumer receives.
	FilterSubjects []string

	// AckPolicy defaults to jetstream.AckExplicitPolicy, its zero value.
	AckPolicy         jetstream.AckPolicy
	AckWait           time.Duration
	MaxDeliver        int
	InactiveThreshold time.Duration

	BatchSize    int
	MaxWaiting   int
	FetchTimeout time.Duration

	// MaxRetries bounds consumer creation attempts on activation.
	MaxRetries int

	// RetryBackoff is the base of the jittered backoff between retries.
	RetryBackoff time.Duration

	// StopTimeout bounds how long deactivation waits for an in-flight
	// handler to return.
	StopTimeout time.Duration

	// ManualAck leaves ACK/NAK to the handler.
	ManualAck bool

	Logger  types.Logger
	Metrics types.MetricsCollector
}

// applyDefaults fills unset optional fields with project defaults.
func (cfg *ActiveConsumerConfig) applyDefaults() {
	if cfg.AckWait == 0 {
		cfg.AckWait = DefaultAckWait
	}
	if cfg.MaxDeliver == 0 {
		cfg.MaxDeliver = DefaultMaxDeliver
	}
	if cfg.InactiveThreshold == 0 {
		cfg.InactiveThreshold = DefaultInactiveThreshold
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxWaiting == 0 {
		cfg.MaxWaiting = DefaultMaxWaiting
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNop()
	}
}

func (cfg *ActiveConsumerConfig) validate() error {
	if cfg.StreamName == "" {
		return errors.New("stream name is required")
	}
	if cfg.ConsumerName == "" {
		return errors.New("consumer name is required")
	}
	if len(cfg.FilterSubjects) == 0 {
		return errors.New("at least one filter subject is required")
	}
	for _, s := range cfg.FilterSubjects {
		if s == "" {
			return errors.New("filter subjects must not be empty")
		}
	}

	return nil
}
