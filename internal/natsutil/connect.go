package natsutil

import (
	"time"

	"github.com/flowchartsman/retry"
	"github.com/nats-io/nats.go"
)

// ConnectWithRetry dials url with unlimited reconnects, retrying the initial
// dial up to maxRetries times with exponential backoff.
//
// Parameters:
//   - url: NATS server URL
//   - name: Client connection name shown in server monitoring
//   - maxRetries: Initial dial attempts (defaults to 5)
//
// Returns:
//   - *nats.Conn: Connected client
//   - error: Last dial error
func ConnectWithRetry(url, name string, maxRetries int) (*nats.Conn, error) {
	if maxRetries <= 0 {
		maxRetries = 5
	}

	opts := nats.GetDefaultOptions()
	opts.Url = url
	opts.Name = name
	opts.ReconnectWait = 2 * time.Second
	opts.MaxReconnect = -1

	var conn *nats.Conn
	retrier := retry.NewRetrier(maxRetries, 100*time.Millisecond, opts.ReconnectWait)
	err := retrier.Run(func() error {
		c, err := opts.Connect()
		if err != nil {
			return err
		}
		conn = c

		return nil
	})
	if err != nil {
		return nil, err
	}

	return conn, nil
}
