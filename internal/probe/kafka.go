package probe

import (
	"context"
	"fmt"
	"strings"
	"time"

	kafka "github.com/segmentio/kafka-go"
)

// KafkaProbe connects to a Kafka cluster and fetches metadata; success iff
// metadata is returned within timeout. Because kafka-go's Dial is a
// synchronous network round trip, Check dispatches it onto a bounded worker
// pool so a slow or hung broker cannot stall the Health Monitor's scheduler.
// config keys: "bootstrap_servers" (comma-separated, default "localhost:9092").
type KafkaProbe struct {
	pool *workerPool
}

// NewKafkaProbe constructs a Kafka liveness probe backed by a worker pool of
// the given size (0 selects a small default).
func NewKafkaProbe(poolSize int) *KafkaProbe {
	if poolSize <= 0 {
		poolSize = 4
	}
	return &KafkaProbe{pool: newWorkerPool(poolSize)}
}

func (p *KafkaProbe) Check(ctx context.Context, config map[string]string, timeout time.Duration) Result {
	start := time.Now()
	bootstrap := config["bootstrap_servers"]
	if bootstrap == "" {
		bootstrap = "localhost:9092"
	}
	servers := strings.Split(bootstrap, ",")
	for i := range servers {
		servers[i] = strings.TrimSpace(servers[i])
	}

	type outcome struct {
		brokers int
		err     error
	}

	resultCh := make(chan outcome, 1)
	p.pool.submit(func() {
		dialCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		dialer := &kafka.Dialer{Timeout: timeout}
		var lastErr error
		for _, server := range servers {
			conn, err := dialer.DialContext(dialCtx, "tcp", server)
			if err != nil {
				lastErr = err
				continue
			}
			brokers, err := conn.Brokers()
			conn.Close()
			if err != nil {
				lastErr = err
				continue
			}
			resultCh <- outcome{brokers: len(brokers)}
			return
		}
		resultCh <- outcome{err: lastErr}
	})

	select {
	case o := <-resultCh:
		if o.err != nil {
			return Result{Healthy: false, Latency: time.Since(start), Err: fmt.Errorf("kafka probe: %w", o.err)}
		}
		if o.brokers == 0 {
			return Result{Healthy: false, Latency: time.Since(start), Err: fmt.Errorf("kafka probe: cluster metadata reported no brokers")}
		}
		return Result{Healthy: true, Latency: time.Since(start)}
	case <-ctx.Done():
		return Result{Healthy: false, Latency: time.Since(start), Err: ctx.Err()}
	case <-time.After(timeout):
		return Result{Healthy: false, Latency: time.Since(start), Err: fmt.Errorf("kafka probe: timed out after %s", timeout)}
	}
}
