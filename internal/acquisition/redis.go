package acquisition

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	backend "github.com/redis/go-redis/v9"
)

// RedisSink appends samples to one Redis stream per run and stores the run
// summary next to it.
type RedisSink struct {
	client *backend.Client
	prefix string
	maxLen int64
}

// RedisOption configures a RedisSink.
type RedisOption func(*RedisSink)

// WithStreamPrefix sets the key prefix.
func WithStreamPrefix(prefix string) RedisOption {
	return func(s *RedisSink) { s.prefix = prefix }
}

// WithMaxLen caps each stream, approximately.
func WithMaxLen(n int64) RedisOption {
	return func(s *RedisSink) { s.maxLen = n }
}

// NewRedisSink connects to addr.
func NewRedisSink(addr string, opts ...RedisOption) *RedisSink {
	return NewRedisSinkFromClient(backend.NewClient(&backend.Options{Addr: addr}), opts...)
}

// NewRedisSinkFromClient wraps an existing client.
func NewRedisSinkFromClient(client *backend.Client, opts ...RedisOption) *RedisSink {
	s := &RedisSink{
		client: client,
		prefix: "teststand:run:",
		maxLen: 100000,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StreamKey returns the stream holding a run's samples.
func (s *RedisSink) StreamKey(runID string) string {
	return s.prefix + runID + ":samples"
}

// SummaryKey returns the key holding a run's summary.
func (s *RedisSink) SummaryKey(runID string) string {
	return s.prefix + runID + ":summary"
}

// Ping checks connectivity.
func (s *RedisSink) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}
	return nil
}

// Write implements Sink.
func (s *RedisSink) Write(ctx context.Context, sample Sample) error {
	args := &backend.XAddArgs{
		Stream: s.StreamKey(sample.RunID),
		Values: map[string]any{
			"seq":       sample.Seq,
			"at":        sample.At.UnixNano(),
			"elapsedMs": sample.Elapsed.Milliseconds(),
			"notch":     sample.Notch,
			"pulse":     sample.Pulse,
			"interval":  int64(sample.Interval),
			"distance":  strconv.FormatFloat(sample.Distance, 'f', -1, 64),
			"speed":     strconv.FormatFloat(sample.Speed, 'f', -1, 64),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to append sample: %w", err)
	}
	return nil
}

// Flush implements Sink.
func (s *RedisSink) Flush(ctx context.Context, sum Summary) error {
	data, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	if err := s.client.Set(ctx, s.SummaryKey(sum.RunID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store summary: %w", err)
	}
	return nil
}

// Samples reads a run's samples back from its stream.
func (s *RedisSink) Samples(ctx context.Context, runID string) ([]Sample, error) {
	msgs, err := s.client.XRange(ctx, s.StreamKey(runID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read samples: %w", err)
	}

	out := make([]Sample, 0, len(msgs))
	for _, m := range msgs {
		sample := Sample{RunID: runID}
		sample.Seq = atoi(m.Values["seq"])
		sample.At = time.Unix(0, atoi64(m.Values["at"]))
		sample.Elapsed = time.Duration(atoi64(m.Values["elapsedMs"])) * time.Millisecond
		sample.Notch = atoi(m.Values["notch"])
		sample.Pulse = atoi(m.Values["pulse"])
		sample.Interval = time.Duration(atoi64(m.Values["interval"]))
		sample.Distance = atof(m.Values["distance"])
		sample.Speed = atof(m.Values["speed"])
		out = append(out, sample)
	}
	return out, nil
}

// Summary reads a run's summary.
func (s *RedisSink) Summary(ctx context.Context, runID string) (Summary, error) {
	var sum Summary
	data, err := s.client.Get(ctx, s.SummaryKey(runID)).Bytes()
	if err != nil {
		return sum, fmt.Errorf("failed to read summary: %w", err)
	}
	if err := json.Unmarshal(data, &sum); err != nil {
		return sum, fmt.Errorf("failed to decode summary: %w", err)
	}
	return sum, nil
}

// Close closes the client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

func atoi(v any) int { return int(atoi64(v)) }

func atoi64(v any) int64 {
	str, _ := v.(string)
	n, _ := strconv.ParseInt(str, 10, 64)
	return n
}

func atof(v any) float64 {
	str, _ := v.(string)
	f, _ := strconv.ParseFloat(str, 64)
	return f
}
