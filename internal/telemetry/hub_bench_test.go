package telemetry

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MickyRosa/VisTrain2.0/internal/motion"
)

func BenchmarkPublishNotchWithSubscribers(b *testing.B) {
	for _, count := range []int{1, 5, 10} {
		b.Run(fmt.Sprintf("Subscribers_%d", count), func(b *testing.B) {
			hub := NewHub(testTiming(), nil)
			defer hub.Stop()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			for i := 0; i < count; i++ {
				req := httptest.NewRequest("GET", "/api/v1/telemetry", nil)
				go func() { _ = hub.Subscribe(ctx, httptest.NewRecorder(), req) }()
			}
			for hub.ClientCount() < count {
				time.Sleep(time.Millisecond)
			}

			now := time.Now()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := hub.PublishNotch("BR218", motion.NotchChange{Notch: i % 15, At: now}); err != nil {
					b.Fatalf("Publish failed: %v", err)
				}
			}
		})
	}
}

func BenchmarkEventIDGeneration(b *testing.B) {
	hub := NewHub(testTiming(), nil)
	defer hub.Stop()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			hub.nextEventID("BR218")
		}
	})
}
