package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// healthProbeTimeout は各サービスへのヘルスチェックの上限時間。
const healthProbeTimeout = 3 * time.Second

// aggregateHealth は全内部サービスのヘルスチェックを並行実行し、集約結果を返す。
// 1つでも異常があれば全体ステータスはdegradedになるが、HTTPステータスは200を維持する。
func (s *Server) aggregateHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthProbeTimeout)
	defer cancel()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]string, len(s.probes))
	)

	for _, name := range s.registry.Names() {
		probe, ok := s.probes[name]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			status := "ok"
			if err := probe.CheckHealth(ctx); err != nil {
				status = "error"
			}
			mu.Lock()
			results[name] = status
			mu.Unlock()
		}(name)
	}
	wg.Wait()

	overall := "ok"
	for _, status := range results {
		if status != "ok" {
			overall = "degraded"
			break
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   overall,
		"services": results,
	})
}
