package gateway

import (
	"logsub/internal/sub"
	"logsub/internal/sub/metrics"
)

// MetricsTransport wraps a sub.Transport with frame counters.
type MetricsTransport struct {
	transport sub.Transport
	registry  *metrics.Registry
}

func NewMetricsTransport(transport sub.Transport, registry *metrics.Registry) sub.Transport {
	return &MetricsTransport{
		transport: transport,
		registry:  registry,
	}
}

// TrySend implements sub.Transport.TrySend with metrics collection
func (t *MetricsTransport) TrySend(channelID int64, f sub.Frame) bool {
	sent := t.transport.TrySend(channelID, f)
	t.registry.RecordFrame(string(f.Kind), sent)
	return sent
}
