package observe

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// TransportStats are cumulative counters kept by a streaming transport client.
type TransportStats struct {
	BytesSent    int64
	ChunksSent   int64
	Dropped      int64
	ParseErrors  int64
	ForcedCloses int64
}

// RegisterTransportStats exports the counters returned by read as observable
// counters. read is called once per collection and must be cheap. Unregister
// the returned registration when the client goes away.
func RegisterTransportStats(mp metric.MeterProvider, read func() TransportStats) (metric.Registration, error) {
	m := mp.Meter(meterName)

	bytesSent, err := m.Int64ObservableCounter("livescribe.transport.bytes_sent",
		metric.WithDescription("PCM bytes written to the transcription transport."),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}
	chunksSent, err := m.Int64ObservableCounter("livescribe.transport.chunks_sent",
		metric.WithDescription("Binary audio messages written to the transcription transport."),
	)
	if err != nil {
		return nil, err
	}
	dropped, err := m.Int64ObservableCounter("livescribe.transport.dropped",
		metric.WithDescription("Audio messages dropped because the write queue was full."),
	)
	if err != nil {
		return nil, err
	}
	parseErrors, err := m.Int64ObservableCounter("livescribe.transport.parse_errors",
		metric.WithDescription("Inbound messages that could not be decoded."),
	)
	if err != nil {
		return nil, err
	}
	forcedCloses, err := m.Int64ObservableCounter("livescribe.transport.forced_closes",
		metric.WithDescription("Sessions closed by the fallback timer instead of the service."),
	)
	if err != nil {
		return nil, err
	}

	return m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := read()
		o.ObserveInt64(bytesSent, s.BytesSent)
		o.ObserveInt64(chunksSent, s.ChunksSent)
		o.ObserveInt64(dropped, s.Dropped)
		o.ObserveInt64(parseErrors, s.ParseErrors)
		o.ObserveInt64(forcedCloses, s.ForcedCloses)
		return nil
	}, bytesSent, chunksSent, dropped, parseErrors, forcedCloses)
}
