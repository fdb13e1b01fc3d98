package kafka

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezpaarse-project/ezmesure-harvester/pkg/harvest"
)

func TestParseURI(t *testing.T) {
	testCases := []struct {
		name    string
		uri     string
		brokers string
		topic   string
		extra   map[string]string
		wantErr string
	}{
		{
			name:    "single broker",
			uri:     "kafka://localhost:9092/harvest-events",
			brokers: "localhost:9092",
			topic:   "harvest-events",
		},
		{
			name:    "several brokers with overrides",
			uri:     "kafka://k1:9092,k2:9092/events?acks=1&linger.ms=50",
			brokers: "k1:9092,k2:9092",
			topic:   "events",
			extra:   map[string]string{"acks": "1", "linger.ms": "50"},
		},
		{
			name:    "missing topic",
			uri:     "kafka://localhost:9092",
			wantErr: "topic",
		},
		{
			name:    "missing broker",
			uri:     "kafka:///events",
			wantErr: "broker",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			uri, err := url.Parse(tc.uri)
			require.NoError(t, err)

			config, topic, err := ParseURI(uri)
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.topic, topic)
			assert.Equal(t, tc.brokers, config["bootstrap.servers"])
			assert.Equal(t, "ezmesure-harvester", config["client.id"])
			for k, v := range tc.extra {
				assert.Equal(t, v, config[k], k)
			}
		})
	}
}

func TestPublisherRequiresConnect(t *testing.T) {
	uri, err := url.Parse("kafka://localhost:9092/events")
	require.NoError(t, err)

	p, err := NewPublisher(uri, nil)
	require.NoError(t, err)

	err = p.Publish(context.Background(), harvest.Event{ID: "evt-1", Type: harvest.EventJobFinished, RunID: "run-1"})
	assert.Error(t, err)

	stats := p.Stats()
	assert.False(t, stats.Connected)
	assert.Equal(t, "events", stats.Topic)
	assert.Equal(t, "localhost:9092", stats.Brokers)
	assert.NoError(t, p.Close())
}
