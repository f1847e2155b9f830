// Package bucketadapter serves pre-aggregated metric buckets over HTTP so remote
// engines can use the "http" metric store backend.
package bucketadapter

import (
	"errors"
	"fmt"

	"github.com/fox-gonic/fox"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/apiguard/internal/alerting/service/metricstore"
	"github.com/qiniu/apiguard/internal/config"
)

// BucketAdapterServer owns the backend the adapter reads from.
type BucketAdapterServer struct {
	config *config.Config
	store  metricstore.Client
	api    *Api
}

// NewBucketAdapterServer builds the configured backend. The http backend is refused
// because the adapter would query itself.
func NewBucketAdapterServer(cfg *config.Config) (*BucketAdapterServer, error) {
	if cfg.MetricStore.Backend == "http" {
		return nil, errors.New("bucket adapter cannot use the http metric store backend")
	}
	store, err := metricstore.New(cfg.MetricStore, cfg.Detection.MaxSamples)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric store: %w", err)
	}
	log.Info().Str("backend", store.Name()).Msg("bucket adapter initialized")
	return &BucketAdapterServer{config: cfg, store: store}, nil
}

// NewWithStore serves an existing client.
func NewWithStore(cfg *config.Config, store metricstore.Client) *BucketAdapterServer {
	return &BucketAdapterServer{config: cfg, store: store}
}

// UseApi registers the adapter routes.
func (s *BucketAdapterServer) UseApi(router *fox.Engine) error {
	maxSamples := 0
	if s.config != nil {
		maxSamples = s.config.Detection.MaxSamples
	}
	s.api = NewApi(s.store, maxSamples, router)
	return nil
}
