package signer

import (
	"context"

	"go.uber.org/zap"
)

// NoopSigner logs transactions instead of signing them.
// Use when no signing key is configured.
type NoopSigner struct {
	logger *zap.Logger
}

// NewNoopSigner creates a NoopSigner backed by the given logger.
func NewNoopSigner(logger *zap.Logger) *NoopSigner {
	return &NoopSigner{logger: logger}
}

// Sign logs the transaction and returns ErrUnavailable.
func (n *NoopSigner) Sign(_ context.Context, trx Transaction) (*Result, error) {
	n.logger.Info("sign (noop, not signed)",
		zap.String("expiration", trx.Expiration),
		zap.Int("actions", len(trx.Actions)),
	)
	return nil, ErrUnavailable
}
