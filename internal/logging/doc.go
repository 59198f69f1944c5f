// Package logging provides structured logging with OpenTelemetry integration.
//
// # Overview
//
// The package wraps Zap with:
//   - A custom Trace level (-2, below Debug)
//   - Dual output (stdout and an OpenTelemetry log bridge)
//   - Context field injection (trace_id, span_id, repository, request.id)
//   - Secret redaction by field name and value pattern
//   - Level-aware sampling (errors are never sampled)
//
// # Usage
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg, nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithRepository(ctx, "widgets")
//	logger.Info(ctx, "indexing started", zap.Int("files", n))
//
// Components that integrate with libraries taking a *zap.Logger receive
// Underlying().
//
// # Redaction
//
// Fields named like credentials (token, api_key, authorization, ...) are
// replaced with "[REDACTED]". String values matching a configured pattern,
// such as a bearer header or a clone URL carrying userinfo, are replaced
// with "[REDACTED:pattern]". Use Secret for config.Secret values.
//
// # Testing
//
// NewTestLogger returns a logger backed by zaptest/observer together with
// assertion helpers.
package logging
