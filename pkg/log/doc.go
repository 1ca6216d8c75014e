// Package log is the logging abstraction shared by devrelay components.
//
// The relay client, the transport and the collector log through Logger so
// the embedding application decides where their diagnostics go. Library
// code defaults to NoopLogger; the devrelay CLI wires a zerolog adapter:
//
//	logger := log.New(os.Stderr, "debug")
//	collectorLog := logger.With(log.Component("collector"))
//
// An application that already has a zerolog.Logger wraps it:
//
//	logger := log.Wrap(zerolog.New(os.Stderr))
//
// Transport failures are logged at debug level only, so a relay with no
// collector never floods the host application's output.
package log
