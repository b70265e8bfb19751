// Package telemetry provides observability for provisioning runs.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing. The engine performs
// no I/O of its own; an Observer plugged in as its ProgressSink feeds all four.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Metrics.ListenAddress = ":9090"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	server := tel.Metrics.StartMetricsServer(tel.Logger)
//	defer telemetry.StopMetricsServer(context.Background(), server)
//
//	result := engine.Run(ctx, steps, telemetry.NewObserver(tel))
//
// # Structured Logging
//
// Loggers carry run and step fields:
//
//	logger := tel.Logger.NewComponentLogger("sequencer").WithRunID(runID)
//	logger.WithStep("vpc", "vpc").Info().Str("resource_id", id).Msg("Step succeeded")
//
// # Metrics
//
// All metrics live on a private registry under the "provseq" namespace:
//
//   - runs_started_total, runs_finished_total{state}, run_duration_seconds, active_runs
//   - steps_total{kind,outcome}, step_duration_seconds{kind}
//   - poll_attempts_total{kind,result}
//   - rollback_deletions_total{kind,outcome}
//   - provider_calls_total, provider_call_duration_seconds, provider_errors_total
//   - errors_by_class_total, errors_by_code_total
//
// # Tracing
//
// Spans: run.provision for the whole run, step.execute per step with a
// poll.attempt event per status check, rollback.delete per deletion attempt
// and provider.<operation> around provider calls. Exporters: stdout, otlp, none.
//
// # Events
//
// Every sink callback is also published as an Event. Subscribers, such as the
// run journal, receive them one at a time in publish order.
package telemetry
