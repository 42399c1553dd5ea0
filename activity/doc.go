// Package activity runs the units of work behind workflow steps.
//
// An Activity is an opaque, named unit of work. Activities are registered in a
// Registry together with their default retry policy and attempt timeout:
//
//	reg := activity.NewRegistry()
//	reg.Register("send_email", activity.Func(sendEmail),
//	    activity.WithTimeout(30*time.Second),
//	    activity.WithPolicy(retry.Policy{MaxAttempts: 5, ...}),
//	)
//
// # Execution
//
// The Executor runs one step of an execution, attempt by attempt. Each attempt
// is bounded by a hard timeout and runs in a context that is detached from the
// caller's cancellation, so stopping an execution is cooperative: activities
// observe Invocation.Stop and the attempt in flight still reports how it ended.
// Every transition is reported to a Recorder, which is how the engine turns
// attempts into history events.
//
// Between attempts the Executor consults a retry.Decider. Backoff sleeps happen
// in the calling goroutine after the concurrency slot has been released.
//
// # Idempotency
//
// Every invocation carries an IdempotencyKey that is stable across retries of
// the same step. Activities with external side effects claim the key through a
// Guard before acting, so a retried attempt does not repeat a side effect that
// already happened.
//
// # Status
//
// Activities report progress through a StatusLine. Status messages are logged
// and collected in a StatusHandler keyed by execution and step, which the HTTP
// API exposes alongside execution state.
package activity
