// Package sandbox runs untrusted code in isolated, time-bounded sandboxes.
//
// A Manager validates the code, makes sure the runtime image is present,
// creates one sandbox through a Provider, polls it until it exits or the
// timeout elapses, kills it on timeout, collects its output and always
// removes it before returning. Providers exist for the Docker Engine API
// (DockerProvider) and for the docker or podman command line (CLIProvider).
// Translate turns what the Manager returned into a transport-neutral Reply.
//
// Usage:
//
//	provider, err := sandbox.NewProvider(logger, cfg)
//	mgr, err := sandbox.NewManagerFromConfig(logger, cfg, provider, metrics)
//	res, err := mgr.Execute(ctx, sandbox.ExecutionRequest{Code: "print('hello')"})
//	reply := sandbox.Translate(res, err)
package sandbox
