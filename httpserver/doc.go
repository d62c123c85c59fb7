// Package httpserver exposes code execution over REST.
//
// POST /api/run-code accepts {"code": "..."} and answers with
// {"output", "errors", "execution_time"} on 200, or {"detail": "..."} with
// 400, 408 or 500. GET /health checks that the sandbox runtime answers and
// GET /metrics serves the Prometheus registry.
package httpserver
