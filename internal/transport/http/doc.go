// Package http implements the HTTP handlers of the trialguard server. Handlers
// stay thin: they decode and validate the request, call the trial guard and
// render the result.
//
// # Endpoints
//
//	GET  /api/trial/status    read-only trial snapshot
//	POST /api/trial/activate  {"consent": true} starts the trial
//	GET  /api/health          process health and version
//	GET  /api/health/ready    ready once trial storage can be read
//	GET  /api/health/live     liveness check
//	GET  /metrics             Prometheus exposition
//
// # Error Handling
//
// Errors are rendered as RFC 7807 problem details through
// errors.ErrorHandler, which maps trial domain errors to status codes:
//
//	{
//	    "type": "/errors/trial/expired",
//	    "title": "Trial Expired",
//	    "status": 402,
//	    "detail": "Your trial period has ended. Please purchase a license to continue.",
//	    "instance": "/api/trial/status",
//	    "trace_id": "..."
//	}
//
// Activation is rate limited and requires a JSON body. A missing consent
// field is a validation error; an explicit false is a declined activation.
package http
