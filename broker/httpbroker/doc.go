// Package httpbroker carries the grant broker contract over HTTP.
//
// Client implements capturetypes.Broker against a broker REST API and
// NewHandler exposes any capturetypes.Broker over the same API with echo.
//
// Routes:
//
//	POST   /uploads/grants                      GrantRequest -> 201 WriteGrant
//	POST   /uploads/multipart/:id/parts/:number -> 200 WriteTarget
//	POST   /uploads/multipart/:id/complete      CompleteRequest -> 200 ObjectRef
//	DELETE /uploads/multipart/:id               -> 204
//	POST   /uploads/grants/:id/confirm          ConfirmRequest -> 204
//
// Failures are answered with an ErrorResponse body; the client turns them
// back into *errors.StatusError values so the pipeline's retry
// classification works across the wire.
package httpbroker
