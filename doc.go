// Package capture uploads screenshots and screen recordings to object
// storage through broker-issued write grants.
//
// A capture source hands an UploadRequest to the Manager, which runs it as an
// independent session: the artifact is validated before any network call, a
// write grant is requested from the broker, the bytes are written straight to
// storage (one write for small payloads, concurrent parts for large ones),
// and the write is confirmed with the broker so the case registry records it.
//
// Key features:
//   - Pre-flight validation of size, type and metadata with zero network calls
//   - Single-shot or multi-part transfer chosen by payload size
//   - Per-operation and per-part retries with exponential backoff and jitter
//   - Cooperative cancellation that aborts in-flight requests
//   - Non-decreasing progress events with speed and time remaining
//   - Exactly one terminal outcome per session, with confirmation failures
//     reported separately so stored bytes can be reconciled
//
// Example usage:
//
//	mgr, err := capture.New(httpbroker.NewClient(brokerURL), nil)
//	if err != nil {
//	    return err
//	}
//	defer mgr.Close()
//
//	outcome, err := mgr.UploadFile(ctx, "/tmp/shot.png", caseID,
//	    capturetypes.KindScreenshot, capturetypes.Callbacks{})
//	if errors.IsConfirmation(err) {
//	    // The object is stored at outcome.Key but the registry missed it
//	}
package capture
