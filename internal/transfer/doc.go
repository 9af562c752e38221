// Package transfer moves payload bytes to object storage.
//
// httpwrite is the network ObjectWriter; multipart splits large payloads
// into parts uploaded with bounded concurrency and reassembled by the broker.
package transfer
