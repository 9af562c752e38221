// Package upload executes the transfer of one artifact.
//
// The Engine acquires the write grant, then selects single-shot or
// multi-part transfer by comparing the payload size with the configured
// threshold. Every network attempt is wrapped by the retry controller and
// every byte event is forwarded through hooks; the engine has no
// progress-formatting logic of its own.
package upload
