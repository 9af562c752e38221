// Package s3broker implements a grant broker backed directly by Amazon S3.
//
// Single-shot grants are presigned PutObject requests; multi-part grants open
// an S3 multipart upload and presign one UploadPart request per part on
// demand. Confirmation verifies the stored object with HeadObject and records
// it in the case registry. Issued grants are tracked in memory until they are
// confirmed, aborted or pruned after expiry.
package s3broker
