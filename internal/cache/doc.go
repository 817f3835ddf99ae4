// Package cache defines the named cache partitions the reconciler works on.
// A Store hands out Partitions (open/delete by name, like the browser's
// CacheStorage); a Partition maps absolute request URLs to stored responses
// (match/put/delete/keys). Three backends share the contract: a disk store
// laid out as StoragePath/<partition>/<sha1>.{body,meta.json} with temp file +
// rename writes, an in-memory store for tests and ephemeral deployments, and
// an S3/MinIO store using the same object layout under a bucket prefix.
package cache
