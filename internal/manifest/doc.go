// Package manifest models the build-generated resource manifest (resource key
// to content fingerprint) and the application shell list. Keys are paths
// relative to the application origin without a leading slash; the root
// document is the single key "/". The package loads bundles from JSON files,
// serializes manifests for persistence in the MANIFEST cache partition, and
// validates that every shell entry is a manifest key.
package manifest
