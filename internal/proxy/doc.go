// Package proxy turns incoming HTTP requests into worker fetch events. GET
// requests for manifest resources are answered by the active worker
// generation; declined requests are forwarded to the origin unchanged.
package proxy
