// Package router is the gateway's ProtocolRouter. It owns the URL space
// under the base path and hands each request to the protocol handler named
// by the first path segment.
//
// # Routing table
//
//	{base}                              -> 302 {base}/index.html
//	{base}/index.html                   -> landing page
//	{base}/status.json                  -> snapshot generation and counts
//	{base}/metrics                      -> prometheus exposition
//	{base}/{proto}/index.json           -> visible datasets served by proto
//	{base}/info/{datasetID}/index.json  -> attributes and capability flags
//	{base}/categorize/...               -> category index
//	{base}/{proto}/{rest}               -> protocol handler
//
// Protocols are griddap, tabledap and wms, plus wcs and sos when enabled.
// A disabled protocol is simply absent from the table, so it behaves like
// any unknown path segment.
//
// # Redirect decision
//
// A path with exactly one segment redirects: to {base}/{seg}/index.json
// when seg has listings, otherwise to {base}/index.html. An unknown first
// segment followed by more segments is a 404 echoing the path.
//
// # Failures
//
// Each protocol handler writes its own error documents. The router only
// catches panics: before the response has started it logs the stack with
// an error id and writes a 500; after, it re-panics with the original
// value so net/http aborts the connection instead of corrupting the body.
package router
