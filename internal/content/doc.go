// Package content serves the landing page documents: compiled-in bilingual
// defaults with an editable per-locale override document merged on top.
//
// The core pieces are:
//   - [DeepMerge]: recursive merge where objects merge field by field, arrays
//     replace wholesale and nesting is capped at [MaxMergeDepth]
//   - [Store]: where the override document lives, [FileStore] (one JSON file on
//     disk) or [S3Store] (one object in a bucket)
//   - [Service]: reads overrides on every request and applies updates
//
// Missing or corrupt override documents are never fatal, they are recreated as
// an empty object and the defaults are served.
package content
