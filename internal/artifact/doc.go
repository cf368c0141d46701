// Package artifact stores raw source bytes, configuration and base
// artifacts in a gocloud.dev/blob bucket.
//
// # Storage Layout
//
//	config/indicators/<indicator>.yaml
//	config/sources/<source>.yaml
//	config/utilities/<lookup file>
//	sources/raw/<save_as>
//	output/<project>/base/<source>.csv
//
// Every blob written through [Store.Write] carries a sha256 checksum in
// its metadata, which [Store.Checksum] returns without reading the
// content. Missing blobs are reported as [*SourceError].
package artifact
