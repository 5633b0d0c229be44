// Package pipeline holds the typed records and collaborator interfaces shared by
// every stage of the indexer: index crawl, fetch, change detection, conversion,
// metadata association and the run ledger.
//
// Stages never pass untyped key/value maps between each other. A SourceLink and
// the Markdown artifact produced for it are joined by Filename, the lowercase hex
// CRC-32 of the source URL.
package pipeline
