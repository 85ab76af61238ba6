/*
Package specstore ingests, validates and persists OpenAPI documents.

Documents arrive as direct uploads or via a vetted URL fetch, capped at
10 MiB as received. Gzipped input is inflated behind a bomb guard and the
canonical copy is always stored inflated. Parsing works on the raw YAML
node tree so that path order is preserved for partitioning; documents
with custom tags, non-local $refs, $ref cycles, or resolution chains
deeper than the bound are refused before anything downstream touches
them. Canonical copies live under specs/<scan_id>/ with a normalized
basename and are deleted with the scan.
*/
package specstore
