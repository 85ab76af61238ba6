/*
Package partition splits a validated spec into per-worker chunks.

Paths are taken in document order (extension keys skipped) and grouped
into fixed-size chunks, the last one possibly short. Each chunk gets a
self-contained mini-spec on disk: the original document with its paths
mapping narrowed to the chunk's group, every shared section carried
along. Planning is deterministic for a given document and options. With
parallel mode off the plan is a single chunk covering the whole spec.
*/
package partition
