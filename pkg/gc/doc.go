// Package gc sweeps expired scans and their artifacts on a fixed
// interval. Only terminal scans past their retention stamp are removed;
// artifacts go first and the record last, so an interrupted sweep is
// retried rather than leaking files.
package gc
