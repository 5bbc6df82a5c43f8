// Package cache stores synthesized segment audio on disk between runs.
// Validated artifacts live under their segment name and are reused by the
// next run; bodies that fail validation go to a zstd-compressed archive.
package cache
