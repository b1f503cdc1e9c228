// Package render prints single pages of markup to PDF.
//
// Engine is the unit resource of the paged assembly's worker pool: each worker
// owns one engine, and a dead engine (ErrEngineDead) gets the worker replaced.
// Rod implements Engine with a headless Chromium per engine.
package render
