//go:build !wasm
// +build !wasm

// Package gorm provides a GORM-based tokensync.Store.
// It supports any database that GORM supports (PostgreSQL, MySQL, SQLite, etc.)
// and lets processes on different hosts share one token.
//
// # Database Schema
//
// The package auto-migrates the following tables:
//   - token_items: current value per key
//   - token_item_changes: append-only change log polled by Watch
//
// # Usage
//
//	db, _ := gorm.Open(postgres.Open(dsn), &gorm.Config{})
//	store, _ := gormstore.NewStore(db)
//	defer store.Close()
package gorm
