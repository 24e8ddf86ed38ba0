// Package store provides the shared key-value store the bot's services
// persist through: counters, tracked items, schedules, stats.
//
// Two drivers exist: sqlite (durable, default in production) and memory
// (tests, or running without persistence). Both give the same per-key
// atomicity guarantees; neither offers cross-key transactions.
package store
