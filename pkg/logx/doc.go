// Package logx wraps zerolog behind a small Logger/Field API so callers
// never import zerolog directly and the root logger can be swapped at
// runtime (config hot reload).
package logx
