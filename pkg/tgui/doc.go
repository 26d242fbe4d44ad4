// Package tgui provides small helpers for chat replies rendered with
// Telegram's HTML parse mode:
//   - escaping HTML builders (H, Esc, B, Code)
//   - a list pager for long command output
package tgui
