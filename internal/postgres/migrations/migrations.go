// Package migrations embeds the goose SQL migration files for the schema
// backing the repository adapter (rooms, room_members, profiles,
// messages, message_attachments, notifications).
package migrations

import "embed"

// FS holds the embedded SQL migration files, read by goose.SetBaseFS.
//
//go:embed *.sql
var FS embed.FS
