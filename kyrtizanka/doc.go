// Package kyrtizanka implements a community Discord bot for the CodersSquad
// server.
//
// The bot is built from a small core and a set of extensions registered
// with an [ExtensionRegistry]:
//
//   - Bot: The main struct that owns the Discord session, database, HTTP
//     servers and extension registry.
//   - Scheduler: One-shot timers used by reminders and votes.
//   - ReminderStore: Per-user reminders which are delivered to the channel
//     they were created in.
//   - VoteStore: Multi-choice votes with live-updating results that close
//     after a configurable duration.
//
// The bot supports these commands:
//
//   - /ping: Replies with pong (also available as ~ping).
//   - /reminder create|list|remove: Manage your reminders.
//   - /votes: Start a new vote with comma-separated choices.
//
// Reminders and votes live only in memory and are lost on restart. The
// database holds user records, the interaction log and the community tables
// (experience, memes, tags, reputation) used by other extensions.
package kyrtizanka
