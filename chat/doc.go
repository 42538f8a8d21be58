// Package chat runs the Twitch IRC bot that serves song requests and custom
// chat commands.
//
// The bot listens on TWITCH_CHANNEL and handles:
//   - !sr <track>: resolve a Spotify track reference and append it to the
//     song queue (per-user rate limited, gated by the song_requests_open flag)
//   - !psr <track>: moderator-only priority request that jumps the queue
//   - !skip, !song, !queue: queue management and display
//   - custom commands from the commands table, with per-command cooldowns
//
// Credentials: the IRC client requires a bot username and an OAuth token with
// chat:read/chat:edit scopes. Message handling is separated from the IRC
// transport so it can be exercised without a live connection.
package chat
