// Package chat captures live Twitch chat for a session.
//
// It provides:
//   - Normalizer: turns one raw chat event (live IRC or an archived transcript
//     comment) into an Event with absolute and session-relative timestamps plus
//     derived fields (badges, bits, compressed color, sticker URLs).
//   - LogWriter: appends each Event to the session's human-readable chat log
//     (chat.live.log) and its machine capture (chat.live.jsonl). Both files are
//     opened O_APPEND and every line is a single write, so a crash loses at most
//     the line being written.
//   - Worker: reads a Feed until its context is canceled, then disconnects the
//     feed, drains messages already received and returns.
//   - IRCFeed: the Feed backed by go-twitch-irc. Without a bot username it joins
//     anonymously (read-only).
package chat
