// Package chat announces prediction events in the broadcaster's own Twitch
// chat.
//
// The Announcer connects to Twitch IRC as the broadcaster, using the same user
// token the prediction calls use (the chat:edit scope is requested when
// CHAT_ANNOUNCE is enabled). Every token change re-keys the connection.
// Announce never blocks the caller: messages queue on a small buffer and are
// dropped when no connection is available.
package chat
