// Package realtime contains Supportline's websocket gateway and message
// persistence primitives: the server half of the chat protocol defined in
// contracts/chat/v1.
package realtime
