// Package protocol implements the JSON wire protocol spoken between ballot
// clients and the server.
//
// Every frame is a single JSON object carried in one WebSocket text message:
//
//	{"code": "<message code>", "data": <payload>, "userId": "<optional>"}
//
// # Inbound Codes
//
//   - CodeVote: data is the chosen choice index (integer, -1 retracts)
//   - CodeSetBallot: data is {question, choices, expires?, duration?}
//   - CodeHeartbeat: keeps an idle client alive, data is ignored
//
// # Outbound Codes
//
//   - CodeSetBallot: data is BallotData
//   - CodeSetVotes: data is the per-choice tally, an array of integers
//   - CodeMetadata: data is Metadata, sent to admin sessions only
//
// Decoding is lenient about the optional userId field: an absent, null,
// empty or non-string value decodes as "no identifier". Missing code or data
// fields are reported as ErrMalformedMessage.
package protocol
