// Package bridgewire converts between rpcmux events and the JSON event
// bodies a host bridge emits: didReceiveResponse, didReceiveHeaders and
// didCompleteCall.
//
// Bodies are keyed by rpcId. Response payloads arrive as base64 text in
// b64data (line breaks allowed) or as a byte array in data, never both.
// Completion errors carry a gRPC status name and message:
//
//	{"rpcId": 3, "error": {"code": "NOT_FOUND", "message": "no row"}, "trailers": {"x-why": "gone"}}
package bridgewire
