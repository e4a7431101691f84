// Package bus names the internal pub/sub subjects of the platform and
// provides the codecs used on them.
//
// Bulk telemetry and trigger events travel gzip-compressed JSON documents
// (Encode / Decode). Router commands travel as plain JSON Command envelopes:
//
//	{"cmd": "synclivedatasensors", "arguments": {"target": "live-1", "sensors": ["..."]}}
//
// Publisher and Subscriber are satisfied by *natsclient.Client and by
// testutil.MockNATSClient.
package bus
