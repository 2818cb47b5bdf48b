// Package discovery announces relays on the local network over mDNS and
// finds announced relays.
//
// A relay started with discovery enabled registers itself as a
// "_relay._tcp" service. The TXT record holds the WebSocket path, a tls flag
// and the server version, so a Scanner can build a dialable URL without any
// further round trip.
package discovery
