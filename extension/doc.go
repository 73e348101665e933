// Package extension implements WebSocket extension negotiation per RFC 6455,
// section 9.
//
// A server builds a Registry of Descriptors once at startup and hands it to
// the handshake. For every connection the peer's Sec-WebSocket-Extensions
// header is parsed into Offers, matched against the Registry by Negotiate,
// and the resulting Agreed extensions are instantiated into a Chain of
// Codecs that the frame layer applies to every data message.
//
// Negotiation never fails a connection: an offer that cannot be accepted is
// declined and the next one is considered. Only malformed header syntax and
// frame-time failures reported by codecs are fatal, see IsFatal.
//
// Codec composition order is the negotiated order: outbound messages pass
// through the codecs first to last, inbound messages last to first.
package extension
