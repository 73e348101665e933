// Package pmdeflate implements the permessage-deflate WebSocket extension
// defined in RFC 7692.
//
// A Descriptor holds the local capability (Config) and is registered in an
// extension.Registry. Each negotiated connection gets its own Codec with two
// independent DEFLATE contexts: one compressing outbound messages and one
// inflating inbound messages. With context takeover a context keeps its
// sliding window across messages; without it the context is reset before
// every message. Codecs are never shared between connections.
//
// Window sizes: the inflater always runs with a 32 KiB window, which decodes
// any stream produced with a smaller one. When the local sending window is
// negotiated below 15 bits the compressor switches to Huffman-only blocks,
// which carry no back references and therefore fit every window.
package pmdeflate
