// Package moq implements the session setup handshake the QUIC transport
// borrows from MoQ Transport (draft-ietf-moq-transport-15): CLIENT_SETUP
// carrying the publish path, credentials and codec strings, answered by
// SERVER_SETUP or a connection close with a termination code.
//
// Media itself does not use MoQ objects; it is carried as MPEG-TS on a
// single unidirectional stream opened after setup.
package moq
