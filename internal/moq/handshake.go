package moq

import (
	"fmt"
	"io"
)

// ClientHandshake sends cs on the control stream and waits for the reply.
// A GOAWAY instead of SERVER_SETUP is reported as ErrUnexpectedMsg; the
// caller maps a connection close to its own rejection error.
func ClientHandshake(rw io.ReadWriter, cs ClientSetup) (ServerSetup, error) {
	if err := WriteControlMsg(rw, MsgClientSetup, SerializeClientSetup(cs)); err != nil {
		return ServerSetup{}, fmt.Errorf("write client setup: %w", err)
	}
	msgType, payload, err := ReadControlMsg(rw)
	if err != nil {
		return ServerSetup{}, err
	}
	switch msgType {
	case MsgServerSetup:
	case MsgGoAway:
		ga, _ := ParseGoAway(payload)
		return ServerSetup{}, fmt.Errorf("%w: goaway %q", ErrUnexpectedMsg, ga.NewSessionURI)
	default:
		return ServerSetup{}, fmt.Errorf("%w: type %#x", ErrUnexpectedMsg, msgType)
	}

	ss, err := ParseServerSetup(payload)
	if err != nil {
		return ServerSetup{}, err
	}
	if !cs.SupportsVersion(ss.SelectedVersion) {
		return ss, fmt.Errorf("%w: server selected %#x", ErrVersionMismatch, ss.SelectedVersion)
	}
	return ss, nil
}

// ReadClientSetup reads and validates the first control message on the
// server side. The caller accepts or rejects the returned setup and then
// answers with WriteServerSetup or a connection close.
func ReadClientSetup(r io.Reader) (ClientSetup, error) {
	msgType, payload, err := ReadControlMsg(r)
	if err != nil {
		return ClientSetup{}, err
	}
	if msgType != MsgClientSetup {
		return ClientSetup{}, fmt.Errorf("%w: type %#x", ErrUnexpectedMsg, msgType)
	}
	cs, err := ParseClientSetup(payload)
	if err != nil {
		return cs, err
	}
	if !cs.SupportsVersion(Version) {
		return cs, ErrVersionMismatch
	}
	if !cs.HasPath {
		return cs, ErrMissingPath
	}
	return cs, nil
}

// WriteServerSetup answers an accepted CLIENT_SETUP.
func WriteServerSetup(w io.Writer, maxRequestID uint64) error {
	return WriteControlMsg(w, MsgServerSetup, SerializeServerSetup(ServerSetup{
		SelectedVersion: Version,
		MaxRequestID:    maxRequestID,
	}))
}
