// Package qerr names the failure classes the core surfaces, per the
// error handling design: parse errors abort only the offending client,
// QUIC fatals abort every client of the affected Connection, admission
// errors drop the incoming socket.
package qerr

import "errors"

var (
	// ErrMalformedControl covers a bad command word or a too-short frame.
	ErrMalformedControl = errors.New("qcm: malformed control message")

	// ErrAdmissionMismatch is returned when a CONN's app_proto differs
	// from the already-open Connection for that destination.
	ErrAdmissionMismatch = errors.New("qcm: app_proto does not match existing connection")

	// ErrAddressResolution covers DNS/address-parse failure for a CONN's
	// destination.
	ErrAddressResolution = errors.New("qcm: address resolution failed")

	// ErrQUICFatal covers a handshake failure, a peer close with an
	// error code, or an I/O drop on the underlying QUIC connection.
	ErrQUICFatal = errors.New("qcm: quic connection failed")
)
