package channel

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/couchbase/godcp/wire"
	"github.com/pkg/errors"
)

// roundTrip transmits fr on conn and reads back exactly one response frame,
// the blocking style the handshake steps use before the receive loop (and
// its opaque-keyed dispatch) is running, mirroring dcp_connection/
// command.go's pattern of synchronous transmit+receive pairs during setup.
func roundTrip(conn io.ReadWriter, fr wire.Frame) (wire.Frame, error) {
	if err := fr.Transmit(conn); err != nil {
		return wire.Frame{}, err
	}
	var resp wire.Frame
	hdrBuf := make([]byte, wire.HeaderLen)
	if _, err := resp.Receive(conn, hdrBuf); err != nil {
		return wire.Frame{}, err
	}
	return resp, nil
}

func saslListMechs(conn io.ReadWriter) (string, error) {
	resp, err := roundTrip(conn, wire.Frame{Magic: wire.MagicReq, Opcode: wire.OpSaslListMechs})
	if err != nil {
		return "", err
	}
	if resp.Status != wire.StatusSuccess {
		return "", errors.Errorf("sasl list mechs failed: status 0x%02x", resp.Status)
	}
	return string(resp.Body), nil
}

func saslAuthPlain(conn io.ReadWriter, user, password string) error {
	mechs, err := saslListMechs(conn)
	if err != nil {
		return err
	}
	if !strings.Contains(mechs, "PLAIN") {
		return errors.Errorf("auth mechanism PLAIN not supported, server offers: %s", mechs)
	}

	resp, err := roundTrip(conn, wire.Frame{
		Magic:  wire.MagicReq,
		Opcode: wire.OpSaslAuth,
		Key:    []byte("PLAIN"),
		Body:   []byte(fmt.Sprintf("\x00%s\x00%s", user, password)),
	})
	if err != nil {
		return err
	}
	if resp.Status != wire.StatusSuccess {
		return errors.Errorf("sasl auth failed: status 0x%02x", resp.Status)
	}
	return nil
}

func selectBucket(conn io.ReadWriter, bucket string) error {
	resp, err := roundTrip(conn, wire.Frame{
		Magic:  wire.MagicReq,
		Opcode: wire.OpSelectBucket,
		Key:    []byte(bucket),
	})
	if err != nil {
		return err
	}
	if resp.Status != wire.StatusSuccess {
		return errors.Errorf("select bucket failed: status 0x%02x", resp.Status)
	}
	return nil
}

func dcpOpen(conn io.ReadWriter, clientName string, flags uint32) error {
	extras := make([]byte, 8)
	binary.BigEndian.PutUint32(extras[4:], flags)
	resp, err := roundTrip(conn, wire.Frame{
		Magic:  wire.MagicReq,
		Opcode: wire.OpDcpOpen,
		Key:    []byte(clientName),
		Extras: extras,
	})
	if err != nil {
		return err
	}
	if resp.Status != wire.StatusSuccess {
		return errors.Errorf("dcp open failed: status 0x%02x", resp.Status)
	}
	return nil
}

func dcpControl(conn io.ReadWriter, key, value string) error {
	resp, err := roundTrip(conn, wire.Frame{
		Magic:  wire.MagicReq,
		Opcode: wire.OpDcpControl,
		Key:    []byte(key),
		Body:   []byte(value),
	})
	if err != nil {
		return err
	}
	if resp.Status != wire.StatusSuccess && resp.Status != wire.StatusUnknownCommand {
		return errors.Errorf("dcp control %q failed: status 0x%02x", key, resp.Status)
	}
	return nil
}

func helo(conn io.ReadWriter, clientName string, features ...uint16) error {
	body := make([]byte, len(features)*2)
	for i, f := range features {
		binary.BigEndian.PutUint16(body[i*2:], f)
	}
	resp, err := roundTrip(conn, wire.Frame{
		Magic:  wire.MagicReq,
		Opcode: wire.OpHello,
		Key:    []byte(fmt.Sprintf("dcp hello from %s", clientName)),
		Body:   body,
	})
	if err != nil {
		return err
	}
	if resp.Status != wire.StatusSuccess {
		return errors.Errorf("helo failed: status 0x%02x", resp.Status)
	}
	return nil
}
