// Package hiddevice implements ctap2.Device over a USB HID-class FIDO
// security key, using github.com/zondax/hid for the raw HID report I/O
// and this package for the CTAPHID packet framing on top of it (CTAP 2.1
// Section 8.1.9, "USB Human Interface Device (USB HID)").
package hiddevice

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/zondax/hid"

	"github.com/SigmaG33/ctap2largeblob/pkg/ctap2"
)

const (
	fidoUsagePage = 0xf1d0
	reportSize    = 64

	broadcastCID uint32 = 0xffffffff

	cmdInit  byte = 0x06
	cmdCBOR  byte = 0x10
	cmdError byte = 0x3f

	initPacketDataSize = reportSize - 7
	contPacketDataSize = reportSize - 5
)

// Device is a CTAPHID transport over a single USB HID FIDO authenticator.
// It implements pkg/ctap2.Device.
type Device struct {
	h          *hid.Device
	cid        uint32
	maxMsgSize int
}

// Open enumerates connected USB HID devices exposing the FIDO usage page
// and opens the first match. vendorID/productID of 0 match any device.
func Open(vendorID, productID uint16) (*Device, error) {
	infos, err := hid.Enumerate(vendorID, productID)
	if err != nil {
		return nil, fmt.Errorf("hiddevice: enumerate: %w", err)
	}
	for _, info := range infos {
		if info.UsagePage != fidoUsagePage {
			continue
		}
		h, err := info.Open()
		if err != nil {
			return nil, fmt.Errorf("hiddevice: open %s: %w", info.Path, err)
		}
		return newDevice(h)
	}
	return nil, fmt.Errorf("hiddevice: no FIDO HID device found")
}

func newDevice(h *hid.Device) (*Device, error) {
	d := &Device{h: h, cid: broadcastCID, maxMsgSize: 7609}
	cid, err := d.init()
	if err != nil {
		h.Close()
		return nil, err
	}
	d.cid = cid
	return d, nil
}

// Close releases the underlying HID handle.
func (d *Device) Close() error {
	return d.h.Close()
}

// MaxMsgSize implements ctap2.Device.
func (d *Device) MaxMsgSize() int {
	return d.maxMsgSize
}

// init performs the CTAPHID_INIT channel allocation handshake on the
// broadcast channel and returns the authenticator-assigned channel ID.
func (d *Device) init() (uint32, error) {
	nonce := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := d.writeMessage(broadcastCID, cmdInit, nonce); err != nil {
		return 0, fmt.Errorf("hiddevice: CTAPHID_INIT write: %w", err)
	}
	_, body, err := d.readMessage(broadcastCID, cmdInit, 2*time.Second)
	if err != nil {
		return 0, fmt.Errorf("hiddevice: CTAPHID_INIT read: %w", err)
	}
	if len(body) < 17 {
		return 0, fmt.Errorf("hiddevice: CTAPHID_INIT response too short")
	}
	return binary.BigEndian.Uint32(body[8:12]), nil
}

// Transmit implements ctap2.Device: it frames payload as CTAPHID_CBOR and
// writes it over the allocated channel.
func (d *Device) Transmit(cmd byte, payload []byte) error {
	if cmd != ctap2.CmdCBOR {
		return fmt.Errorf("hiddevice: unsupported CTAPHID command 0x%02x", cmd)
	}
	return d.writeMessage(d.cid, cmdCBOR, payload)
}

// Receive implements ctap2.Device: it reads HID reports until a full
// CTAPHID_CBOR message addressed to our channel has been reassembled, or
// timeoutMS elapses (30 seconds when timeoutMS is negative).
func (d *Device) Receive(cmd byte, buf []byte, timeoutMS int) (int, error) {
	timeout := 30 * time.Second
	if timeoutMS >= 0 {
		timeout = time.Duration(timeoutMS) * time.Millisecond
	}
	gotCmd, body, err := d.readMessage(d.cid, cmdCBOR, timeout)
	if err != nil {
		return 0, err
	}
	if gotCmd == cmdError {
		if len(body) == 0 {
			return 0, fmt.Errorf("hiddevice: CTAPHID_ERROR with no code")
		}
		return 0, fmt.Errorf("hiddevice: CTAPHID_ERROR code 0x%02x", body[0])
	}
	n := copy(buf, body)
	return n, nil
}

// writeMessage splits payload into an initialization packet followed by
// as many continuation packets as needed and writes each as one 64-byte
// HID report (CTAP 2.1 Section 8.1.9.1.1/8.1.9.1.2).
func (d *Device) writeMessage(cid uint32, cmd byte, payload []byte) error {
	report := make([]byte, reportSize)
	binary.BigEndian.PutUint32(report[0:4], cid)
	report[4] = 0x80 | cmd
	binary.BigEndian.PutUint16(report[5:7], uint16(len(payload)))

	n := copy(report[7:], payload)
	if _, err := d.h.Write(report); err != nil {
		return err
	}
	payload = payload[n:]

	for seq := byte(0); len(payload) > 0; seq++ {
		for i := range report {
			report[i] = 0
		}
		binary.BigEndian.PutUint32(report[0:4], cid)
		report[4] = seq & 0x7f
		n := copy(report[5:], payload)
		if _, err := d.h.Write(report); err != nil {
			return err
		}
		payload = payload[n:]
	}
	return nil
}

// readMessage reassembles one CTAPHID message addressed to cid, blocking
// until the expected initialization packet's command byte is seen (a
// CTAPHID_KEEPALIVE in between is silently discarded, as CTAP2 permits
// the authenticator to emit while user presence is pending) or timeout
// elapses.
func (d *Device) readMessage(cid uint32, wantCmd byte, timeout time.Duration) (byte, []byte, error) {
	deadline := time.Now().Add(timeout)
	report := make([]byte, reportSize)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, nil, fmt.Errorf("hiddevice: timed out waiting for response")
		}
		n, err := d.h.ReadTimeout(report, int(remaining.Milliseconds()))
		if err != nil {
			return 0, nil, fmt.Errorf("hiddevice: read: %w", err)
		}
		if n < 7 {
			continue
		}
		gotCID := binary.BigEndian.Uint32(report[0:4])
		if gotCID != cid {
			continue
		}
		gotCmd := report[4] &^ 0x80
		total := int(binary.BigEndian.Uint16(report[5:7]))

		body := make([]byte, 0, total)
		body = append(body, report[7:min(7+total, reportSize)]...)

		for len(body) < total {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return 0, nil, fmt.Errorf("hiddevice: timed out reassembling response")
			}
			cn, err := d.h.ReadTimeout(report, int(remaining.Milliseconds()))
			if err != nil {
				return 0, nil, fmt.Errorf("hiddevice: read continuation: %w", err)
			}
			if cn < 5 {
				continue
			}
			if binary.BigEndian.Uint32(report[0:4]) != cid {
				continue
			}
			need := total - len(body)
			end := 5 + need
			if end > reportSize {
				end = reportSize
			}
			body = append(body, report[5:end]...)
		}

		if gotCmd != wantCmd && gotCmd != cmdError {
			continue
		}
		return gotCmd, body, nil
	}
}
