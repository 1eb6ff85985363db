package pcap

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// linkTypeRawBSD is DLT_RAW as written by some BSD-derived tcpdump builds.
const linkTypeRawBSD layers.LinkType = 12

// Headerless reports whether captures with link type lt carry bare IP
// packets without a link-layer header.
func Headerless(lt layers.LinkType) bool {
	switch lt {
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6, linkTypeRawBSD:
		return true
	default:
		return false
	}
}

// LinkTypeOf reads the link type from the header of the capture at path.
func LinkTypeOf(path string) (layers.LinkType, error) {
	// #nosec G304 -- path is a trace folder artifact.
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open capture %q: %w", path, err)
	}
	defer file.Close()

	reader, err := pcapgo.NewReader(file)
	if err != nil {
		return 0, fmt.Errorf("read capture header %q: %w", path, err)
	}
	return reader.LinkType(), nil
}

// Normalize copies the headerless capture at src into dst as an Ethernet
// capture, prepending the stub header to every packet. Original timestamps
// are preserved. It returns the number of packets written.
func Normalize(src, dst string) (int, error) {
	// #nosec G304 -- src is a trace folder artifact.
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open capture %q: %w", src, err)
	}
	defer in.Close()

	reader, err := pcapgo.NewReader(in)
	if err != nil {
		return 0, fmt.Errorf("read capture header %q: %w", src, err)
	}
	if !Headerless(reader.LinkType()) {
		return 0, fmt.Errorf("capture %q has link type %s, expected a headerless capture", src, reader.LinkType())
	}

	out, err := Create(dst)
	if err != nil {
		return 0, err
	}

	written := 0
	epoch := time.Unix(0, 0)
	for {
		data, info, readErr := reader.ReadPacketData()
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			// A truncated trailing record is common when tcpdump is killed.
			if errors.Is(readErr, io.ErrUnexpectedEOF) {
				break
			}
			_ = out.Close()
			return written, fmt.Errorf("read packet %d from %q: %w", written+1, src, readErr)
		}
		ts := info.Timestamp.Sub(epoch)
		if ts == 0 {
			ts = time.Nanosecond
		}
		ok, writeErr := out.WritePayload(data, 0, len(data), ts)
		if writeErr != nil {
			_ = out.Close()
			return written, writeErr
		}
		if !ok {
			break
		}
		written++
	}

	if err := out.Close(); err != nil {
		return written, err
	}
	return written, nil
}

// NormalizeInPlace rewrites path as an Ethernet capture when it is
// headerless. It reports whether a rewrite happened.
func NormalizeInPlace(path string) (bool, error) {
	linkType, err := LinkTypeOf(path)
	if err != nil {
		return false, err
	}
	if !Headerless(linkType) {
		return false, nil
	}

	tmp := path + ".normalizing"
	if _, err := Normalize(path, tmp); err != nil {
		_ = os.Remove(tmp)
		return false, err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return false, fmt.Errorf("replace capture %q: %w", path, err)
	}
	return true, nil
}
