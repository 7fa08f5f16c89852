// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mixed

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rethinkdns/gatewaycore/gwerr"
)

const maxResponseHeaderBytes = 32 * 1024

type responseMeta struct {
	statusCode      int
	contentLength   int64 // -1 when absent
	chunked         bool
	connectionClose bool
	headerLen       int
}

// parseResponseHeaders parses a status line plus headers out of buf,
// reporting how to forward the body that follows. Responses with no
// body (1xx, 204, 304) are reported as contentLength 0 regardless of
// any Content-Length header present.
func parseResponseHeaders(buf []byte) (responseMeta, bool) {
	end := bytes.Index(buf, []byte("\r\n\r\n"))
	if end < 0 {
		return responseMeta{}, false
	}
	headerLen := end + 4

	lines := strings.Split(string(buf[:end]), "\r\n")
	if len(lines) == 0 {
		return responseMeta{}, false
	}
	parts := strings.Fields(lines[0])
	if len(parts) < 2 {
		return responseMeta{}, false
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return responseMeta{}, false
	}

	meta := responseMeta{statusCode: status, contentLength: -1, headerLen: headerLen}
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		switch {
		case strings.EqualFold(name, "content-length"):
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				meta.contentLength = n
			}
		case strings.EqualFold(name, "transfer-encoding"):
			meta.chunked = strings.EqualFold(value, "chunked")
		case strings.EqualFold(name, "connection"):
			meta.connectionClose = strings.EqualFold(value, "close")
		case strings.EqualFold(name, "proxy-connection"):
			if strings.EqualFold(value, "close") {
				meta.connectionClose = true
			}
		}
	}

	if status < 200 || status == 204 || status == 304 {
		meta.contentLength = 0
	}
	return meta, true
}

// forwardResponse reads a full HTTP response off remote and streams it
// to client, returning the number of bytes forwarded and whether the
// remote connection may be pooled for reuse (false whenever the body
// had to be read to EOF, since there's nothing left to reuse).
func forwardResponse(remote io.Reader, client io.Writer) (uint64, bool, error) {
	buf := make([]byte, 0, 8*1024)
	tmp := make([]byte, 4096)
	var meta responseMeta
	for {
		if len(buf) >= maxResponseHeaderBytes {
			return 0, false, fmt.Errorf("%w: response header too large", gwerr.ErrProtocol)
		}
		if m, ok := parseResponseHeaders(buf); ok {
			meta = m
			break
		}
		n, err := remote.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			return 0, false, fmt.Errorf("%w: reading response headers: %v", gwerr.ErrConnection, err)
		}
	}

	if _, err := client.Write(buf[:meta.headerLen]); err != nil {
		return 0, false, err
	}
	total := uint64(meta.headerLen)
	bodyStart := buf[meta.headerLen:]

	switch {
	case meta.contentLength >= 0:
		n, err := forwardFixedBody(remote, client, bodyStart, uint64(meta.contentLength))
		total += n
		if err != nil {
			return total, false, err
		}
		return total, !meta.connectionClose, nil
	case meta.chunked:
		n, err := forwardChunkedBody(remote, client, bodyStart)
		total += n
		if err != nil {
			return total, false, err
		}
		return total, !meta.connectionClose, nil
	default:
		if len(bodyStart) > 0 {
			if _, err := client.Write(bodyStart); err != nil {
				return total, false, err
			}
			total += uint64(len(bodyStart))
		}
		n, err := io.Copy(client, remote)
		total += uint64(n)
		if err != nil {
			return total, false, err
		}
		return total, false, nil
	}
}

func forwardFixedBody(remote io.Reader, client io.Writer, initial []byte, length uint64) (uint64, error) {
	remaining := length
	if uint64(len(initial)) > remaining {
		initial = initial[:remaining]
	}
	if len(initial) > 0 {
		if _, err := client.Write(initial); err != nil {
			return 0, err
		}
		remaining -= uint64(len(initial))
	}

	buf := make([]byte, 8192)
	for remaining > 0 {
		toRead := uint64(len(buf))
		if remaining < toRead {
			toRead = remaining
		}
		n, err := remote.Read(buf[:toRead])
		if n > 0 {
			if _, werr := client.Write(buf[:n]); werr != nil {
				return length - remaining, werr
			}
			remaining -= uint64(n)
		}
		if err != nil {
			if remaining > 0 {
				return length - remaining, fmt.Errorf("%w: response body truncated: %v", gwerr.ErrConnection, err)
			}
			break
		}
	}
	return length, nil
}

func forwardChunkedBody(remote io.Reader, client io.Writer, initial []byte) (uint64, error) {
	buf := append([]byte(nil), initial...)
	var total uint64
	tmp := make([]byte, 8192)

	fill := func() error {
		n, err := remote.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil && n == 0 {
			return fmt.Errorf("%w: chunked body truncated: %v", gwerr.ErrConnection, err)
		}
		return nil
	}

	for {
		lineEnd := bytes.Index(buf, []byte("\r\n"))
		for lineEnd < 0 {
			if err := fill(); err != nil {
				return total, err
			}
			lineEnd = bytes.Index(buf, []byte("\r\n"))
		}

		sizeField := string(buf[:lineEnd])
		if idx := strings.IndexByte(sizeField, ';'); idx >= 0 {
			sizeField = sizeField[:idx]
		}
		size, err := strconv.ParseUint(strings.TrimSpace(sizeField), 16, 64)
		if err != nil {
			return total, fmt.Errorf("%w: invalid chunk size %q", gwerr.ErrProtocol, sizeField)
		}

		headerLen := lineEnd + 2
		if _, err := client.Write(buf[:headerLen]); err != nil {
			return total, err
		}
		total += uint64(headerLen)
		buf = buf[headerLen:]

		if size == 0 {
			// Final chunk: forward trailers (if any) plus the closing CRLF.
			for bytes.Index(buf, []byte("\r\n\r\n")) < 0 && len(buf) < 1024 {
				if err := fill(); err != nil {
					break
				}
			}
			if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx >= 0 {
				if _, err := client.Write(buf[:idx+4]); err != nil {
					return total, err
				}
				total += uint64(idx + 4)
			} else if len(buf) >= 2 {
				if _, err := client.Write(buf[:2]); err != nil {
					return total, err
				}
				total += 2
			}
			return total, nil
		}

		chunkTotal := int(size) + 2 // data + trailing CRLF
		for chunkTotal > 0 {
			if len(buf) == 0 {
				if err := fill(); err != nil {
					return total, err
				}
				continue
			}
			n := len(buf)
			if n > chunkTotal {
				n = chunkTotal
			}
			if _, err := client.Write(buf[:n]); err != nil {
				return total, err
			}
			total += uint64(n)
			chunkTotal -= n
			buf = buf[n:]
		}
	}
}
