package gallery

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MetadataFileName is the name of the metadata record inside a gallery's store.
const MetadataFileName = ".galleryinfo"

const (
	versionPrefix  = "VERSION"
	currentVersion = 2
)

// ErrMalformedMetadata is returned when a persisted record cannot be parsed.
var ErrMalformedMetadata = errors.New("malformed gallery metadata")

// Encode renders m in the current line format:
//
//	VERSION2
//	<start page, %08x>
//	<gid>
//	<token>
//	<mode>
//	<preview page count>
//	<preview per page>
//	<page count>
//	<index> <page token>   (one per resolved token, ascending)
//
// Failure markers are not persisted.
func Encode(m *Metadata) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s%d\n", versionPrefix, currentVersion)
	fmt.Fprintf(&buf, "%08x\n", m.StartPage)
	fmt.Fprintf(&buf, "%d\n", m.ID)
	fmt.Fprintf(&buf, "%s\n", m.Token)
	fmt.Fprintf(&buf, "%d\n", m.Mode)
	fmt.Fprintf(&buf, "%d\n", m.PreviewPageCount)
	fmt.Fprintf(&buf, "%d\n", m.PreviewPerPage)
	fmt.Fprintf(&buf, "%d\n", m.PageCount)
	for _, idx := range m.Tokens.Indices() {
		value, ok := m.Tokens[idx].Value()
		if !ok || value == "" {
			continue
		}
		fmt.Fprintf(&buf, "%d %s\n", idx, value)
	}
	return buf.Bytes()
}

// Decode parses a record written by Encode. Records without a VERSION header
// use the legacy layout, which has no preview-per-page line.
func Decode(data []byte) (*Metadata, error) {
	lines := make([]string, 0, 16)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan metadata: %w", err)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: empty record", ErrMalformedMetadata)
	}

	version := 1
	if strings.HasPrefix(lines[0], versionPrefix) {
		v, err := strconv.Atoi(strings.TrimPrefix(lines[0], versionPrefix))
		if err != nil || v < 1 || v > currentVersion {
			return nil, fmt.Errorf("%w: unsupported version %q", ErrMalformedMetadata, lines[0])
		}
		version = v
		lines = lines[1:]
	}

	header := 6
	if version >= 2 {
		header = 7
	}
	if len(lines) < header {
		return nil, fmt.Errorf("%w: truncated header", ErrMalformedMetadata)
	}

	r := lineReader{lines: lines}
	m := &Metadata{Tokens: make(TokenMap), PreviewPerPage: -1}
	start, err := strconv.ParseInt(r.next(), 16, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: start page: %v", ErrMalformedMetadata, err)
	}
	m.StartPage = int(start)
	if m.ID, err = strconv.ParseInt(r.next(), 10, 64); err != nil {
		return nil, fmt.Errorf("%w: gid: %v", ErrMalformedMetadata, err)
	}
	m.Token = r.next()
	if m.Mode, err = r.nextInt(); err != nil {
		return nil, fmt.Errorf("%w: mode: %v", ErrMalformedMetadata, err)
	}
	if m.PreviewPageCount, err = r.nextInt(); err != nil {
		return nil, fmt.Errorf("%w: preview pages: %v", ErrMalformedMetadata, err)
	}
	if version >= 2 {
		if m.PreviewPerPage, err = r.nextInt(); err != nil {
			return nil, fmt.Errorf("%w: preview per page: %v", ErrMalformedMetadata, err)
		}
	}
	if m.PageCount, err = r.nextInt(); err != nil {
		return nil, fmt.Errorf("%w: pages: %v", ErrMalformedMetadata, err)
	}

	for r.more() {
		line := r.next()
		if line == "" {
			continue
		}
		idxText, value, ok := strings.Cut(line, " ")
		if !ok || value == "" {
			return nil, fmt.Errorf("%w: token line %q", ErrMalformedMetadata, line)
		}
		idx, err := strconv.Atoi(idxText)
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("%w: token index %q", ErrMalformedMetadata, idxText)
		}
		m.Tokens[idx] = Resolved(value)
	}
	return m, nil
}

type lineReader struct {
	lines []string
	pos   int
}

func (r *lineReader) more() bool {
	return r.pos < len(r.lines)
}

func (r *lineReader) next() string {
	if !r.more() {
		return ""
	}
	line := r.lines[r.pos]
	r.pos++
	return line
}

func (r *lineReader) nextInt() (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(r.next()))
	if err != nil {
		return 0, fmt.Errorf("parse int: %w", err)
	}
	return v, nil
}
