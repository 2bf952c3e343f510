package parser

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/richardlehane/mscfb"
)

// ErrExternalParserRequired is returned for legacy OLE/CFB-container binary
// formats (old .doc/.xls/.ppt) that need an external parsing service this
// module does not embed.
var ErrExternalParserRequired = errors.New("parser: external parser required for legacy format")

// LegacyParser detects old OLE/CFB-container binary formats (.doc/.xls/.ppt)
// and fails with ErrExternalParserRequired rather than guessing at their
// structure — the compound file format has no reliable text layout the way
// OOXML's zip+XML does. It extracts no text itself.
type LegacyParser struct{}

func (p *LegacyParser) SupportedFormats() []string { return []string{"doc", "xls", "ppt"} }

func (p *LegacyParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening legacy document: %w", err)
	}
	defer f.Close()

	doc, err := mscfb.New(f)
	if err != nil {
		return nil, fmt.Errorf("%s is not a valid OLE compound file: %w", path, ErrExternalParserRequired)
	}

	var streamCount int
	for entry, nextErr := doc.Next(); nextErr == nil; entry, nextErr = doc.Next() {
		if entry != nil {
			streamCount++
		}
	}

	return nil, fmt.Errorf("legacy compound-file document with %d stream(s): %w", streamCount, ErrExternalParserRequired)
}
