package fetcher

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
)

// FallbackCharset decodes CSV input that is not valid UTF-8.
const FallbackCharset = "windows-1252"

// ReadCSV parses comma-separated input into a Table. Input that is not valid
// UTF-8 is decoded as windows-1252. Quotes are parsed lazily and records the
// parser rejects are skipped and counted rather than failing the file.
func ReadCSV(r io.Reader) (*Table, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrap(err, "csv: read input")
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	var src io.Reader = bytes.NewReader(data)
	if !utf8.Valid(data) {
		enc, err := htmlindex.Get(FallbackCharset)
		if err != nil {
			return nil, eris.Wrapf(err, "csv: unsupported charset %q", FallbackCharset)
		}
		src = enc.NewDecoder().Reader(src)
	}

	reader := csv.NewReader(src)
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1 // allow variable fields
	reader.ReuseRecord = false

	var (
		records [][]string
		skipped int
	)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				skipped++
				continue
			}
			return nil, eris.Wrap(err, "csv: read row")
		}
		records = append(records, record)
	}

	t := newTable(records, skipped)
	if t.Header == nil {
		return nil, eris.New("csv: no header row")
	}
	return t, nil
}
