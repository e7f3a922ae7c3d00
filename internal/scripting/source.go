package scripting

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/traditionalchinese"

	"github.com/l1jgo/scriptbridge/internal/bridge/instance"
)

// SourceReader returns a SourceFunc that reads script files and converts them
// from encodingName to UTF-8. Empty or "utf-8" reads files as-is; names are
// resolved through the WHATWG index, plus the MS950 alias for Big5.
func SourceReader(encodingName string) (instance.SourceFunc, error) {
	enc, err := lookupEncoding(encodingName)
	if err != nil {
		return nil, err
	}
	return func(path string) ([]byte, error) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if enc == nil {
			return raw, nil
		}
		out, err := enc.NewDecoder().Bytes(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s as %s: %w", path, encodingName, err)
		}
		return out, nil
	}, nil
}

func lookupEncoding(name string) (encoding.Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf-8", "utf8":
		return nil, nil
	case "ms950", "cp950":
		return traditionalchinese.Big5, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("script encoding %q: %w", name, err)
	}
	return enc, nil
}
