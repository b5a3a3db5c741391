package codec

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"

	"github.com/tomyedwab/fbdriver/dberrors"
	"github.com/tomyedwab/fbdriver/types"
)

// Charset is a server character set with its client-side transcoder.
type Charset struct {
	Name         string
	ID           int
	BytesPerChar int
	enc          encoding.Encoding
	ascii        bool
}

var charsets = []*Charset{
	{Name: "NONE", ID: types.CharsetNone, BytesPerChar: 1},
	{Name: "OCTETS", ID: types.CharsetOctets, BytesPerChar: 1},
	{Name: "ASCII", ID: types.CharsetASCII, BytesPerChar: 1, ascii: true},
	{Name: "UNICODE_FSS", ID: types.CharsetUnicodeFSS, BytesPerChar: 3},
	{Name: "UTF8", ID: types.CharsetUTF8, BytesPerChar: 4},
	{Name: "SJIS_0208", ID: 5, BytesPerChar: 2, enc: japanese.ShiftJIS},
	{Name: "EUCJ_0208", ID: 6, BytesPerChar: 2, enc: japanese.EUCJP},
	{Name: "DOS437", ID: 10, BytesPerChar: 1, enc: charmap.CodePage437},
	{Name: "DOS850", ID: 11, BytesPerChar: 1, enc: charmap.CodePage850},
	{Name: "DOS865", ID: 12, BytesPerChar: 1, enc: charmap.CodePage865},
	{Name: "DOS860", ID: 13, BytesPerChar: 1, enc: charmap.CodePage860},
	{Name: "DOS863", ID: 14, BytesPerChar: 1, enc: charmap.CodePage863},
	{Name: "ISO8859_1", ID: 21, BytesPerChar: 1, enc: charmap.ISO8859_1},
	{Name: "ISO8859_2", ID: 22, BytesPerChar: 1, enc: charmap.ISO8859_2},
	{Name: "ISO8859_3", ID: 23, BytesPerChar: 1, enc: charmap.ISO8859_3},
	{Name: "ISO8859_4", ID: 34, BytesPerChar: 1, enc: charmap.ISO8859_4},
	{Name: "ISO8859_5", ID: 35, BytesPerChar: 1, enc: charmap.ISO8859_5},
	{Name: "ISO8859_6", ID: 36, BytesPerChar: 1, enc: charmap.ISO8859_6},
	{Name: "ISO8859_7", ID: 37, BytesPerChar: 1, enc: charmap.ISO8859_7},
	{Name: "ISO8859_8", ID: 38, BytesPerChar: 1, enc: charmap.ISO8859_8},
	{Name: "ISO8859_9", ID: 39, BytesPerChar: 1, enc: charmap.ISO8859_9},
	{Name: "ISO8859_13", ID: 40, BytesPerChar: 1, enc: charmap.ISO8859_13},
	{Name: "KSC_5601", ID: 44, BytesPerChar: 2, enc: korean.EUCKR},
	{Name: "DOS852", ID: 45, BytesPerChar: 1, enc: charmap.CodePage852},
	{Name: "DOS866", ID: 48, BytesPerChar: 1, enc: charmap.CodePage866},
	{Name: "WIN1250", ID: 51, BytesPerChar: 1, enc: charmap.Windows1250},
	{Name: "WIN1251", ID: 52, BytesPerChar: 1, enc: charmap.Windows1251},
	{Name: "WIN1252", ID: 53, BytesPerChar: 1, enc: charmap.Windows1252},
	{Name: "WIN1253", ID: 54, BytesPerChar: 1, enc: charmap.Windows1253},
	{Name: "WIN1254", ID: 55, BytesPerChar: 1, enc: charmap.Windows1254},
	{Name: "BIG_5", ID: 56, BytesPerChar: 2, enc: traditionalchinese.Big5},
	{Name: "GB_2312", ID: 57, BytesPerChar: 2, enc: simplifiedchinese.GBK},
	{Name: "WIN1255", ID: 58, BytesPerChar: 1, enc: charmap.Windows1255},
	{Name: "WIN1256", ID: 59, BytesPerChar: 1, enc: charmap.Windows1256},
	{Name: "WIN1257", ID: 60, BytesPerChar: 1, enc: charmap.Windows1257},
	{Name: "KOI8R", ID: 63, BytesPerChar: 1, enc: charmap.KOI8R},
	{Name: "KOI8U", ID: 64, BytesPerChar: 1, enc: charmap.KOI8U},
	{Name: "WIN1258", ID: 65, BytesPerChar: 1, enc: charmap.Windows1258},
	{Name: "GBK", ID: 67, BytesPerChar: 2, enc: simplifiedchinese.GBK},
	{Name: "GB18030", ID: types.CharsetGB18030, BytesPerChar: 4, enc: simplifiedchinese.GB18030},
}

var charsetAliases = map[string]string{
	"UTF-8": "UTF8",
	"":      "NONE",
}

// LookupCharset finds a character set by its server name.
func LookupCharset(name string) (*Charset, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if alias, ok := charsetAliases[name]; ok {
		name = alias
	}
	for _, cs := range charsets {
		if cs.Name == name {
			return cs, nil
		}
	}
	return nil, dberrors.Interfacef("Unknown character set %s", name)
}

// CharsetByID finds a character set by its server id.
func CharsetByID(id int) (*Charset, bool) {
	for _, cs := range charsets {
		if cs.ID == id {
			return cs, true
		}
	}
	return nil, false
}

// CharsetNames lists the supported character sets.
func CharsetNames() []string {
	names := make([]string, len(charsets))
	for i, cs := range charsets {
		names[i] = cs.Name
	}
	return names
}

// IsMultibyte reports whether a character may take more than one byte.
func (c *Charset) IsMultibyte() bool {
	return c.BytesPerChar > 1
}

// Encode converts a Go string into the character set.
func (c *Charset) Encode(s string) ([]byte, error) {
	if c.ascii {
		for i := 0; i < len(s); i++ {
			if s[i] >= utf8.RuneSelf {
				return nil, dberrors.Valuef("cannot encode %q as ASCII", s)
			}
		}
	}
	if c.enc == nil {
		return []byte(s), nil
	}
	b, err := c.enc.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, dberrors.Wrap(dberrors.KindValue, "cannot encode value as "+c.Name, err)
	}
	return b, nil
}

// Decode converts bytes in the character set into a Go string.
func (c *Charset) Decode(b []byte) (string, error) {
	if c.enc == nil {
		return string(b), nil
	}
	s, err := c.enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", dberrors.Wrap(dberrors.KindData, "cannot decode value from "+c.Name, err)
	}
	return string(s), nil
}
