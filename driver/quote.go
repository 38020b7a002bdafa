package driver

import (
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// QuotePostgres renders xid as a Postgres string literal.
func QuotePostgres(xid string) string {
	return pq.QuoteLiteral(xid)
}

// QuoteMySQL renders xid as a MySQL string literal. Backslashes are escaped
// because the server treats them as escape characters by default.
func QuoteMySQL(xid string) string {
	var b strings.Builder
	b.Grow(len(xid) + 2)
	b.WriteByte('\'')
	for i := 0; i < len(xid); i++ {
		switch c := xid[i]; c {
		case '\'':
			b.WriteString("''")
		case '\\':
			b.WriteString(`\\`)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('\'')
	return b.String()
}

func validateXID(op Op, xid string, maxLen int) error {
	var msg string
	switch {
	case xid == "":
		msg = "identifier is empty"
	case len(xid) > maxLen:
		msg = fmt.Sprintf("identifier is %d bytes, limit is %d", len(xid), maxLen)
	case strings.IndexByte(xid, 0) >= 0:
		msg = "identifier contains a NUL byte"
	default:
		return nil
	}
	return &RejectionError{Op: op, XID: xid, Message: msg, Reason: ErrInvalidXID}
}
