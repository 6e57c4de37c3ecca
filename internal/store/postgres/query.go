package postgres

import (
	"strconv"
	"strings"

	"github.com/alanyoungcy/polywallet/internal/domain"
)

// listQuery builds a SELECT with positional arguments for the paged list
// endpoints. Conditions are ANDed; rows come back newest first.
type listQuery struct {
	sb    strings.Builder
	args  []any
	where bool
}

func newListQuery(selectFrom string) *listQuery {
	q := &listQuery{}
	q.sb.WriteString(selectFrom)
	return q
}

func (q *listQuery) arg(v any) string {
	q.args = append(q.args, v)
	return "$" + strconv.Itoa(len(q.args))
}

// and appends "col op $n".
func (q *listQuery) and(col, op string, v any) *listQuery {
	if q.where {
		q.sb.WriteString(" AND ")
	} else {
		q.sb.WriteString(" WHERE ")
		q.where = true
	}
	q.sb.WriteString(col + " " + op + " " + q.arg(v))
	return q
}

// page applies the time window, ordering and paging in opts.
func (q *listQuery) page(opts domain.ListOpts) (string, []any) {
	if opts.Since != nil {
		q.and("created_at", ">=", *opts.Since)
	}
	if opts.Until != nil {
		q.and("created_at", "<=", *opts.Until)
	}
	q.sb.WriteString(" ORDER BY created_at DESC, id DESC")
	if opts.Limit > 0 {
		q.sb.WriteString(" LIMIT " + q.arg(opts.Limit))
	}
	if opts.Offset > 0 {
		q.sb.WriteString(" OFFSET " + q.arg(opts.Offset))
	}
	return q.sb.String(), q.args
}
