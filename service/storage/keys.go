package storage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// offline backlog: im:offline:<user>, every member scored 0 and ordered by
// its zero-padded seq prefix so int64 ids never pass through a float score.
func offlineKey(user string) string { return "im:offline:" + user }

// acknowledged cursor per device
func cursorKey(user, device string) string { return "im:cursor:" + user + ":" + device }

// presence hash: field = gateway node, value = unix expiry
func presenceKey(user string) string { return "im:presence:" + user }

const seqWidth = 19 // len(strconv.Itoa(math.MaxInt64))

func seqPrefix(seq int64) string { return fmt.Sprintf("%0*d", seqWidth, seq) }

func encodeMember(seq int64, body []byte) string {
	return seqPrefix(seq) + ":" + string(body)
}

// seqRange is the ZRANGEBYLEX interval holding every member of seq.
func seqRange(seq int64) (lo, hi string) {
	p := seqPrefix(seq)
	return "[" + p + ":", "(" + p + ";"
}

func decodeMember(m string) (int64, []byte, error) {
	i := strings.IndexByte(m, ':')
	if i != seqWidth {
		return 0, nil, errors.Errorf("offline member without seq prefix: %.32q", m)
	}
	seq, err := strconv.ParseInt(m[:i], 10, 64)
	if err != nil {
		return 0, nil, errors.Wrap(err, "offline member seq")
	}
	return seq, []byte(m[i+1:]), nil
}
