package zap

import (
	"github.com/hlandau/parazap/metadata"
)

// Validate classifies a reply received for route. It returns a Verdict only
// for a reply matching a request pending on that route, removing the entry
// from the table; otherwise it returns a *Violation and leaves the table
// untouched.
//
// Checks run in a fixed order and stop at the first failure: frame count,
// version, request id, status code, metadata.
func Validate(table *Table, route uint64, reply [][]byte) (Verdict, error) {
	violation := func(k ViolationKind) (Verdict, error) {
		return Verdict{}, &Violation{Kind: k, Reply: reply}
	}

	if len(reply) != ReplyFrameCount {
		return violation(MalformedFrameCount)
	}

	if string(reply[0]) != Version {
		return violation(BadVersion)
	}

	id := string(reply[1])
	entry, ok := table.Lookup(id)
	if !ok || entry.Route != route {
		return violation(BadRequestID)
	}

	code, ok := ParseStatusCode(reply[2])
	if !ok {
		return violation(InvalidStatusCode)
	}

	md, err := metadata.Decode(reply[5])
	if err != nil {
		return violation(InvalidMetadata)
	}

	// A concurrent timeout or cancellation may have resolved the request
	// since the lookup.
	entry, ok = table.Take(id, route)
	if !ok {
		return violation(BadRequestID)
	}

	return Verdict{
		RequestID:  id,
		StatusCode: code,
		StatusText: string(reply[3]),
		UserID:     string(reply[4]),
		Metadata:   md,
		Entry:      entry,
	}, nil
}
