package dispatch

import (
	"net/http"
	"sort"
)

// NodeResponse is the outcome of one backend attempt on the write/delete
// path: status, reason phrase, response headers and body.
type NodeResponse struct {
	Status  int
	Reason  string
	Headers http.Header
	Body    []byte
}

// QuorumSize returns the number of matching responses required to consider
// n-replica data durable: a majority for odd n, exactly half for even n,
// since two even halves cannot disagree without a tiebreaker anyway.
func QuorumSize(n int) int {
	if n%2 == 1 {
		return n/2 + 1
	}
	return n / 2
}

// MajoritySize returns a strict majority of n.
func MajoritySize(n int) int {
	return n/2 + 1
}

// HaveQuorum reports whether some literal status value occurs at least
// QuorumSize(nodeCount) times among the collected statuses.
func HaveQuorum(statuses []int, nodeCount int) bool {
	quorum := QuorumSize(nodeCount)
	if len(statuses) < quorum {
		return false
	}
	counts := make(map[int]int)
	for _, s := range statuses {
		counts[s]++
		if counts[s] >= quorum {
			return true
		}
	}
	return false
}

// BestResponse resolves a set of per-node responses into the client-facing
// outcome. Overrides rewrite statuses for vote counting: every occurrence of
// an overridden status votes for the override's target instead, so a target
// that is literally present can out-vote even a status holding a literal
// quorum. A target with no literal occurrence can never win; overrides add
// votes to real statuses, they do not manufacture one. When the overridden
// tally produces no winner the literal tally still decides, so mapping a
// status away does not turn a unanimous answer into a quorum miss. The
// returned response is always taken from a literal occurrence of the winning
// status (the latest one). If neither tally reaches quorum the result is a
// generic 503.
func BestResponse(responses []NodeResponse, nodeCount int, overrides map[int]int) NodeResponse {
	quorum := QuorumSize(nodeCount)

	if len(overrides) > 0 {
		if resp, ok := computeQuorumResponse(responses, overrides, quorum); ok {
			return resp
		}
	}
	if resp, ok := computeQuorumResponse(responses, nil, quorum); ok {
		return resp
	}

	return NodeResponse{
		Status: http.StatusServiceUnavailable,
		Reason: "Service Unavailable",
	}
}

// computeQuorumResponse finds a status value whose overridden vote count
// reaches quorum and that occurs at least once literally to represent it.
// Candidate statuses are considered success classes first, then higher
// values first within a class.
func computeQuorumResponse(responses []NodeResponse, overrides map[int]int, quorum int) (NodeResponse, bool) {
	if len(responses) == 0 {
		return NodeResponse{}, false
	}

	votes := make(map[int]int)
	literal := make(map[int]bool)
	for i := range responses {
		status := responses[i].Status
		if sub, ok := overrides[status]; ok {
			status = sub
		}
		votes[status]++
		literal[responses[i].Status] = true
	}

	var candidates []int
	for status, count := range votes {
		if count >= quorum && literal[status] {
			candidates = append(candidates, status)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := classRank(candidates[i]), classRank(candidates[j])
		if ci != cj {
			return ci < cj
		}
		return candidates[i] > candidates[j]
	})

	for _, status := range candidates {
		// Latest literal occurrence carries the most up-to-date headers
		// and body.
		for i := len(responses) - 1; i >= 0; i-- {
			if responses[i].Status == status {
				return responses[i], true
			}
		}
	}
	return NodeResponse{}, false
}

// classRank orders status classes by preference: 2xx, 3xx, 4xx, 5xx, 1xx.
func classRank(status int) int {
	switch {
	case status >= 200 && status < 300:
		return 0
	case status >= 300 && status < 400:
		return 1
	case status >= 400 && status < 500:
		return 2
	case status >= 500:
		return 3
	default:
		return 4
	}
}
